package overlay

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// ParseFSD parses a "flexible string duration" literal such as "30s",
// "5m", or "1.5h" into a time.Duration. It supports the common
// single-unit form the attributes it gates (tbon.torpid_min/_max,
// tbon.tcp_user_timeout, tbon.connect_timeout) actually need: an
// optionally-fractional number followed by a unit suffix (s, m, h, d),
// or a bare number of seconds with no suffix.
func ParseFSD(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, xerrors.New("fsd: empty duration")
	}

	unit := time.Second
	numPart := s
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
		numPart = s[:len(s)-1]
	case 'm':
		unit = time.Minute
		numPart = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		numPart = s[:len(s)-1]
	case 'd':
		unit = 24 * time.Hour
		numPart = s[:len(s)-1]
	default:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return 0, xerrors.Errorf("fsd: %q has no recognized unit suffix (s/m/h/d)", s)
		}
	}

	numPart = strings.TrimSpace(numPart)
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, xerrors.Errorf("fsd: invalid numeric part in %q: %v", s, err)
	}
	if value < 0 {
		return 0, xerrors.Errorf("fsd: negative duration %q", s)
	}

	return time.Duration(value * float64(unit)), nil
}

// FormatFSD renders d back into the shortest FSD literal that round-trips,
// used for log lines and for re-serializing attribute defaults.
func FormatFSD(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0 && d >= 24*time.Hour:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0 && d >= time.Hour:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0 && d >= time.Minute:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return strconv.FormatFloat(d.Seconds(), 'g', -1, 64) + "s"
	}
}
