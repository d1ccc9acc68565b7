package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFSDUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":  30 * time.Second,
		"5m":   5 * time.Minute,
		"1.5h": 90 * time.Minute,
		"2d":   48 * time.Hour,
		"10":   10 * time.Second,
	}
	for in, want := range cases {
		got, err := ParseFSD(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseFSDRejectsInvalid(t *testing.T) {
	_, err := ParseFSD("")
	assert.Error(t, err)
	_, err = ParseFSD("abc")
	assert.Error(t, err)
	_, err = ParseFSD("-5s")
	assert.Error(t, err)
}

func TestFormatFSDRoundTrips(t *testing.T) {
	for _, d := range []time.Duration{30 * time.Second, 5 * time.Minute, 2 * time.Hour, 3 * 24 * time.Hour} {
		s := FormatFSD(d)
		got, err := ParseFSD(s)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}
