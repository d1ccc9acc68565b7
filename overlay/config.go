package overlay

import (
	"strconv"
	"time"

	"golang.org/x/xerrors"

	"go.flux.dev/overlay/topology"
)

// Attrs is the minimal surface the overlay needs from the broker-wide
// attribute store: a flat string key/value lookup. The attribute store
// itself lives outside this package; LoadConfig only consumes the
// tbon.*/broker.* keys it recognizes.
type Attrs interface {
	Get(key string) (string, bool)
}

// MapAttrs is the simplest Attrs implementation, backing tests and the
// config-file bootstrap provider.
type MapAttrs map[string]string

// Get implements Attrs.
func (m MapAttrs) Get(key string) (string, bool) { v, ok := m[key]; return v, ok }

// LoadConfig builds a Config from DefaultConfig() overlaid with the
// tbon.* attributes present in attrs. Unset attributes keep
// their default. FSD-typed attributes that fail to parse are reported
// as an error rather than silently ignored, since a broker that starts
// with the wrong torpid/timeout values can misbehave for a long time
// before anyone notices.
func LoadConfig(attrs Attrs) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := attrs.Get("tbon.child_rcvhwm"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, xerrors.Errorf("tbon.child_rcvhwm: %v", err)
		}
		if n != 0 && n < 2 {
			return cfg, xerrors.Errorf("tbon.child_rcvhwm must be 0 or >= 2, got %d", n)
		}
		cfg.ChildRecvHWM = n
	}

	for _, f := range []struct {
		key string
		dst *time.Duration
	}{
		{"tbon.torpid_min", &cfg.TorpidMin},
		{"tbon.torpid_max", &cfg.TorpidMax},
		{"tbon.connect_timeout", &cfg.ConnectTimeout},
		{"tbon.tcp_user_timeout", &cfg.TCPUserTimeout},
	} {
		if v, ok := attrs.Get(f.key); ok && v != "" {
			d, err := ParseFSD(v)
			if err != nil {
				return cfg, xerrors.Errorf("%s: %v", f.key, err)
			}
			*f.dst = d
		}
	}

	// When tbon.torpid_min is set, the sync timer's jitter window follows
	// it: sync_min takes its value and sync_max is raised to twice that
	// if it would otherwise fall below sync_min.
	if v, ok := attrs.Get("tbon.torpid_min"); ok && v != "" && cfg.TorpidMin > 0 {
		cfg.SyncMin = cfg.TorpidMin
		if cfg.SyncMax < cfg.SyncMin {
			cfg.SyncMax = cfg.SyncMin * 2
		}
	}

	return cfg, nil
}

// DerivedAttrs builds the tbon.*/broker.* values a broker writes back
// to the attribute store once bootstrap has picked its rank, bind URI,
// and parent URI. This function only computes the values; the caller
// holding a concrete store writes them.
func (o *Overlay) DerivedAttrs(bindURI, parentURI, hostlist, mapping string) map[string]string {
	o.mu.Lock()
	level, maxLevel, descendants := o.topo.GetLevel(), o.topo.GetMaxLevel(), o.topo.GetDescendantCount()
	o.mu.Unlock()

	attrs := map[string]string{
		"tbon.level":       strconv.Itoa(level),
		"tbon.maxlevel":    strconv.Itoa(maxLevel),
		"tbon.descendants": strconv.Itoa(descendants),
		"broker.hostlist":  hostlist,
		"broker.mapping":   mapping,
	}
	if bindURI != "" {
		attrs["tbon.endpoint"] = bindURI
	}
	if parentURI != "" {
		attrs["tbon.parent-endpoint"] = parentURI
	}
	return attrs
}

// TopologyURI resolves the tbon.topo attribute, falling back to the
// tbon.fanout legacy alias (tbon.fanout=K is equivalent to tbon.topo =
// "kary:K"). "flat" is the ultimate default.
func TopologyURI(attrs Attrs) (string, error) {
	if v, ok := attrs.Get("tbon.topo"); ok && v != "" {
		return v, nil
	}
	if v, ok := attrs.Get("tbon.fanout"); ok && v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			return "", xerrors.Errorf("tbon.fanout: %v", err)
		}
		return topology.FanoutURI(k), nil
	}
	return "flat", nil
}
