package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flux.dev/overlay/cert"
	"go.flux.dev/overlay/topology"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(MapAttrs{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverridesFSDFields(t *testing.T) {
	cfg, err := LoadConfig(MapAttrs{
		"tbon.torpid_min":      "10s",
		"tbon.torpid_max":      "1m",
		"tbon.child_rcvhwm":    "4",
		"tbon.connect_timeout": "2s",
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.TorpidMin)
	assert.Equal(t, time.Minute, cfg.TorpidMax)
	assert.Equal(t, 4, cfg.ChildRecvHWM)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
	// sync_min follows torpid_min per the design note in config.go.
	assert.Equal(t, 10*time.Second, cfg.SyncMin)
}

func TestLoadConfigRejectsBadRecvHWM(t *testing.T) {
	_, err := LoadConfig(MapAttrs{"tbon.child_rcvhwm": "1"})
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadFSD(t *testing.T) {
	_, err := LoadConfig(MapAttrs{"tbon.torpid_min": "not-a-duration"})
	assert.Error(t, err)
}

func TestTopologyURIResolution(t *testing.T) {
	uri, err := TopologyURI(MapAttrs{})
	require.NoError(t, err)
	assert.Equal(t, "flat", uri)

	uri, err = TopologyURI(MapAttrs{"tbon.topo": "binomial"})
	require.NoError(t, err)
	assert.Equal(t, "binomial", uri)

	uri, err = TopologyURI(MapAttrs{"tbon.fanout": "3"})
	require.NoError(t, err)
	assert.Equal(t, topology.FanoutURI(3), uri)
}

func TestDerivedAttrs(t *testing.T) {
	topo, err := topology.New("kary:2", 3, nil)
	require.NoError(t, err)
	view, err := topo.WithRank(0)
	require.NoError(t, err)
	c, err := cert.Create()
	require.NoError(t, err)

	o, err := New(0, view, c, MakeVersion(1, 0, 0), "root", "uuid-0", DefaultConfig())
	require.NoError(t, err)

	attrs := o.DerivedAttrs(":9000", "", "a,b,c", "0-2")
	assert.Equal(t, "0", attrs["tbon.level"])
	assert.Equal(t, ":9000", attrs["tbon.endpoint"])
	assert.Equal(t, "a,b,c", attrs["broker.hostlist"])
	assert.Equal(t, "0-2", attrs["broker.mapping"])
	_, hasParentEndpoint := attrs["tbon.parent-endpoint"]
	assert.False(t, hasParentEndpoint)
}
