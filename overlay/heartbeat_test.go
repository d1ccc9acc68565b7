package overlay

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go.flux.dev/overlay/transport"
)

func TestNextSyncIntervalStaysWithinBounds(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := parent.NextSyncInterval(rng)
		assert.GreaterOrEqual(t, d, parent.config.SyncMin)
		assert.Less(t, d, parent.config.SyncMax)
	}
}

func TestNextSyncIntervalDegenerateBounds(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	parent.mu.Lock()
	parent.config.SyncMin = time.Second
	parent.config.SyncMax = time.Second
	parent.mu.Unlock()

	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, time.Second, parent.NextSyncInterval(rng))
}

func TestTickSendsHeartbeatToParentWhenStale(t *testing.T) {
	_, child, parentConn, childConn := newTestPair(t)
	defer childConn.Close()

	base := time.Now()
	child.mu.Lock()
	child.now = func() time.Time { return base }
	child.parent.LastSend = base.Add(-time.Hour)
	child.mu.Unlock()

	child.Tick(base)

	e, err := parentConn.Receive()
	if assert.NoError(t, err) {
		assert.Equal(t, transport.KindControl, e.Kind)
		assert.Equal(t, transport.ControlHeartbeat, e.Control)
	}
}

func TestTickMarksChildTorpidThenRecovers(t *testing.T) {
	parent, _, parentConn, childConn := newTestPair(t)
	defer childConn.Close()

	base := time.Now()
	parent.mu.Lock()
	parent.now = func() time.Time { return base }
	parent.config.TorpidMax = 10 * time.Second
	child := parent.children[1]
	child.LastSeen = base.Add(-time.Minute)
	parent.mu.Unlock()

	parent.Tick(base)
	parent.mu.Lock()
	assert.True(t, parent.children[1].Torpid)
	parent.mu.Unlock()

	parent.mu.Lock()
	parent.children[1].LastSeen = base
	parent.mu.Unlock()
	parent.Tick(base)
	parent.mu.Lock()
	assert.False(t, parent.children[1].Torpid)
	parent.mu.Unlock()

	_ = parentConn
}

func TestTickDisabledTorpidClearsFlag(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	base := time.Now()
	parent.mu.Lock()
	parent.now = func() time.Time { return base }
	parent.config.TorpidMax = 0
	parent.children[1].Torpid = true
	parent.children[1].LastSeen = base.Add(-time.Hour)
	parent.mu.Unlock()

	parent.Tick(base)

	parent.mu.Lock()
	defer parent.mu.Unlock()
	assert.False(t, parent.children[1].Torpid)
}
