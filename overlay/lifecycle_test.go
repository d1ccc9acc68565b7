package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flux.dev/overlay/transport"
)

type publisherFunc func(e *transport.Envelope)

func (f publisherFunc) Deliver(e *transport.Envelope) { f(e) }

func TestOnParentLostPurgesTrackerAndNotifiesLocal(t *testing.T) {
	_, child, _, childConn := newTestPair(t)
	defer childConn.Close()

	var delivered []*transport.Envelope
	child.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { delivered = append(delivered, e) }))

	child.HandleLocal(&transport.Envelope{Kind: transport.KindRequest, Topic: "svc.foo", Matchtag: 55})
	require.Equal(t, 1, child.parent.Tracker.Count())

	child.mu.Lock()
	child.onParentLostLocked("test disconnect")
	child.mu.Unlock()
	child.drainLocal()

	assert.True(t, child.parent.Offline)
	assert.Equal(t, 0, child.parent.Tracker.Count())

	require.NotEmpty(t, delivered)
	var sawDisconnectResponse, sawStateMachinePost bool
	for _, e := range delivered {
		if e.Kind == transport.KindResponse && e.Matchtag == 55 {
			assert.EqualValues(t, EHostUnreachable, e.ErrCode)
			sawDisconnectResponse = true
		}
		if e.Topic == "state-machine.post" && string(e.Payload) == "parent-fail" {
			sawStateMachinePost = true
		}
	}
	assert.True(t, sawDisconnectResponse)
	assert.True(t, sawStateMachinePost)
}

func TestOnParentTransportErrorMarksParentOffline(t *testing.T) {
	_, child, _, childConn := newTestPair(t)
	defer childConn.Close()

	child.OnParentTransportError(assertError{"read: connection reset"})

	child.mu.Lock()
	offline := child.parent.Offline
	child.mu.Unlock()
	assert.True(t, offline)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestOnParentLostIsIdempotent(t *testing.T) {
	_, child, _, childConn := newTestPair(t)
	defer childConn.Close()

	child.mu.Lock()
	child.onParentLostLocked("first")
	offlineTime := child.parent.Offline
	child.onParentLostLocked("second")
	child.mu.Unlock()

	assert.True(t, offlineTime)
	assert.True(t, child.parent.Offline)
}

// TestShutdownPostsChildrenNoneWhenAlreadyAllOffline covers the
// synchronous half of the SHUTDOWN reaction: if every child is already
// offline (or there are none) by the time STATE_SHUTDOWN is entered,
// children-none fires immediately from SetState itself.
func TestShutdownPostsChildrenNoneWhenAlreadyAllOffline(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	parent.mu.Lock()
	for _, c := range parent.children {
		parent.transitionChildLocked(c, StatusOffline, "")
	}
	parent.mu.Unlock()

	var delivered []*transport.Envelope
	parent.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { delivered = append(delivered, e) }))

	parent.SetState(StateShutdown)

	require.Len(t, delivered, 1)
	assert.Equal(t, "state-machine.post", delivered[0].Topic)
	assert.Equal(t, "children-none", string(delivered[0].Payload))
}

// TestShutdownPostsChildrenCompleteWhenLastChildGoesOffline covers the
// asynchronous half: a child still online when STATE_SHUTDOWN is entered
// means no event fires yet; children-complete is posted later, the
// moment that last online child actually transitions offline.
func TestShutdownPostsChildrenCompleteWhenLastChildGoesOffline(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	var delivered []*transport.Envelope
	parent.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { delivered = append(delivered, e) }))

	parent.SetState(StateShutdown)
	require.Empty(t, delivered, "child is still online: neither event should fire yet")

	parent.mu.Lock()
	for _, c := range parent.children {
		parent.transitionChildLocked(c, StatusOffline, "")
	}
	parent.mu.Unlock()
	parent.drainLocal()

	require.Len(t, delivered, 1)
	assert.Equal(t, "state-machine.post", delivered[0].Topic)
	assert.Equal(t, "children-complete", string(delivered[0].Payload))
}

func TestSendToParentLockedTreatsFailureAsLoss(t *testing.T) {
	_, child, _, childConn := newTestPair(t)
	childConn.Close()

	child.mu.Lock()
	err := child.sendToParentLocked(&transport.Envelope{Kind: transport.KindControl, Control: transport.ControlHeartbeat})
	lost := child.parent.Offline
	child.mu.Unlock()

	assert.Error(t, err)
	assert.True(t, lost)
}
