package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flux.dev/overlay/cert"
	"go.flux.dev/overlay/topology"
	"go.flux.dev/overlay/transport"
)

// TestHandleLocalRequestUnreachableRankSynthesizesEHostUnreachable: a
// size-1 overlay (no parent, no children) given a request addressed to
// a rank other than 0/NodeIDAny can't route it anywhere, so it must get
// a synthetic EHOSTUNREACH response rather than being silently dropped.
func TestHandleLocalRequestUnreachableRankSynthesizesEHostUnreachable(t *testing.T) {
	topo, err := topology.New("flat", 1, nil)
	require.NoError(t, err)
	view, err := topo.WithRank(0)
	require.NoError(t, err)
	c, err := cert.Create()
	require.NoError(t, err)

	o, err := New(0, view, c, MakeVersion(1, 0, 0), "solo", "solo-uuid", DefaultConfig())
	require.NoError(t, err)

	var delivered []*transport.Envelope
	o.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { delivered = append(delivered, e) }))

	o.HandleLocal(&transport.Envelope{Kind: transport.KindRequest, Topic: "foo_request", Matchtag: 7, Nodeid: 1})

	require.Len(t, delivered, 1)
	assert.Equal(t, transport.KindResponse, delivered[0].Kind)
	assert.EqualValues(t, 7, delivered[0].Matchtag)
	assert.EqualValues(t, EHostUnreachable, delivered[0].ErrCode)
}

// TestHandleLocalRequestNoNodeidGetsENOSYS: no parent, no nodeid
// addressed (dest 0/NodeIDAny) gets ENOSYS, not EHOSTUNREACH.
func TestHandleLocalRequestNoNodeidGetsENOSYS(t *testing.T) {
	topo, err := topology.New("flat", 1, nil)
	require.NoError(t, err)
	view, err := topo.WithRank(0)
	require.NoError(t, err)
	c, err := cert.Create()
	require.NoError(t, err)

	o, err := New(0, view, c, MakeVersion(1, 0, 0), "solo", "solo-uuid", DefaultConfig())
	require.NoError(t, err)

	var delivered []*transport.Envelope
	o.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { delivered = append(delivered, e) }))

	o.HandleLocal(&transport.Envelope{Kind: transport.KindRequest, Topic: "foo_request", Matchtag: 9})

	require.Len(t, delivered, 1)
	assert.EqualValues(t, ENOSYS, delivered[0].ErrCode)
}

// TestHandleFromParentHelloResponseCompletesHandshake verifies the
// parent socket's response path recognizes the hello ack and flips
// hello_responded, rather than leaking it into the local channel.
func TestHandleFromParentHelloResponseCompletesHandshake(t *testing.T) {
	_, child, _, childConn := newTestPair(t)
	defer childConn.Close()

	child.mu.Lock()
	child.parent.HelloResponded = false
	child.parent.UUID = ""
	child.mu.Unlock()

	child.HandleFromParent(&transport.Envelope{
		Kind: transport.KindResponse, Topic: "overlay.hello",
		Payload: encodeHelloResp("parent-uuid", ""),
	})

	child.mu.Lock()
	defer child.mu.Unlock()
	assert.True(t, child.parent.HelloResponded)
	assert.Equal(t, "parent-uuid", child.parent.UUID)
}

// TestGoodbyeRoundTrip walks the goodbye handshake end to end: the
// child enters the GOODBYE state and sends overlay.goodbye upstream;
// the parent acks,
// then marks the child offline; the ack posts the child's goodbye
// event to its local channel.
func TestGoodbyeRoundTrip(t *testing.T) {
	parent, child, parentConn, childConn := newTestPair(t)
	defer childConn.Close()

	var delivered []*transport.Envelope
	child.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { delivered = append(delivered, e) }))

	child.SetState(StateGoodbye)

	req, err := parentConn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "overlay.goodbye", req.Topic)

	resp := parent.HandleFromChild("child-uuid", parentConn, req)
	assert.Nil(t, resp, "goodbye is acked on the child's conn before the teardown")

	parent.mu.Lock()
	status := parent.children[1].Status
	parent.mu.Unlock()
	assert.Equal(t, StatusOffline, status)

	ack, err := childConn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "overlay.goodbye", ack.Topic)

	child.HandleFromParent(ack)
	require.Len(t, delivered, 1)
	assert.Equal(t, "goodbye", delivered[0].Topic)
	assert.Zero(t, delivered[0].ErrCode)
}

// TestHandleFromChildUnknownUUIDRepliesDisconnect: a frame from an
// unknown uuid that is not a hello request gets a disconnect control
// back.
func TestHandleFromChildUnknownUUIDRepliesDisconnect(t *testing.T) {
	parent, _, parentConn, childConn := newTestPair(t)
	defer childConn.Close()

	resp := parent.HandleFromChild("stranger-uuid", parentConn,
		&transport.Envelope{Kind: transport.KindRequest, Topic: "svc.foo"})
	require.NotNil(t, resp)
	assert.Equal(t, transport.KindControl, resp.Kind)
	assert.Equal(t, transport.ControlDisconnect, resp.Control)
}

// TestEventSequenceGapStillDelivers: a gap in the downstream event
// sequence is logged but every event is still delivered, and the
// counter tracks the latest seq.
func TestEventSequenceGapStillDelivers(t *testing.T) {
	_, child, _, childConn := newTestPair(t)
	defer childConn.Close()

	var delivered []*transport.Envelope
	child.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { delivered = append(delivered, e) }))

	for _, seq := range []uint32{1, 2, 3, 5} {
		child.HandleFromParent(&transport.Envelope{
			Kind: transport.KindEvent, Topic: "bcast", Seq: seq, HasSeq: true,
		})
	}

	require.Len(t, delivered, 4)
	assert.EqualValues(t, 5, delivered[3].Seq)
	child.mu.Lock()
	defer child.mu.Unlock()
	assert.EqualValues(t, 5, child.eventSeq)
}

// TestDownstreamRequestResponseRoundTrip: routing a request down one
// hop and its response back up removes the tracker entry, and the
// response surfaces at the parent with an empty route stack.
func TestDownstreamRequestResponseRoundTrip(t *testing.T) {
	parent, child, parentConn, childConn := newTestPair(t)
	defer childConn.Close()

	var atChild []*transport.Envelope
	child.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { atChild = append(atChild, e) }))
	var atParent []*transport.Envelope
	parent.SetLocalPublisher(publisherFunc(func(e *transport.Envelope) { atParent = append(atParent, e) }))

	parent.HandleLocal(&transport.Envelope{
		Kind: transport.KindRequest, Topic: "svc.echo", Matchtag: 21, Nodeid: 1,
	})
	require.Equal(t, 1, parent.children[1].Tracker.Count())

	down, err := childConn.Receive()
	require.NoError(t, err)
	child.HandleFromParent(down)
	require.Len(t, atChild, 1)
	assert.Equal(t, []string{"parent-uuid"}, atChild[0].Route)

	reply := &transport.Envelope{
		Kind: transport.KindResponse, Topic: "svc.echo", Matchtag: 21,
		Route: append([]string(nil), atChild[0].Route...),
	}
	child.HandleLocal(reply)

	up, err := parentConn.Receive()
	require.NoError(t, err)
	parent.HandleFromChild("child-uuid", parentConn, up)

	assert.Equal(t, 0, parent.children[1].Tracker.Count())
	require.Len(t, atParent, 1)
	assert.Empty(t, atParent[0].Route)
}
