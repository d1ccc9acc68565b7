package overlay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.flux.dev/overlay/cert"
	"go.flux.dev/overlay/topology"
	"go.flux.dev/overlay/transport"
)

// newTestPair builds a rank-0/rank-1 overlay pair joined over an
// in-process LocalNetwork with the hello handshake already completed,
// for tests that need a live parent/child relationship.
func newTestPair(t *testing.T) (parent, child *Overlay, parentConn, childConn transport.Conn) {
	t.Helper()

	topo, err := topology.New("flat", 2, nil)
	require.NoError(t, err)
	parentView, err := topo.WithRank(0)
	require.NoError(t, err)
	childView, err := topo.WithRank(1)
	require.NoError(t, err)

	c, err := cert.Create()
	require.NoError(t, err)

	parent, err = New(0, parentView, c, MakeVersion(1, 0, 0), "parent", "parent-uuid", DefaultConfig())
	require.NoError(t, err)
	child, err = New(1, childView, c, MakeVersion(1, 0, 0), "child", "child-uuid", DefaultConfig())
	require.NoError(t, err)

	net := transport.NewLocalNetwork()
	var accepted transport.Conn
	require.NoError(t, net.Listen("parent", func(c transport.Conn) { accepted = c }))
	childConn, err = net.Connect("child", "parent")
	require.NoError(t, err)
	parentConn = accepted

	child.AttachParentConn(childConn)

	go func() { _ = child.SendHello() }()
	req, err := parentConn.Receive()
	require.NoError(t, err)
	resp := parent.HandleHelloRequest(parentConn, req)
	require.NotNil(t, resp)
	require.Zero(t, resp.ErrCode)
	_, err = parentConn.Send(resp)
	require.NoError(t, err)

	gotResp, err := childConn.Receive()
	require.NoError(t, err)
	child.HandleHelloResponse(gotResp)

	return parent, child, parentConn, childConn
}
