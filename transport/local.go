package transport

import (
	"sync"

	"golang.org/x/xerrors"
)

// LocalMaxBuffer bounds the number of envelopes queued to one endpoint
// before Send blocks.
const LocalMaxBuffer = 200

// localManager tracks every open in-process connection and every
// address currently listening.
type localManager struct {
	mu        sync.Mutex
	conns     map[localEndpoint]*LocalConn
	listening map[string]func(Conn)
	counter   uint64
}

type localEndpoint struct {
	addr string
	uid  uint64
}

func newLocalManager() *localManager {
	return &localManager{
		conns:     make(map[localEndpoint]*LocalConn),
		listening: make(map[string]func(Conn)),
	}
}

// defaultLocalManager is a package-wide localManager that no function in
// this package uses; tests that want isolation from each other construct
// their own localManager via NewLocalNetwork.
var defaultLocalManager = newLocalManager()

// LocalNetwork is an isolated set of in-process addresses, for tests
// that build more than one independent overlay tree in the same process
// and don't want their local addresses to collide.
type LocalNetwork struct {
	m *localManager
}

// NewLocalNetwork returns a fresh, isolated LocalNetwork.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{m: newLocalManager()}
}

// Listen registers addr as accepting connections; fn is invoked
// synchronously with the accepted Conn for each Connect call.
func (n *LocalNetwork) Listen(addr string, fn func(Conn)) error {
	n.m.mu.Lock()
	defer n.m.mu.Unlock()
	if _, ok := n.m.listening[addr]; ok {
		return xerrors.Errorf("transport: %s is already listening", addr)
	}
	n.m.listening[addr] = fn
	return nil
}

// Unlisten stops accepting connections on addr.
func (n *LocalNetwork) Unlisten(addr string) {
	n.m.mu.Lock()
	defer n.m.mu.Unlock()
	delete(n.m.listening, addr)
}

// Connect opens a LocalConn from local to remote, invoking remote's
// registered listen function with the accepted side.
func (n *LocalNetwork) Connect(local, remote string) (*LocalConn, error) {
	n.m.mu.Lock()
	fn, ok := n.m.listening[remote]
	if !ok {
		n.m.mu.Unlock()
		return nil, xerrors.Errorf("transport: %s can't connect to %s: not listening", local, remote)
	}

	outEnd := localEndpoint{local, n.m.counter}
	n.m.counter++
	inEnd := localEndpoint{remote, n.m.counter}
	n.m.counter++

	out := newLocalConn(n.m, outEnd, inEnd)
	in := newLocalConn(n.m, inEnd, outEnd)
	n.m.conns[outEnd] = out
	n.m.conns[inEnd] = in
	n.m.mu.Unlock()

	fn(in)
	return out, nil
}

// LocalConn is an in-process Conn backed by buffered channels instead of
// a socket, used by overlay tests to assemble a multi-rank tree without
// binding any real address.
type LocalConn struct {
	local, remote localEndpoint
	manager       *localManager

	incoming chan *Envelope
	outgoing chan *Envelope
	closeCh  chan struct{}
	once     sync.Once
}

func newLocalConn(m *localManager, local, remote localEndpoint) *LocalConn {
	lc := &LocalConn{
		local: local, remote: remote, manager: m,
		incoming: make(chan *Envelope, LocalMaxBuffer),
		outgoing: make(chan *Envelope, LocalMaxBuffer),
		closeCh:  make(chan struct{}),
	}
	go lc.pump()
	return lc
}

func (lc *LocalConn) pump() {
	for {
		select {
		case e, ok := <-lc.incoming:
			if !ok {
				close(lc.outgoing)
				return
			}
			lc.outgoing <- e
		case <-lc.closeCh:
			// drain frames queued before the close, the way data already
			// in flight on a TCP connection still arrives before the FIN
			for {
				select {
				case e, ok := <-lc.incoming:
					if !ok {
						close(lc.outgoing)
						return
					}
					lc.outgoing <- e
				default:
					close(lc.outgoing)
					return
				}
			}
		}
	}
}

// Send enqueues e to the remote endpoint.
func (lc *LocalConn) Send(e *Envelope) (uint64, error) {
	lc.manager.mu.Lock()
	peer, ok := lc.manager.conns[lc.remote]
	lc.manager.mu.Unlock()
	if !ok {
		return 0, ErrClosed
	}
	select {
	case peer.incoming <- e:
		return 1, nil
	case <-peer.closeCh:
		return 0, ErrClosed
	}
}

// Receive blocks until an envelope sent to this endpoint is available.
func (lc *LocalConn) Receive() (*Envelope, error) {
	e, ok := <-lc.outgoing
	if !ok {
		return nil, ErrClosed
	}
	return e, nil
}

// Remote returns the remote address string.
func (lc *LocalConn) Remote() string { return lc.remote.addr }

// Local returns the local address string.
func (lc *LocalConn) Local() string { return lc.local.addr }

// Close tears down both ends of the pair; the remote half is closed
// too.
func (lc *LocalConn) Close() error {
	lc.manager.mu.Lock()
	defer lc.manager.mu.Unlock()
	if _, ok := lc.manager.conns[lc.local]; !ok {
		return ErrClosed
	}
	delete(lc.manager.conns, lc.local)
	lc.once.Do(func() { close(lc.closeCh) })
	if remote, ok := lc.manager.conns[lc.remote]; ok {
		delete(lc.manager.conns, lc.remote)
		remote.once.Do(func() { close(remote.closeCh) })
	}
	return nil
}
