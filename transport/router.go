package transport

import (
	"sync"

	"golang.org/x/xerrors"
)

// Identity names one endpoint of the overlay: its routing uuid, its
// CURVE-equivalent public key (Z85, see package cert), and the address
// it can be dialed at.
type Identity struct {
	UUID      string
	PublicKey string
	Address   string
}

// Authorizer decides whether an incoming identity may connect, the
// transport-level hook the zap package's allowlist implements.
type Authorizer interface {
	Authorized(publicKey string) bool
}

// allowAll is used when no Authorizer is configured, an escape hatch
// for local/test routers.
type allowAll struct{}

func (allowAll) Authorized(string) bool { return true }

// Config carries the socket HWM/linger/timeout knobs.
type Config struct {
	// ChildRecvHWM is the configured child-inbound high-water mark; 0
	// means unlimited, any other value must be >=2. Validate checks that
	// range; Router does not bound per-child queues by it.
	ChildRecvHWM int
	// Linger is the configured close linger; no Router method reads it.
	Linger int // milliseconds; spec fixes this low (~5ms) in production
}

// DefaultConfig returns the fixed defaults: unlimited child HWM and a
// 5ms linger.
func DefaultConfig() Config {
	return Config{ChildRecvHWM: 0, Linger: 5}
}

// Validate enforces the constraint that ChildRecvHWM is either 0
// or at least 2.
func (c Config) Validate() error {
	if c.ChildRecvHWM != 0 && c.ChildRecvHWM < 2 {
		return xerrors.Errorf("transport: child_rcvhwm must be 0 or >= 2, got %d", c.ChildRecvHWM)
	}
	return nil
}

// Router owns the bind (server) socket and the set of connections to
// children plus the single connection to the parent: a
// bind/listen/connect/send state machine plus byte/message counters.
// Per-connection read loops live in cmd/fluxoverlayd's pumpChild and
// pumpParent goroutines, not here.
type Router struct {
	self Identity
	cfg  Config
	auth Authorizer

	mu       sync.Mutex
	children map[string]Conn // keyed by child uuid
	parent   Conn

	txBytes, rxBytes uint64
	txMsg, rxMsg     uint64
}

// NewRouter returns a Router identifying itself as self.
func NewRouter(self Identity, cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		self:     self,
		cfg:      cfg,
		auth:     allowAll{},
		children: make(map[string]Conn),
	}, nil
}

// SetAuthorizer installs the ZAP-equivalent allowlist check applied to
// every new child connection.
func (r *Router) SetAuthorizer(a Authorizer) { r.auth = a }

// AddChild registers an already-accepted connection as belonging to
// childUUID, after checking it against the Authorizer.
func (r *Router) AddChild(childUUID, publicKey string, conn Conn) error {
	if !r.auth.Authorized(publicKey) {
		if conn != nil {
			conn.Close()
		}
		return xerrors.Errorf("transport: public key not authorized")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[childUUID] = conn
	return nil
}

// RemoveChild closes and forgets childUUID's connection, if any.
func (r *Router) RemoveChild(childUUID string) {
	r.mu.Lock()
	conn, ok := r.children[childUUID]
	delete(r.children, childUUID)
	r.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// SetParent installs the dealer-style connection to the parent.
func (r *Router) SetParent(conn Conn) {
	r.mu.Lock()
	r.parent = conn
	r.mu.Unlock()
}

// ClearParent drops the parent connection, closing it if present.
func (r *Router) ClearParent() {
	r.mu.Lock()
	conn := r.parent
	r.parent = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// SendToChild sends e to childUUID's connection. A missing child
// connection is reported as ErrHostUnreachable so callers can treat it
// exactly like a transport-level connection loss.
func (r *Router) SendToChild(childUUID string, e *Envelope) error {
	r.mu.Lock()
	conn, ok := r.children[childUUID]
	r.mu.Unlock()
	if !ok {
		return ErrHostUnreachable
	}
	n, err := conn.Send(e)
	if err != nil {
		return err
	}
	r.addTx(n)
	return nil
}

// SendToParent sends e to the parent connection.
func (r *Router) SendToParent(e *Envelope) error {
	r.mu.Lock()
	conn := r.parent
	r.mu.Unlock()
	if conn == nil {
		return ErrHostUnreachable
	}
	n, err := conn.Send(e)
	if err != nil {
		return err
	}
	r.addTx(n)
	return nil
}

// HasParent reports whether a parent connection is currently installed.
func (r *Router) HasParent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parent != nil
}

// OnlineChildren returns the uuids of every child with a live connection.
func (r *Router) OnlineChildren() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.children))
	for uuid := range r.children {
		out = append(out, uuid)
	}
	return out
}

func (r *Router) addTx(n uint64) {
	r.mu.Lock()
	r.txBytes += n
	r.txMsg++
	r.mu.Unlock()
}

// AddRx records one received message of n bytes. No code in this
// repository calls it, so the rx counters returned by Stats stay zero.
func (r *Router) AddRx(n uint64) {
	r.mu.Lock()
	r.rxBytes += n
	r.rxMsg++
	r.mu.Unlock()
}

// Stats returns the cumulative tx/rx byte and message counters, the
// figures overlay.stats-get surfaces.
func (r *Router) Stats() (txBytes, rxBytes, txMsg, rxMsg uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txBytes, r.rxBytes, r.txMsg, r.rxMsg
}
