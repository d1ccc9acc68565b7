package overlay

import (
	"sync"
	"time"

	"golang.org/x/xerrors"

	"go.flux.dev/overlay/cert"
	"go.flux.dev/overlay/topology"
	"go.flux.dev/overlay/transport"
)

// Version is this broker's protocol version, packed as
// MAJOR<<16 | MINOR<<8 | PATCH.
type Version int32

// MakeVersion packs a major/minor/patch triple into the wire Version
// representation.
func MakeVersion(major, minor, patch uint8) Version {
	return Version(uint32(major)<<16 | uint32(minor)<<8 | uint32(patch))
}

// Major and Minor report the version parts hello compares for
// compatibility: "major.minor version parts must match".
func (v Version) Major() uint8 { return uint8(v >> 16) }
func (v Version) Minor() uint8 { return uint8(v >> 8) }
func (v Version) Patch() uint8 { return uint8(v) }

// BrokerState is the subset of the broker lifecycle state machine the
// overlay reacts to. The overlay does not own the full state machine;
// it only observes transitions posted to it and reacts to four of them.
type BrokerState int

const (
	StateNone BrokerState = iota
	StateJoin
	StateInit
	StateQuorum
	StateRun
	StateCleanup
	StateShutdown
	StateFinalize
	StateGoodbye
	StateExit
)

// Config holds the tbon.*/broker.* attribute-derived knobs the overlay
// consults.
type Config struct {
	ChildRecvHWM     int
	TorpidMin        time.Duration
	TorpidMax        time.Duration // 0 disables torpid detection
	SyncMin, SyncMax time.Duration
	ConnectTimeout   time.Duration
	TCPUserTimeout   time.Duration
}

// DefaultConfig returns the overlay's built-in defaults before any
// attribute overlay is applied.
func DefaultConfig() Config {
	return Config{
		SyncMin: 2 * time.Second, SyncMax: 4 * time.Second,
		TorpidMin: 5 * time.Second, TorpidMax: 30 * time.Second,
	}
}

// EventPublisher is implemented by whatever local transport hands
// events and requests to the broker's own service handlers (the
// overlay's "local channel"). The overlay package doesn't dictate what
// that local bus is; cmd/fluxoverlayd wires a concrete one.
type EventPublisher interface {
	Deliver(e *transport.Envelope)
}

// Overlay is the singleton per-process broker state. It owns the
// topology view, the certificate, the router, the peer
// records, and the bookkeeping needed to classify and route every
// message that crosses a socket or the local channel.
type Overlay struct {
	mu sync.Mutex

	Size     int
	Rank     int
	UUID     string
	Version  Version
	Hostname string

	topo   *topology.View
	cert   *cert.Cert
	router *transport.Router
	config Config

	parent   *Parent // nil at rank 0
	children map[int]*Child

	selfStatus     Status
	selfStatusTime time.Time
	eventSeq       uint32

	state BrokerState

	monitorSubs map[string]chan MonitorRecord
	healthSubs  map[string]chan HealthRecord
	traceSubs   map[string]*traceSub

	local      EventPublisher
	localQueue []*transport.Envelope

	now       func() time.Time // injectable for tests
	startedAt time.Time
}

// New constructs an Overlay for the given rank/size/topology/cert. The
// Child records for every rank this broker is a direct parent of are
// pre-created offline, matching the "Peer (child): one per direct
// descendant known by topology" invariant.
func New(rank int, topo *topology.View, c *cert.Cert, version Version, hostname string, uuid string, cfg Config) (*Overlay, error) {
	pub := ""
	if c != nil {
		pub = c.Public()
	}
	router, err := transport.NewRouter(transport.Identity{UUID: uuid, PublicKey: pub}, transport.Config{ChildRecvHWM: cfg.ChildRecvHWM})
	if err != nil {
		return nil, xerrors.Errorf("overlay: building router: %v", err)
	}

	o := &Overlay{
		Size: topo.GetSize(), Rank: rank, UUID: uuid, Version: version, Hostname: hostname,
		topo: topo, cert: c, router: router, config: cfg,
		children:       make(map[int]*Child),
		selfStatus:     StatusFull,
		selfStatusTime: time.Now(),
		state:          StateNone,
		monitorSubs:    make(map[string]chan MonitorRecord),
		healthSubs:     make(map[string]chan HealthRecord),
		traceSubs:      make(map[string]*traceSub),
		now:            time.Now,
		startedAt:      time.Now(),
	}
	for _, childRank := range topo.GetChildRanks(0) {
		o.children[childRank] = NewChild(childRank, "")
	}
	if rank != 0 {
		o.parent = NewParent(topo.GetParent(), "")
	}
	return o, nil
}

// SetLocalPublisher installs the local-channel deliverer used for events
// and requests routed to this broker's own service handlers.
func (o *Overlay) SetLocalPublisher(p EventPublisher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.local = p
}

// certPublicLocked returns this broker's own Z85 public key, the
// identity it presents in hello requests and responses.
func (o *Overlay) certPublicLocked() string {
	if o.cert == nil {
		return ""
	}
	return o.cert.Public()
}

// SetParentPublicKey records the public key bootstrap says the parent
// holds; the hello response is rejected if the parent presents any
// other key.
func (o *Overlay) SetParentPublicKey(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.parent != nil {
		o.parent.PublicKey = key
	}
}

// SetChildHostnames records the bootstrap-provided hostname of each
// direct child rank, the "parent's view of that rank's hostname" a
// hello's claimed hostname is validated against. A hostname already
// learned from a live hello is not overwritten.
func (o *Overlay) SetChildHostnames(names map[int]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for rank, name := range names {
		if c, ok := o.children[rank]; ok && c.Hostname == "" {
			c.Hostname = name
		}
	}
}

// SetAuthorizer installs the ZAP-equivalent allowlist check applied to
// every inbound child connection.
func (o *Overlay) SetAuthorizer(a transport.Authorizer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.router.SetAuthorizer(a)
}

// SetState transitions the observed broker state and reacts to the four
// transitions the overlay cares about.
func (o *Overlay) SetState(s BrokerState) {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
	switch s {
	case StateGoodbye:
		o.sendGoodbyeLocked()
	case StateShutdown:
		// children-complete is posted later, asynchronously, from
		// wakeMonitorSubsLocked the moment the last online child goes
		// offline while already in this state. If the online count is
		// already zero here (no children, or they're already gone),
		// that transition will never happen, so post children-none now.
		if o.allChildrenOfflineLocked() {
			o.postLocalLocked(&transport.Envelope{Kind: transport.KindEvent, Topic: "state-machine.post", Payload: []byte("children-none")})
		}
	}
}

func (o *Overlay) refusingNewHellosLocked() bool {
	return o.state == StateCleanup || o.state == StateShutdown
}

func (o *Overlay) allChildrenOfflineLocked() bool {
	for _, c := range o.children {
		if c.Online() {
			return false
		}
	}
	return true
}

// postLocalLocked queues e for the local channel. Delivery happens in
// drainLocal once the caller has released o.mu: the local publisher may
// itself be a Dispatcher that re-enters Overlay methods, so handing the
// message over while the lock is held would self-deadlock.
func (o *Overlay) postLocalLocked(e *transport.Envelope) {
	o.localQueue = append(o.localQueue, e)
}

// drainLocal delivers everything queued by postLocalLocked. Every
// exported entry point that can queue a local message arranges (via
// defer, after the unlock defer) to call this on the way out, so a
// message posted during a callback reaches the local channel before
// that callback's caller regains control.
func (o *Overlay) drainLocal() {
	for {
		o.mu.Lock()
		if len(o.localQueue) == 0 {
			o.mu.Unlock()
			return
		}
		queued := o.localQueue
		o.localQueue = nil
		local := o.local
		o.mu.Unlock()
		if local == nil {
			continue
		}
		for _, e := range queued {
			local.Deliver(e)
		}
	}
}

// SelfStatus returns this broker's current subtree status.
func (o *Overlay) SelfStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selfStatus
}

// recomputeSelfStatusLocked re-derives selfStatus from the children map
// and, on change, pushes a status control message upstream and wakes
// health subscribers.
func (o *Overlay) recomputeSelfStatusLocked() {
	statuses := make([]Status, 0, len(o.children))
	for _, c := range o.children {
		statuses = append(statuses, c.Status)
	}
	next := Aggregate(statuses)
	if next == o.selfStatus {
		return
	}
	o.selfStatus = next
	o.selfStatusTime = o.now()
	if o.parent != nil && !o.parent.Offline {
		o.sendToParentLocked(&transport.Envelope{
			Kind: transport.KindControl, Control: transport.ControlStatus, ControlValue: int32(next),
		})
		o.parent.LastSend = o.now()
	}
	o.wakeHealthSubsLocked()
}
