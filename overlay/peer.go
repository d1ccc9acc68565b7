package overlay

import (
	"time"

	"go.flux.dev/overlay/rpctracker"
	"go.flux.dev/overlay/transport"
)

// Parent is the single record for this broker's parent, present only
// when rank != 0.
type Parent struct {
	Rank      int
	UUID      string
	PublicKey string
	URI       string
	Conn      transport.Conn
	Tracker   *rpctracker.Tracker

	HelloResponded bool
	HelloError     string
	Offline        bool
	GoodbyeSent    bool
	LastSend       time.Time
}

// NewParent returns a Parent record ready for the hello handshake.
func NewParent(rank int, uri string) *Parent {
	return &Parent{Rank: rank, URI: uri, Tracker: rpctracker.New()}
}

// Child is the per-rank record for one direct descendant known by the
// topology. Exactly one Child exists per child rank for the
// lifetime of the Overlay; only its UUID/status/conn churn across
// hello/goodbye/loss cycles.
type Child struct {
	Rank       int
	UUID       string // assigned on first hello; empty before that
	Hostname   string
	Status     Status
	LastSeen   time.Time
	Torpid     bool
	Tracker    *rpctracker.Tracker
	LastError  string
	StatusTime time.Time
	Conn       transport.Conn

	idleHistory []float64 // recent idle samples feeding the torpid trend log
}

// NewChild returns an offline Child record for rank.
func NewChild(rank int, hostname string) *Child {
	return &Child{
		Rank:     rank,
		Hostname: hostname,
		Status:   StatusOffline,
		Tracker:  rpctracker.New(),
	}
}

// Online reports whether this child currently counts as reachable.
func (c *Child) Online() bool { return c.Status.Online() }

// SetStatus updates the child's status and status-change timestamp,
// the timestamp recorded here is what duration-since-change is computed
// from in the overlay.health responder.
func (c *Child) SetStatus(s Status, now time.Time) {
	if s != c.Status {
		c.StatusTime = now
	}
	c.Status = s
}
