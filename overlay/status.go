// Package overlay is the core of the tree-based broker network: the
// parent/child peer records, the hello/goodbye handshake, message
// classification and routing, heartbeat/torpid detection, and the
// leader-facing health/monitor/topology/trace RPCs.
package overlay

import "fmt"

// Status is the subtree-status enum sent on the wire as its integer
// value.
type Status int32

const (
	StatusUnknown Status = iota
	StatusFull
	StatusPartial
	StatusDegraded
	StatusLost
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusFull:
		return "full"
	case StatusPartial:
		return "partial"
	case StatusDegraded:
		return "degraded"
	case StatusLost:
		return "lost"
	case StatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Online reports whether a child in this status counts as reachable:
// full, partial, or degraded.
func (s Status) Online() bool {
	return s == StatusFull || s == StatusPartial || s == StatusDegraded
}

// Aggregate derives a broker's own subtree status from its children's
// statuses. A node with no children (a leaf) is always full.
func Aggregate(children []Status) Status {
	if len(children) == 0 {
		return StatusFull
	}
	sawDegradedOrLost := false
	sawPartialOrOffline := false
	for _, c := range children {
		switch c {
		case StatusDegraded, StatusLost:
			sawDegradedOrLost = true
		case StatusPartial, StatusOffline:
			sawPartialOrOffline = true
		case StatusFull:
			// contributes nothing toward a worse aggregate
		default:
			// unknown child status is treated as partial: we don't yet
			// know enough to call it full.
			sawPartialOrOffline = true
		}
	}
	switch {
	case sawDegradedOrLost:
		return StatusDegraded
	case sawPartialOrOffline:
		return StatusPartial
	default:
		return StatusFull
	}
}
