// Package rpctracker indexes in-flight requests so that a broker can
// synthesize failure responses for RPCs whose destination became
// unreachable (a child disconnected, the parent was lost).
package rpctracker

import (
	"sync"

	"golang.org/x/xerrors"
)

// Key identifies one outstanding RPC by the uuid of its last hop and its
// matchtag.
type Key struct {
	UUID     string
	Matchtag uint32
}

// Message is the minimal surface rpctracker needs from a transport
// envelope in order to classify it as a request, a response, or a
// streaming (non-terminal) response.
type Message interface {
	RouteUUID() string
	Matchtag() uint32
	IsResponse() bool
	IsStreaming() bool
	ErrCode() int32
}

// ErrDuplicate is returned by Update when a request would collide with
// an already-tracked (uuid, matchtag) pair.
var ErrDuplicate = xerrors.New("rpctracker: duplicate (uuid, matchtag) entry")

// Tracker is a concurrency-safe index of outstanding requests.
type Tracker struct {
	mu      sync.Mutex
	entries map[Key]Message
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[Key]Message)}
}

// Update adds msg to the index if it is a request, or removes its
// matching entry if it is a terminal response. A streaming response
// (IsStreaming, with no error code) leaves the entry in place so a
// later terminal frame on the same matchtag can still remove it.
func (tr *Tracker) Update(msg Message) error {
	key := Key{UUID: msg.RouteUUID(), Matchtag: msg.Matchtag()}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if !msg.IsResponse() {
		if _, exists := tr.entries[key]; exists {
			return xerrors.Errorf("uuid=%s matchtag=%d: %w", key.UUID, key.Matchtag, ErrDuplicate)
		}
		tr.entries[key] = msg
		return nil
	}

	if msg.IsStreaming() && msg.ErrCode() == 0 {
		return nil
	}
	delete(tr.entries, key)
	return nil
}

// Count returns the number of outstanding requests.
func (tr *Tracker) Count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.entries)
}

// Purge invokes cb for every remaining entry, passing arg through
// unchanged, then clears the index. Calling Purge on an already-empty
// tracker is a no-op.
func (tr *Tracker) Purge(cb func(msg Message, arg interface{}), arg interface{}) {
	tr.mu.Lock()
	remaining := make([]Message, 0, len(tr.entries))
	for _, msg := range tr.entries {
		remaining = append(remaining, msg)
	}
	tr.entries = make(map[Key]Message)
	tr.mu.Unlock()

	for _, msg := range remaining {
		cb(msg, arg)
	}
}
