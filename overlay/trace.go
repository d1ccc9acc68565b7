package overlay

import (
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/satori/go.uuid.v1"

	"go.flux.dev/overlay/log"
	"go.flux.dev/overlay/transport"
)

// traceCompressMin is the payload size at or above which a traced message's
// payload is zstd-compressed before being held in a subscriber's queue,
// so overlay.trace doesn't balloon memory under high fanout.
const traceCompressMin = 4096

// TraceEntry is one record delivered to an overlay.trace subscriber.
type TraceEntry struct {
	Timestamp   time.Time
	Prefix      string // "tx" or "rx"
	Rank        int    // NodeIDAny for multicast events
	Type        transport.Kind
	Topic       string
	PayloadSize int
	Payload     []byte // nil unless the subscriber asked for payloads
	Compressed  bool   // true if Payload is zstd-compressed
	ErrNum      int32
	ErrText     string
}

// TraceFilter narrows a subscription by type mask, topic
// glob, nodeid, and module-name list. A filter with Nodeid -1 and every
// other field zero matches everything; the zero value's Nodeid of 0
// matches rank 0 only.
type TraceFilter struct {
	TypeMask    uint8 // bit i set means transport.Kind(i) is wanted
	TopicGlob   string
	Nodeid      int // -1 for any
	Modules     []string
	WithPayload bool
}

func (f TraceFilter) matches(e *transport.Envelope, rank int) bool {
	if f.TypeMask != 0 && f.TypeMask&(1<<uint(e.Kind)) == 0 {
		return false
	}
	if f.Nodeid >= 0 && f.Nodeid != rank {
		return false
	}
	if f.TopicGlob != "" && !globMatch(f.TopicGlob, e.Topic) {
		return false
	}
	if len(f.Modules) > 0 {
		ok := false
		for _, m := range f.Modules {
			if topicModule(e.Topic) == m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func topicModule(topic string) string {
	for i := 0; i < len(topic); i++ {
		if topic[i] == '.' {
			return topic[:i]
		}
	}
	return topic
}

// globMatch supports only a trailing "*" wildcard (or "*" alone), the
// subset overlay.trace's topic filter actually needs.
func globMatch(pattern, s string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(s) >= len(prefix) && s[:len(prefix)] == prefix
	}
	return pattern == s
}

type traceSub struct {
	filter TraceFilter
	ch     chan TraceEntry
	enc    *zstd.Encoder
}

// newTraceSub builds a subscriber record with its filter, a 64-entry
// channel, and its own zstd encoder, created up front.
func newTraceSub(filter TraceFilter) *traceSub {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		// zstd.NewWriter(nil) only fails on invalid options, never at
		// our fixed default configuration.
		log.Errorf("trace: building zstd encoder: %v", err)
	}
	return &traceSub{filter: filter, ch: make(chan TraceEntry, 64), enc: enc}
}

// Subscribe registers a new overlay.trace subscriber and returns its
// channel plus a cancel func that unregisters it (also reachable via
// overlay.disconnect).
func (o *Overlay) Subscribe(filter TraceFilter) (<-chan TraceEntry, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := uuid.NewV4().String()
	sub := newTraceSub(filter)
	o.traceSubs[id] = sub
	return sub.ch, func() { o.Disconnect(id) }
}

// Disconnect implements overlay.disconnect for trace subscriptions: it
// detaches the trace subscriber registered under id by Subscribe,
// closing its zstd encoder and its channel. Health/monitor
// subscriptions are not looked up here; they are torn down via their
// own cancel funcs.
func (o *Overlay) Disconnect(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sub, ok := o.traceSubs[id]; ok {
		delete(o.traceSubs, id)
		if sub.enc != nil {
			sub.enc.Close()
		}
		close(sub.ch)
	}
}

// traceLocked is invoked from every message receive and send path with
// the rank of the peer the message crossed the socket with (NodeIDAny
// at the rank-0 multicast point: events are traced once there, not per
// recipient). Apart from the Honeycomb span export below, it does
// nothing when there are no subscribers. Control
// messages are synthesized with a pseudo-topic; responses carry
// errnum/errstr or a payload size.
func (o *Overlay) traceLocked(prefix string, rank int, e *transport.Envelope) {
	entry := TraceEntry{
		Timestamp: o.now(), Prefix: prefix, Rank: rank, Type: e.Kind,
		Topic: e.Topic, PayloadSize: len(e.Payload),
		ErrNum: e.ErrCode, ErrText: e.ErrText,
	}
	if e.Kind == transport.KindControl {
		entry.Topic = controlPseudoTopic(e)
	}
	// Honeycomb span export is a separate telemetry sink from the
	// overlay.trace subscriber fan-out below: it runs whenever
	// HONEYCOMB_API_KEY is set, regardless of whether anyone is
	// streaming overlay.trace right now.
	emitHoneycombSpan(entry)

	if len(o.traceSubs) == 0 {
		return
	}
	for _, sub := range o.traceSubs {
		if !sub.filter.matches(e, entry.Rank) {
			continue
		}
		out := entry
		if sub.filter.WithPayload && len(e.Payload) > 0 && e.Flags&transport.FlagPrivate == 0 {
			out.Payload, out.Compressed = compressIfLarge(sub.enc, e.Payload)
		}
		select {
		case sub.ch <- out:
		default:
			log.Lvl2("trace subscriber channel full, dropping entry")
		}
	}
}

func compressIfLarge(enc *zstd.Encoder, payload []byte) ([]byte, bool) {
	if len(payload) < traceCompressMin || enc == nil {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, false
	}
	return enc.EncodeAll(payload, nil), true
}

func controlPseudoTopic(e *transport.Envelope) string {
	switch e.Control {
	case transport.ControlHeartbeat:
		return "heartbeat " + strconv.Itoa(int(e.ControlValue))
	case transport.ControlStatus:
		return "status " + strconv.Itoa(int(e.ControlValue))
	case transport.ControlDisconnect:
		return "disconnect " + strconv.Itoa(int(e.ControlValue))
	default:
		return "control"
	}
}
