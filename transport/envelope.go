// Package transport implements the wire message, its framing, and the
// Router that binds/connects broker sockets: a protobuf-encoded
// envelope, length-prefixed TCP framing, a bind/connect/send state
// machine, and an in-process transport used by tests.
package transport

import (
	"gopkg.in/satori/go.uuid.v1"

	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Kind distinguishes the four message kinds carried by an Envelope.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindEvent
	KindControl
)

// Role is a bitmask identifying a sender's privileges, checked on hello.
type Role uint8

const (
	RoleNone  Role = 0
	RoleOwner Role = 1 << iota
)

// Flag is a bitmask of per-message delivery hints.
type Flag uint8

const (
	// FlagUpstream marks a request that must route toward the parent
	// regardless of whether the addressed rank is reachable via a child.
	FlagUpstream Flag = 1 << iota
	// FlagPrivate marks a message that must not be traced with its payload.
	FlagPrivate
)

// ControlKind enumerates the control message subtypes.
type ControlKind uint8

const (
	ControlStatus ControlKind = iota
	ControlHeartbeat
	ControlDisconnect
)

// Envelope is the single wire message type carried over every transport
// connection, matching the four-kind message described for the overlay's
// local message bus. Nodeid and UserID are distinct fields: Nodeid is
// the destination rank of a request (-1 for "any rank will do") and
// UserID is the sending user's credential, never a routing input.
type Envelope struct {
	Kind     Kind
	Topic    string // empty for control messages
	Matchtag uint32
	Route    []string // appendable route stack of uuids
	Role     Role
	UserID   uint32
	Nodeid   int32  // destination rank for requests; -1 = any
	Seq      uint32 // only meaningful for KindEvent
	HasSeq   bool
	Flags    Flag
	Payload  []byte

	// Control carries the control subtype and value when Kind==KindControl.
	Control      ControlKind
	ControlValue int32

	// ErrCode/ErrText hold a synthesized or real failure on a response.
	ErrCode int32
	ErrText string
}

// NewMatchtag returns a fresh matchtag suitable for a new request,
// derived from a uuid trimmed to 32 bits. Collisions are
// astronomically unlikely and harmless: a
// colliding matchtag can only confuse two in-flight RPCs between the
// same uuid pair, which rpctracker's ErrDuplicate would catch.
func NewMatchtag() uint32 {
	id := uuid.NewV4()
	b := id.Bytes()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// RouteUUID returns the last entry on the route stack, the uuid
// rpctracker keys outstanding RPCs by.
func (e *Envelope) RouteUUID() string {
	if len(e.Route) == 0 {
		return ""
	}
	return e.Route[len(e.Route)-1]
}

// PushRoute appends uuid to the route stack.
func (e *Envelope) PushRoute(uuid string) {
	e.Route = append(e.Route, uuid)
}

// PopRoute removes and returns the last entry of the route stack.
func (e *Envelope) PopRoute() (string, bool) {
	if len(e.Route) == 0 {
		return "", false
	}
	last := e.Route[len(e.Route)-1]
	e.Route = e.Route[:len(e.Route)-1]
	return last, true
}

// IsResponse reports whether this envelope is a response, as required by
// the rpctracker.Message interface.
func (e *Envelope) IsResponse() bool { return e.Kind == KindResponse }

// IsStreaming reports whether this is a non-terminal streaming response:
// a response frame that isn't the last one for its matchtag.
func (e *Envelope) IsStreaming() bool { return e.Kind == KindResponse && e.Flags&flagStreaming != 0 }

// trackedEnvelope adapts an Envelope to rpctracker.Message: that
// interface wants an ErrCode() method, but Envelope already has an
// ErrCode field, and Go disallows a field and method sharing one name.
type trackedEnvelope struct{ *Envelope }

func (t trackedEnvelope) ErrCode() int32 { return t.Envelope.ErrCode }

// Matchtag shadows Envelope's Matchtag field with the method the
// rpctracker.Message interface requires.
func (t trackedEnvelope) Matchtag() uint32 { return t.Envelope.Matchtag }

// Raw returns the underlying Envelope, letting code that receives a
// rpctracker.Message back out the full message (topic, route, payload)
// needed to synthesize an EHOSTUNREACH response when a peer is lost.
func (t trackedEnvelope) Raw() *Envelope { return t.Envelope }

// AsTracked adapts e to the rpctracker.Message interface.
func AsTracked(e *Envelope) trackedEnvelope { return trackedEnvelope{e} }

// flagStreaming is an unexported flag bit used to mark a response as
// non-terminal; it is carried in Flags on the wire like the public bits
// and lives above them so it is never confused with FlagUpstream or
// FlagPrivate.
const flagStreaming Flag = 1 << 7

// MarkStreaming flags e as a non-terminal streaming response.
func (e *Envelope) MarkStreaming() { e.Flags |= flagStreaming }

// wireEnvelope is the protobuf-serializable shape of Envelope. protobuf
// (unlike encoding/gob) needs every field exported and fixed-shape, and
// has no 8-bit integer field, so the uint8-based enums and flag bits
// are carried as uint32.
type wireEnvelope struct {
	Kind         uint32
	Topic        string
	Matchtag     uint32
	Route        []string
	Role         uint32
	UserID       uint32
	Nodeid       int32
	Seq          uint32
	HasSeq       bool
	Flags        uint32
	Payload      []byte
	Control      uint32
	ControlValue int32
	ErrCode      int32
	ErrText      string
}

// Marshal encodes e with protobuf.
func Marshal(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		Kind: uint32(e.Kind), Topic: e.Topic, Matchtag: e.Matchtag,
		Route: e.Route, Role: uint32(e.Role), UserID: e.UserID, Nodeid: e.Nodeid,
		Seq: e.Seq, HasSeq: e.HasSeq, Flags: uint32(e.Flags), Payload: e.Payload,
		Control: uint32(e.Control), ControlValue: e.ControlValue,
		ErrCode: e.ErrCode, ErrText: e.ErrText,
	}
	buf, err := protobuf.Encode(&w)
	if err != nil {
		return nil, xerrors.Errorf("transport: encoding envelope: %v", err)
	}
	return buf, nil
}

// Unmarshal decodes a buffer produced by Marshal.
func Unmarshal(buf []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := protobuf.Decode(buf, &w); err != nil {
		return nil, xerrors.Errorf("transport: decoding envelope: %v", err)
	}
	return &Envelope{
		Kind: Kind(w.Kind), Topic: w.Topic, Matchtag: w.Matchtag,
		Route: w.Route, Role: Role(w.Role), UserID: w.UserID, Nodeid: w.Nodeid,
		Seq: w.Seq, HasSeq: w.HasSeq, Flags: Flag(w.Flags), Payload: w.Payload,
		Control: ControlKind(w.Control), ControlValue: w.ControlValue,
		ErrCode: w.ErrCode, ErrText: w.ErrText,
	}, nil
}
