package overlay

import (
	"fmt"

	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"

	"go.flux.dev/overlay/log"
	"go.flux.dev/overlay/transport"
)

// wireHello is the protobuf-serializable shape of HelloPayload.
type wireHello struct {
	Rank      int32
	Version   int32
	UUID      string
	Status    int32
	Hostname  string
	PublicKey string
}

func encodeHello(h HelloPayload) []byte {
	buf, err := protobuf.Encode(&wireHello{
		Rank: int32(h.Rank), Version: int32(h.Version), UUID: h.UUID,
		Status: int32(h.Status), Hostname: h.Hostname, PublicKey: h.PublicKey,
	})
	if err != nil {
		// HelloPayload's fields are all protobuf-trivial; encoding can
		// only fail here from a wiring bug caught in development.
		log.Errorf("encoding hello payload: %v", err)
		return nil
	}
	return buf
}

func decodeHello(buf []byte) (HelloPayload, error) {
	var w wireHello
	if err := protobuf.Decode(buf, &w); err != nil {
		return HelloPayload{}, xerrors.Errorf("decoding hello payload: %v", err)
	}
	return HelloPayload{
		Rank: int(w.Rank), Version: Version(w.Version), UUID: w.UUID,
		Status: Status(w.Status), Hostname: w.Hostname, PublicKey: w.PublicKey,
	}, nil
}

// HelloPayload is the decoded form of the hello request payload. The
// public key is the connecting child's CURVE-equivalent identity,
// checked against the allowlist before the child is accepted.
type HelloPayload struct {
	Rank      int
	Version   Version
	UUID      string
	Status    Status
	Hostname  string
	PublicKey string
}

// wireHelloResp is the hello response payload: the parent's uuid plus
// its own public key, which the child verifies against the key
// bootstrap said the parent should hold.
type wireHelloResp struct {
	UUID      string
	PublicKey string
}

func encodeHelloResp(uuid, publicKey string) []byte {
	buf, err := protobuf.Encode(&wireHelloResp{UUID: uuid, PublicKey: publicKey})
	if err != nil {
		log.Errorf("encoding hello response: %v", err)
		return nil
	}
	return buf
}

func decodeHelloResp(buf []byte) (wireHelloResp, error) {
	var w wireHelloResp
	if err := protobuf.Decode(buf, &w); err != nil {
		return wireHelloResp{}, xerrors.Errorf("decoding hello response: %v", err)
	}
	return w, nil
}

// SendHello builds this broker's own hello request to its parent.
// Rank 0 has no parent and never calls this.
func (o *Overlay) SendHello() error {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.parent == nil {
		return xerrors.New("overlay: rank 0 has no parent to hello")
	}
	payload := HelloPayload{
		Rank: o.Rank, Version: o.Version, UUID: o.UUID,
		Status: o.selfStatus, Hostname: o.Hostname, PublicKey: o.certPublicLocked(),
	}
	env := &transport.Envelope{
		Kind: transport.KindRequest, Topic: "overlay.hello",
		Matchtag: transport.NewMatchtag(), Role: transport.RoleOwner,
		Payload: encodeHello(payload),
	}
	return o.sendToParentLocked(env)
}

// HandleHelloResponse processes the parent's reply to our hello.
func (o *Overlay) HandleHelloResponse(e *transport.Envelope) {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handleHelloResponseLocked(e)
}

func (o *Overlay) handleHelloResponseLocked(e *transport.Envelope) {
	if o.parent == nil {
		return
	}
	if e.ErrCode != 0 {
		o.parent.HelloError = e.ErrText
		log.Warnf("hello to parent failed: %s", e.ErrText)
		o.postLocalLocked(&transport.Envelope{Kind: transport.KindEvent, Topic: "state-machine.post", Payload: []byte("parent-fail")})
		return
	}
	resp, err := decodeHelloResp(e.Payload)
	if err != nil {
		o.parent.HelloError = "malformed hello response"
		log.Warnf("hello to parent failed: %v", err)
		o.postLocalLocked(&transport.Envelope{Kind: transport.KindEvent, Topic: "state-machine.post", Payload: []byte("parent-fail")})
		return
	}
	// The dialing side authenticates its parent too: the key the parent
	// presents must be the one bootstrap told us to expect.
	if o.parent.PublicKey != "" && resp.PublicKey != o.parent.PublicKey {
		o.parent.HelloError = "parent public key does not match the bootstrap-provided key"
		log.Warnf("hello to parent failed: %s", o.parent.HelloError)
		o.postLocalLocked(&transport.Envelope{Kind: transport.KindEvent, Topic: "state-machine.post", Payload: []byte("parent-fail")})
		return
	}
	o.parent.UUID = resp.UUID
	o.parent.HelloResponded = true
	o.wakeHealthSubsLocked()
}

// PeekHelloUUID extracts the claimed uuid from a raw overlay.hello
// request payload without touching overlay state, so the transport
// layer can learn which uuid to tag subsequent frames from the same
// connection with once HandleFromChild has accepted the hello.
func PeekHelloUUID(payload []byte) (string, bool) {
	hello, err := decodeHello(payload)
	if err != nil {
		return "", false
	}
	return hello.UUID, true
}

// HandleHelloRequest is invoked when a child's hello request arrives on
// the bind socket.
func (o *Overlay) HandleHelloRequest(fromConn transport.Conn, req *transport.Envelope) *transport.Envelope {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()

	hello, err := decodeHello(req.Payload)
	if err != nil {
		return errorResponse(req, 1, "malformed hello payload")
	}

	if o.refusingNewHellosLocked() {
		return errorResponse(req, 2, "broker is shutting down, refusing new hellos")
	}
	if req.Role&transport.RoleOwner == 0 {
		return errorResponse(req, 3, "hello request must carry owner role")
	}

	// The child record is looked up before the version/hostname checks
	// below (rather than only once hello is fully validated) so a
	// rejected hello's error text lands on the child record: health
	// subscribers need to see *why* a child is offline, and a version
	// mismatch is exactly the case where the claiming peer never becomes
	// a live child otherwise.
	child, ok := o.children[hello.Rank]
	if !ok {
		return errorResponse(req, 5, "claimed rank is not a direct child")
	}
	if hello.Version.Major() != o.Version.Major() || hello.Version.Minor() != o.Version.Minor() {
		errText := fmt.Sprintf(
			"version mismatch: child is %d.%d.%d, parent is %d.%d.%d",
			hello.Version.Major(), hello.Version.Minor(), hello.Version.Patch(),
			o.Version.Major(), o.Version.Minor(), o.Version.Patch())
		child.LastError = errText
		o.wakeHealthSubsLocked()
		return errorResponse(req, 4, errText)
	}
	if hello.Hostname != "" && child.Hostname != "" && hello.Hostname != child.Hostname {
		errText := "hostname does not match this rank's known hostname"
		child.LastError = errText
		o.wakeHealthSubsLocked()
		return errorResponse(req, 6, errText)
	}

	if child.Online() {
		log.Lvl2("child", hello.Rank, "re-helloed while online: treating as crash-restart")
		o.transitionChildLocked(child, StatusLost, "re-hello while online")
	}

	// The allowlist check runs before the child record is mutated, so a
	// rejected hello leaves the record offline rather than half-adopted.
	if err := o.router.AddChild(hello.UUID, hello.PublicKey, fromConn); err != nil {
		child.LastError = "authorization failed"
		o.wakeHealthSubsLocked()
		return errorResponse(req, 7, "authorization failed")
	}

	child.UUID = hello.UUID
	child.Conn = fromConn
	child.LastSeen = o.now()
	child.SetStatus(hello.Status, o.now())
	child.LastError = ""
	if hello.Hostname != "" {
		child.Hostname = hello.Hostname
	}

	o.recomputeSelfStatusLocked()
	o.wakeMonitorSubsLocked(child)
	o.wakeHealthSubsLocked()

	return &transport.Envelope{
		Kind: transport.KindResponse, Topic: req.Topic, Matchtag: req.Matchtag,
		Route: req.Route, Payload: encodeHelloResp(o.UUID, o.certPublicLocked()),
	}
}

// sendGoodbyeLocked fires when SetState(StateGoodbye) is entered on a
// non-root broker.
func (o *Overlay) sendGoodbyeLocked() {
	if o.Rank == 0 || o.parent == nil {
		return
	}
	if o.parent.GoodbyeSent {
		return
	}
	if o.parent.Offline || !o.parent.HelloResponded {
		o.postLocalLocked(&transport.Envelope{Kind: transport.KindEvent, Topic: "goodbye", ErrCode: 1, ErrText: "parent unreachable or hello in flight"})
		return
	}
	o.parent.GoodbyeSent = true
	o.sendToParentLocked(&transport.Envelope{Kind: transport.KindRequest, Topic: "overlay.goodbye", Matchtag: transport.NewMatchtag()})
}

// HandleGoodbyeResponse fires when our goodbye request is acked.
func (o *Overlay) HandleGoodbyeResponse() {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handleGoodbyeResponseLocked()
}

func (o *Overlay) handleGoodbyeResponseLocked() {
	o.postLocalLocked(&transport.Envelope{Kind: transport.KindEvent, Topic: "goodbye"})
}

// HandleGoodbyeRequest is invoked when a child sends overlay.goodbye.
// The ack is sent on the child's own connection before the child is
// marked offline (which purges its tracker and informs monitors), so a
// nil return tells the caller nothing is left to send; a non-nil
// response is only returned for a goodbye naming an unknown rank.
func (o *Overlay) HandleGoodbyeRequest(req *transport.Envelope, childRank int) *transport.Envelope {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handleGoodbyeRequestLocked(req, childRank)
}

func (o *Overlay) handleGoodbyeRequestLocked(req *transport.Envelope, childRank int) *transport.Envelope {
	resp := &transport.Envelope{Kind: transport.KindResponse, Topic: req.Topic, Matchtag: req.Matchtag, Route: req.Route}
	child, ok := o.children[childRank]
	if !ok {
		return resp
	}
	// Respond before the transition: marking the child offline tears
	// down its connection, and the ack has to get out first.
	if child.Conn != nil {
		o.traceLocked("tx", child.Rank, resp)
		child.Conn.Send(resp)
	}
	o.transitionChildLocked(child, StatusOffline, "")
	return nil
}

func errorResponse(req *transport.Envelope, code int32, text string) *transport.Envelope {
	return &transport.Envelope{
		Kind: transport.KindResponse, Topic: req.Topic, Matchtag: req.Matchtag,
		Route: req.Route, ErrCode: code, ErrText: text,
	}
}
