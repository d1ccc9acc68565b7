package overlay

import (
	"go.flux.dev/overlay/log"
	"go.flux.dev/overlay/rpctracker"
	"go.flux.dev/overlay/transport"
)

// AttachParentConn binds a freshly dialed connection to this parent
// before the hello handshake runs on it.
func (o *Overlay) AttachParentConn(conn transport.Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.parent == nil {
		return
	}
	o.parent.Conn = conn
	o.router.SetParent(conn)
}

// OnParentTransportError reports a transport-level failure reading from
// or writing to the parent connection (the pump loop's Receive/Send
// returned an error) as a parent-loss trigger distinct from a hello
// error response or an explicit disconnect control from the parent.
func (o *Overlay) OnParentTransportError(err error) {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onParentLostLocked("parent connection error: " + err.Error())
}

// onParentLostLocked handles the terminal loss of the parent. It
// marks the parent offline, drains its tracker into synthesized
// EHOSTUNREACH responses, notifies monitors, and posts parent-fail to
// the broker state machine. The overlay never attempts recovery.
func (o *Overlay) onParentLostLocked(reason string) {
	if o.parent == nil || o.parent.Offline {
		return
	}
	o.parent.Offline = true
	o.router.ClearParent()
	o.purgeTrackerLocked(o.parent.Tracker, reason)
	o.wakeHealthSubsLocked()
	o.postLocalLocked(&transport.Envelope{Kind: transport.KindEvent, Topic: "state-machine.post", Payload: []byte("parent-fail")})
	log.Lvl1("parent lost:", reason)
}

// sendToParentLocked sends e to the parent, treating a transport
// failure as parent loss.
func (o *Overlay) sendToParentLocked(e *transport.Envelope) error {
	if o.parent == nil {
		return transport.ErrHostUnreachable
	}
	o.traceLocked("tx", o.parent.Rank, e)
	err := o.router.SendToParent(e)
	if err != nil {
		o.onParentLostLocked("lost connection to parent")
	}
	return err
}

// purgeTrackerLocked drains tr, delivering a synthesized EHOSTUNREACH
// response to the local channel for each entry still outstanding. It
// never logs per-RPC, since that would flood during a large disconnect.
func (o *Overlay) purgeTrackerLocked(tr *rpctracker.Tracker, reason string) {
	tr.Purge(func(msg rpctracker.Message, _ interface{}) {
		raw, ok := msg.(interface{ Raw() *transport.Envelope })
		if !ok {
			return
		}
		req := raw.Raw()
		o.postLocalLocked(&transport.Envelope{
			Kind: transport.KindResponse, Topic: req.Topic, Matchtag: req.Matchtag,
			Route: req.Route, UserID: req.UserID,
			ErrCode: EHostUnreachable, ErrText: reason,
		})
	}, nil)
}
