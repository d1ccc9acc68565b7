package overlay

// Dispatcher is a small table of (topic -> handler) entries with
// required role bits: it implements EventPublisher,
// so cmd/fluxoverlayd wires it in with SetLocalPublisher, and turns an
// arriving overlay.* request into a call against the Overlay's own
// service responders, then re-injects the result through HandleLocal
// so it routes back toward whoever asked exactly like any other
// response would.
import (
	"encoding/json"

	"go.flux.dev/overlay/log"
	"go.flux.dev/overlay/transport"
)

type dispatchFunc func(o *Overlay, rank int) (interface{}, *transport.Envelope)

type dispatchEntry struct {
	handler      dispatchFunc
	requireOwner bool
}

var dispatchTable = map[string]dispatchEntry{
	"overlay.stats-get": {
		handler: func(o *Overlay, _ int) (interface{}, *transport.Envelope) {
			return o.HandleStatsGet(), nil
		},
	},
	"overlay.topology": {
		handler: func(o *Overlay, rank int) (interface{}, *transport.Envelope) {
			node, err := o.HandleTopologyRequest(rank)
			if err != nil {
				return nil, &transport.Envelope{ErrCode: EInval, ErrText: err.Error()}
			}
			return node, nil
		},
	},
	"overlay.disconnect-subtree": {
		requireOwner: true,
		handler: func(o *Overlay, rank int) (interface{}, *transport.Envelope) {
			ok := o.HandleDisconnectSubtree(rank)
			if !ok {
				return nil, &transport.Envelope{ErrCode: EInval, ErrText: "no such child rank"}
			}
			return struct{ OK bool }{true}, nil
		},
	},
	"overlay.disconnect-parent": {
		requireOwner: true,
		handler: func(o *Overlay, _ int) (interface{}, *transport.Envelope) {
			ok := o.HandleDisconnectParent()
			if !ok {
				return nil, &transport.Envelope{ErrCode: ENOSYS, ErrText: "no parent to disconnect"}
			}
			return struct{ OK bool }{true}, nil
		},
	},
}

// NewDispatcher returns an EventPublisher for o covering the overlay.*
// request topics above. overlay.health/overlay.monitor/overlay.trace
// are deliberately absent: they are streaming RPCs served through their
// own Go-channel subscription API (HandleHealthRequest,
// HandleMonitorRequest, Subscribe), not single-shot envelope round
// trips, and cmd/fluxoverlayd's debug websocket talks to them directly.
func NewDispatcher(o *Overlay) EventPublisher {
	return dispatcher{o}
}

type dispatcher struct{ o *Overlay }

// Deliver implements EventPublisher.
func (d dispatcher) Deliver(e *transport.Envelope) {
	if e.Kind != transport.KindRequest {
		return
	}
	entry, ok := dispatchTable[e.Topic]
	if !ok {
		return
	}
	if entry.requireOwner && e.Role&transport.RoleOwner == 0 {
		d.respond(e, &transport.Envelope{ErrCode: 1, ErrText: "owner role required"})
		return
	}

	result, errResp := entry.handler(d.o, int(e.Nodeid))
	if errResp != nil {
		d.respond(e, errResp)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		log.Errorf("dispatch: encoding %s result: %v", e.Topic, err)
		d.respond(e, &transport.Envelope{ErrCode: EIO, ErrText: "encoding response"})
		return
	}
	d.respond(e, &transport.Envelope{Payload: payload})
}

func (d dispatcher) respond(req, resp *transport.Envelope) {
	resp.Kind = transport.KindResponse
	resp.Topic = req.Topic
	resp.Matchtag = req.Matchtag
	resp.Route = req.Route
	resp.UserID = req.UserID
	resp.Nodeid = req.Nodeid
	d.o.HandleLocal(resp)
}
