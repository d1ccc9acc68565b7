package overlay

// DebugWS mirrors overlay.health/overlay.monitor/overlay.trace streams
// to a browser, a thin convenience surface over those streaming RPCs.
// It does not replace the local message channel: one upgraded
// connection per request, JSON-encoded frames pushed as they arrive
// from the underlying Go channel, closed when the client disconnects.
import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"go.flux.dev/overlay/log"
)

// DebugWS serves /health, /monitor, and /trace over plain JSON-framed
// websocket connections for operator tooling.
type DebugWS struct {
	o        *Overlay
	upgrader websocket.Upgrader
}

// NewDebugWS returns a DebugWS bound to o.
func NewDebugWS(o *Overlay) *DebugWS {
	return &DebugWS{
		o: o,
		upgrader: websocket.Upgrader{
			EnableCompression: false,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler to mount at the given mux prefixes.
func (d *DebugWS) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.serveHealth)
	mux.HandleFunc("/monitor", d.serveMonitor)
	mux.HandleFunc("/trace", d.serveTrace)
	return mux
}

func (d *DebugWS) serveHealth(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("debugws: upgrade:", err)
		return
	}
	defer ws.Close()

	rec, ch, cancel := d.o.HandleHealthRequest(true)
	defer cancel()
	if !writeJSON(ws, rec) {
		return
	}
	for rec := range ch {
		if !writeJSON(ws, rec) {
			return
		}
	}
}

func (d *DebugWS) serveMonitor(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("debugws: upgrade:", err)
		return
	}
	defer ws.Close()

	initial, ch, cancel := d.o.HandleMonitorRequest()
	defer cancel()
	for _, rec := range initial {
		if !writeJSON(ws, rec) {
			return
		}
	}
	for rec := range ch {
		if !writeJSON(ws, rec) {
			return
		}
	}
}

func (d *DebugWS) serveTrace(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("debugws: upgrade:", err)
		return
	}
	defer ws.Close()

	ch, cancel := d.o.Subscribe(TraceFilter{Nodeid: -1})
	defer cancel()
	for entry := range ch {
		if !writeJSON(ws, entry) {
			return
		}
	}
}

func writeJSON(ws *websocket.Conn, v interface{}) bool {
	buf, err := json.Marshal(v)
	if err != nil {
		log.Error("debugws: encoding:", err)
		return false
	}
	ws.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	if err := ws.WriteMessage(websocket.TextMessage, buf); err != nil {
		log.Lvl2("debugws: write:", err)
		return false
	}
	return true
}
