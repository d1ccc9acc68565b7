package overlay

import (
	"golang.org/x/xerrors"
	"gopkg.in/satori/go.uuid.v1"

	"go.flux.dev/overlay/log"
	"go.flux.dev/overlay/topology"
	"go.flux.dev/overlay/transport"
)

// ChildHealth is one entry of HealthRecord.Children.
type ChildHealth struct {
	Rank     int     `json:"rank"`
	Status   Status  `json:"status"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error,omitempty"`
}

// HealthRecord is the payload returned by overlay.health.
type HealthRecord struct {
	Rank     int           `json:"rank"`
	Status   Status        `json:"status"`
	Duration float64       `json:"duration"`
	Children []ChildHealth `json:"children"`
}

// MonitorRecord is one entry of the overlay.monitor stream: a single
// peer's status or torpidity change.
type MonitorRecord struct {
	Rank   int    `json:"rank"`
	Status Status `json:"status"`
	Torpid bool   `json:"torpid"`
}

// selfStatusAgeLocked returns the seconds since selfStatus last changed
// (selfStatusTime), so buildHealthLocked can report a duration the same way Child.StatusTime
// does for children. It reuses the now() hook so tests can control it.
func (o *Overlay) selfStatusAgeLocked() float64 {
	if o.selfStatusTime.IsZero() {
		return 0
	}
	return o.now().Sub(o.selfStatusTime).Seconds()
}

// buildHealthLocked assembles the current HealthRecord.
func (o *Overlay) buildHealthLocked() HealthRecord {
	rec := HealthRecord{Rank: o.Rank, Status: o.selfStatus, Duration: o.selfStatusAgeLocked()}
	for rank, c := range o.children {
		age := 0.0
		if !c.StatusTime.IsZero() {
			age = o.now().Sub(c.StatusTime).Seconds()
		}
		rec.Children = append(rec.Children, ChildHealth{Rank: rank, Status: c.Status, Duration: age, Error: c.LastError})
	}
	return rec
}

// HandleHealthRequest implements overlay.health: a streaming or
// one-shot responder returning the current HealthRecord. If streaming,
// the returned channel is re-sent a record whenever any child status
// changes; the caller calls the returned cancel func when it detaches.
func (o *Overlay) HandleHealthRequest(streaming bool) (HealthRecord, <-chan HealthRecord, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec := o.buildHealthLocked()
	if !streaming {
		return rec, nil, func() {}
	}

	id := uuid.NewV4().String()
	ch := make(chan HealthRecord, 8)
	o.healthSubs[id] = ch
	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.healthSubs[id]; ok {
			delete(o.healthSubs, id)
			close(c)
		}
	}
	return rec, ch, cancel
}

// wakeHealthSubsLocked re-sends the current health record to every
// streaming overlay.health subscriber.
func (o *Overlay) wakeHealthSubsLocked() {
	if len(o.healthSubs) == 0 {
		return
	}
	rec := o.buildHealthLocked()
	for _, ch := range o.healthSubs {
		select {
		case ch <- rec:
		default:
			log.Lvl2("health subscriber channel full, dropping update")
		}
	}
}

// HandleMonitorRequest implements overlay.monitor: a streaming
// responder that sends one MonitorRecord per peer status or torpidity
// change. The initial dump contains only peers that are not
// offline-and-not-torpid.
func (o *Overlay) HandleMonitorRequest() ([]MonitorRecord, <-chan MonitorRecord, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var initial []MonitorRecord
	for rank, c := range o.children {
		if c.Status == StatusOffline && !c.Torpid {
			continue
		}
		initial = append(initial, MonitorRecord{Rank: rank, Status: c.Status, Torpid: c.Torpid})
	}

	id := uuid.NewV4().String()
	ch := make(chan MonitorRecord, 32)
	o.monitorSubs[id] = ch
	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.monitorSubs[id]; ok {
			delete(o.monitorSubs, id)
			close(c)
		}
	}
	return initial, ch, cancel
}

// wakeMonitorSubsLocked notifies every overlay.monitor subscriber of c's
// current status/torpidity, and, while shutting down, tells the
// broker state machine once every child subtree has gone offline while
// already in that state.
func (o *Overlay) wakeMonitorSubsLocked(c *Child) {
	if o.state == StateShutdown && len(o.children) > 0 && o.allChildrenOfflineLocked() {
		o.postLocalLocked(&transport.Envelope{Kind: transport.KindEvent, Topic: "state-machine.post", Payload: []byte("children-complete")})
	}

	if len(o.monitorSubs) == 0 {
		return
	}
	rec := MonitorRecord{Rank: c.Rank, Status: c.Status, Torpid: c.Torpid}
	for _, ch := range o.monitorSubs {
		select {
		case ch <- rec:
		default:
			log.Lvl2("monitor subscriber channel full, dropping update")
		}
	}
}

// HandleTopologyRequest implements overlay.topology: rank must be self
// or a direct child.
func (o *Overlay) HandleTopologyRequest(rank int) (*topology.SubtreeNode, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rank != o.Rank {
		if _, ok := o.children[rank]; !ok {
			return nil, xerrors.Errorf("overlay.topology: rank %d is neither self nor a direct child", rank)
		}
	}
	return o.topo.GetJSONSubtreeAt(rank)
}

// HandleDisconnectSubtree implements overlay.disconnect-subtree: an
// administrative force-disconnect of a child subtree. The child is told
// to go away with a disconnect control, then transitioned to lost.
func (o *Overlay) HandleDisconnectSubtree(rank int) bool {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.children[rank]
	if !ok {
		return false
	}
	if c.Online() && c.UUID != "" {
		// best effort: the point is to drop the child either way
		o.router.SendToChild(c.UUID, &transport.Envelope{Kind: transport.KindControl, Control: transport.ControlDisconnect})
	}
	o.transitionChildLocked(c, StatusLost, "administrative disconnect")
	return true
}

// HandleDisconnectParent implements overlay.disconnect-parent: forces
// this broker to drop its parent, for test/administrative use.
func (o *Overlay) HandleDisconnectParent() bool {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.parent == nil || o.parent.Offline {
		return false
	}
	o.onParentLostLocked("administrative disconnect-parent")
	return true
}
