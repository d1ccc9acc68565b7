package overlay

import (
	"math/rand"
	"time"

	"github.com/montanaflynn/stats"

	"go.flux.dev/overlay/log"
	"go.flux.dev/overlay/transport"
)

// idleHistoryLen bounds how many recent idle-time samples feed the
// rolling trend montanaflynn/stats computes for the torpid log line.
const idleHistoryLen = 16

// NextSyncInterval returns a jittered interval in [SyncMin, SyncMax).
// rng lets tests make the jitter deterministic.
func (o *Overlay) NextSyncInterval(rng *rand.Rand) time.Duration {
	o.mu.Lock()
	lo, hi := o.config.SyncMin, o.config.SyncMax
	o.mu.Unlock()
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(rng.Int63n(int64(span)))
}

// Tick runs one heartbeat/torpid-detection pass. It is
// meant to be called from the reactor's sync timer callback.
func (o *Overlay) Tick(now time.Time) {
	defer o.drainLocal()
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.parent != nil && !o.parent.Offline && o.parent.HelloResponded {
		if now.Sub(o.parent.LastSend) > o.config.TorpidMin {
			o.sendToParentLocked(&transport.Envelope{Kind: transport.KindControl, Control: transport.ControlHeartbeat})
			o.parent.LastSend = now
		}
	}

	for rank, c := range o.children {
		if o.config.TorpidMax <= 0 && c.Torpid {
			c.Torpid = false
			log.Lvl1("child", rank, "torpid flag cleared: torpid_max disabled")
			o.wakeMonitorSubsLocked(c)
		}
		if !c.Online() {
			continue
		}
		idle := now.Sub(c.LastSeen)
		c.idleHistory = append(c.idleHistory, idle.Seconds())
		if len(c.idleHistory) > idleHistoryLen {
			c.idleHistory = c.idleHistory[len(c.idleHistory)-idleHistoryLen:]
		}

		if o.config.TorpidMax <= 0 {
			continue
		}

		if idle >= o.config.TorpidMax {
			if !c.Torpid {
				c.Torpid = true
				trend, _ := stats.Mean(c.idleHistory)
				log.Warnf("child %d (%s) is torpid: idle %s, mean idle over last %d samples %.1fs",
					rank, c.Hostname, idle, len(c.idleHistory), trend)
				o.wakeMonitorSubsLocked(c)
			}
		} else if c.Torpid {
			c.Torpid = false
			log.Lvl1("child", rank, "recovered from torpid after", idle)
			o.wakeMonitorSubsLocked(c)
		}
	}
}
