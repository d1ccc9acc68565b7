package overlay

// The overlay.stats-get responder: router byte/message counters plus
// build and host figures via rsc.io/goversion and
// github.com/shirou/gopsutil.

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
	"rsc.io/goversion/version"

	"go.flux.dev/overlay/log"
)

// StatsRecord is the payload returned by overlay.stats-get.
type StatsRecord struct {
	Rank         int
	Uptime       time.Duration
	TxBytes      uint64
	RxBytes      uint64
	TxMsg        uint64
	RxMsg        uint64
	System       string
	GoRelease    string
	GoModuleInfo string
	MemUsedPct   float64
	Load1        float64
}

var (
	goverOnce sync.Once
	goverInfo version.Version
	goverOk   bool
)

// HandleStatsGet implements overlay.stats-get.
func (o *Overlay) HandleStatsGet() StatsRecord {
	o.mu.Lock()
	started := o.startedAt
	o.mu.Unlock()

	tx, rx, txMsg, rxMsg := o.router.Stats()
	rec := StatsRecord{
		Rank: o.Rank, Uptime: time.Since(started),
		TxBytes: tx, RxBytes: rx, TxMsg: txMsg, RxMsg: rxMsg,
		System: fmt.Sprintf("%s/%s/%s", runtime.GOOS, runtime.GOARCH, runtime.Version()),
	}

	goverOnce.Do(func() {
		v, err := version.ReadExe(os.Args[0])
		if err == nil {
			goverInfo = v
			goverOk = true
		}
	})
	if goverOk {
		rec.GoRelease = goverInfo.Release
		rec.GoModuleInfo = goverInfo.ModuleInfo
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		rec.MemUsedPct = vm.UsedPercent
	} else {
		log.Lvl3("stats-get: reading host memory:", err)
	}
	if avg, err := load.Avg(); err == nil {
		rec.Load1 = avg.Load1
	} else {
		log.Lvl3("stats-get: reading host load:", err)
	}

	return rec
}
