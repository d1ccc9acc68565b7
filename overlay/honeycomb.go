package overlay

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/honeycombio/beeline-go"
	"github.com/honeycombio/beeline-go/trace"

	"go.flux.dev/overlay/log"
)

var (
	honeycombOnce    sync.Once
	honeycombEnabled bool
)

// initHoneycomb lazily initializes beeline-go from HONEYCOMB_API_KEY
// ("api_key:dataset", unset to stay disabled). Safe to call on every
// traced message; only the first call does anything.
func initHoneycomb() {
	honeycombOnce.Do(func() {
		hcenv := os.Getenv("HONEYCOMB_API_KEY")
		if hcenv == "" {
			return
		}
		parts := strings.SplitN(hcenv, ":", 2)
		if len(parts) != 2 {
			log.Warnf("HONEYCOMB_API_KEY must be 'api_key:dataset', tracing disabled")
			return
		}
		beeline.Init(beeline.Config{WriteKey: parts[0], Dataset: parts[1]})
		honeycombEnabled = true
	})
}

// emitHoneycombSpan exports one honeycomb span per traced overlay
// message. Each traced message carries its own identity (timestamp,
// prefix, rank, topic) and is exported as its own root span; there is
// no cross-message span stitching.
func emitHoneycombSpan(entry TraceEntry) {
	initHoneycomb()
	if !honeycombEnabled {
		return
	}
	_, tr := trace.NewTrace(context.Background(), "")
	span := tr.GetRootSpan()
	span.AddField("name", "overlay."+entry.Prefix)
	span.AddField("rank", entry.Rank)
	span.AddField("type", entry.Type)
	span.AddField("topic", entry.Topic)
	span.AddField("payload_size", entry.PayloadSize)
	if entry.ErrNum != 0 {
		span.AddField("errnum", entry.ErrNum)
		span.AddField("errstr", entry.ErrText)
	}
	span.Send()
	tr.Send()
}
