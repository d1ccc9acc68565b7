package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEmitHoneycombSpanNoopsWithoutAPIKey: in a test environment
// HONEYCOMB_API_KEY is unset, so emitHoneycombSpan must be a safe no-op
// rather than attempting to reach the network or panicking.
func TestEmitHoneycombSpanNoopsWithoutAPIKey(t *testing.T) {
	t.Setenv("HONEYCOMB_API_KEY", "")
	assert.NotPanics(t, func() {
		emitHoneycombSpan(TraceEntry{Prefix: "tx", Rank: 0, Topic: "overlay.hello"})
	})
	assert.False(t, honeycombEnabled)
}
