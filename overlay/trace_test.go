package overlay

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flux.dev/overlay/transport"
)

func TestSubscribeDefaultFilterMatchesEverything(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	ch, cancel := parent.Subscribe(TraceFilter{Nodeid: NodeIDAny})
	defer cancel()

	parent.mu.Lock()
	parent.traceLocked("tx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "svc.foo", Payload: []byte("hi")})
	parent.mu.Unlock()

	entry := <-ch
	assert.Equal(t, "tx", entry.Prefix)
	assert.Equal(t, "svc.foo", entry.Topic)
	assert.Equal(t, 2, entry.PayloadSize)
	assert.Nil(t, entry.Payload)
}

func TestSubscribeTypeMaskFilter(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	mask := uint8(1 << uint(transport.KindEvent))
	ch, cancel := parent.Subscribe(TraceFilter{TypeMask: mask, Nodeid: NodeIDAny})
	defer cancel()

	parent.mu.Lock()
	parent.traceLocked("rx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "svc.foo"})
	parent.traceLocked("rx", 1, &transport.Envelope{Kind: transport.KindEvent, Topic: "svc.bar"})
	parent.mu.Unlock()

	entry := <-ch
	assert.Equal(t, "svc.bar", entry.Topic)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra entry: %+v", extra)
	default:
	}
}

func TestSubscribeTopicGlobFilter(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	ch, cancel := parent.Subscribe(TraceFilter{TopicGlob: "svc.*", Nodeid: NodeIDAny})
	defer cancel()

	parent.mu.Lock()
	parent.traceLocked("rx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "other.foo"})
	parent.traceLocked("rx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "svc.foo"})
	parent.mu.Unlock()

	entry := <-ch
	assert.Equal(t, "svc.foo", entry.Topic)
}

func TestSubscribeModulesFilter(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	ch, cancel := parent.Subscribe(TraceFilter{Modules: []string{"svc"}, Nodeid: NodeIDAny})
	defer cancel()

	parent.mu.Lock()
	parent.traceLocked("rx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "other.foo"})
	parent.traceLocked("rx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "svc.foo"})
	parent.mu.Unlock()

	entry := <-ch
	assert.Equal(t, "svc.foo", entry.Topic)
}

func TestSubscribeNodeidFilterMatchesRealRankNotAny(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	ch, cancel := parent.Subscribe(TraceFilter{Nodeid: 1})
	defer cancel()

	parent.mu.Lock()
	parent.traceLocked("rx", 2, &transport.Envelope{Kind: transport.KindRequest, Topic: "svc.wrong-rank"})
	parent.traceLocked("rx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "svc.right-rank"})
	parent.mu.Unlock()

	entry := <-ch
	assert.Equal(t, "svc.right-rank", entry.Topic)
	assert.Equal(t, 1, entry.Rank)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra entry from non-matching rank: %+v", extra)
	default:
	}
}

func TestDisconnectClosesChannel(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	ch, cancel := parent.Subscribe(TraceFilter{Nodeid: NodeIDAny})
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestTraceCompressesLargePayloads(t *testing.T) {
	parent, _, _, childConn := newTestPair(t)
	defer childConn.Close()

	ch, cancel := parent.Subscribe(TraceFilter{Nodeid: NodeIDAny, WithPayload: true})
	defer cancel()

	small := []byte("short payload")
	large := bytes.Repeat([]byte("x"), traceCompressMin+1)

	parent.mu.Lock()
	parent.traceLocked("tx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "svc.a", Payload: small})
	parent.traceLocked("tx", 1, &transport.Envelope{Kind: transport.KindRequest, Topic: "svc.b", Payload: large})
	parent.mu.Unlock()

	smallEntry := <-ch
	assert.False(t, smallEntry.Compressed)
	assert.Equal(t, small, smallEntry.Payload)

	largeEntry := <-ch
	assert.True(t, largeEntry.Compressed)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	out, err := dec.DecodeAll(largeEntry.Payload, nil)
	require.NoError(t, err)
	assert.Equal(t, large, out)
}
