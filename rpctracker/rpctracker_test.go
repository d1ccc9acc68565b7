package rpctracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	uuid      string
	matchtag  uint32
	response  bool
	streaming bool
	errCode   int32
}

func (m fakeMsg) RouteUUID() string { return m.uuid }
func (m fakeMsg) Matchtag() uint32  { return m.matchtag }
func (m fakeMsg) IsResponse() bool  { return m.response }
func (m fakeMsg) IsStreaming() bool { return m.streaming }
func (m fakeMsg) ErrCode() int32    { return m.errCode }

func TestUpdateAddsAndRemoves(t *testing.T) {
	tr := New()
	req := fakeMsg{uuid: "a", matchtag: 1}
	require.NoError(t, tr.Update(req))
	assert.Equal(t, 1, tr.Count())

	resp := fakeMsg{uuid: "a", matchtag: 1, response: true}
	require.NoError(t, tr.Update(resp))
	assert.Equal(t, 0, tr.Count())
}

func TestUpdateRejectsDuplicate(t *testing.T) {
	tr := New()
	req := fakeMsg{uuid: "a", matchtag: 1}
	require.NoError(t, tr.Update(req))
	err := tr.Update(req)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestStreamingResponseDoesNotRemove(t *testing.T) {
	tr := New()
	req := fakeMsg{uuid: "a", matchtag: 1}
	require.NoError(t, tr.Update(req))

	stream := fakeMsg{uuid: "a", matchtag: 1, response: true, streaming: true}
	require.NoError(t, tr.Update(stream))
	assert.Equal(t, 1, tr.Count())

	terminal := fakeMsg{uuid: "a", matchtag: 1, response: true, streaming: true, errCode: 1}
	require.NoError(t, tr.Update(terminal))
	assert.Equal(t, 0, tr.Count())
}

func TestPurgeInvokesAndClears(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Update(fakeMsg{uuid: "a", matchtag: 1}))
	require.NoError(t, tr.Update(fakeMsg{uuid: "b", matchtag: 2}))

	var seen []string
	tr.Purge(func(msg Message, arg interface{}) {
		seen = append(seen, msg.RouteUUID())
	}, nil)

	assert.ElementsMatch(t, []string{"a", "b"}, seen)
	assert.Equal(t, 0, tr.Count())

	// Idempotent once empty.
	called := false
	tr.Purge(func(msg Message, arg interface{}) { called = true }, nil)
	assert.False(t, called)
}
