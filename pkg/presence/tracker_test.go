package presence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type caller string

func (c caller) CallerID() string { return string(c) }

func one(id, clock uint64, state string) []byte {
	e := Entry{Clock: clock}
	if state != "" {
		e.State = json.RawMessage(state)
	}
	return EncodeUpdate(map[uint64]Entry{id: e})
}

func TestApplyUpdateAddsUpdatesRemoves(t *testing.T) {
	tr := NewTracker()
	var seen []Change
	tr.Subscribe(func(c Change) { seen = append(seen, c) })

	c, err := tr.ApplyUpdate(one(1, 0, `{"cursor":3}`), caller("alice"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, c.Added)

	c, err = tr.ApplyUpdate(one(1, 1, `{"cursor":9}`), caller("alice"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, c.Updated)
	assert.JSONEq(t, `{"cursor":9}`, string(tr.States()[1].State))

	c, err = tr.ApplyUpdate(one(1, 2, ""), caller("alice"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, c.Removed)
	assert.Empty(t, tr.States())

	require.Len(t, seen, 3)
	assert.Equal(t, caller("alice"), seen[0].Origin)
}

func TestStaleClockIgnored(t *testing.T) {
	tr := NewTracker()
	calls := 0
	tr.Subscribe(func(Change) { calls++ })

	_, err := tr.ApplyUpdate(one(5, 4, `{"name":"new"}`), nil)
	require.NoError(t, err)
	c, err := tr.ApplyUpdate(one(5, 3, `{"name":"old"}`), nil)
	require.NoError(t, err)

	assert.Empty(t, c.Changed())
	assert.Nil(t, c.Fragment)
	assert.Equal(t, 1, calls)
	assert.JSONEq(t, `{"name":"new"}`, string(tr.States()[5].State))
}

func TestRemovalWinsEqualClock(t *testing.T) {
	tr := NewTracker()
	_, err := tr.ApplyUpdate(one(5, 4, `{"name":"x"}`), nil)
	require.NoError(t, err)
	c, err := tr.ApplyUpdate(one(5, 4, ""), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, c.Removed)
}

func TestRemoveClientsBroadcastsTombstones(t *testing.T) {
	tr := NewTracker()
	_, err := tr.ApplyUpdate(one(1, 7, `{"name":"a"}`), nil)
	require.NoError(t, err)
	_, err = tr.ApplyUpdate(one(2, 0, `{"name":"b"}`), nil)
	require.NoError(t, err)

	var got Change
	tr.Subscribe(func(c Change) { got = c })
	c := tr.RemoveClients([]uint64{1, 99}, "closing")
	assert.Equal(t, []uint64{1}, c.Removed)
	assert.Equal(t, c.Fragment, got.Fragment)

	peer := NewTracker()
	_, err = peer.ApplyUpdate(one(1, 7, `{"name":"a"}`), nil)
	require.NoError(t, err)
	pc, err := peer.ApplyUpdate(got.Fragment, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, pc.Removed)

	// the bumped clock keeps the stale state from coming back
	_, err = tr.ApplyUpdate(one(1, 7, `{"name":"a"}`), nil)
	require.NoError(t, err)
	assert.NotContains(t, tr.States(), uint64(1))
}

func TestEncodedStateRoundTrip(t *testing.T) {
	tr := NewTracker()
	assert.Nil(t, tr.EncodedState())

	_, err := tr.ApplyUpdate(one(1, 0, `{"a":1}`), nil)
	require.NoError(t, err)
	_, err = tr.ApplyUpdate(one(2, 3, `{"b":2}`), nil)
	require.NoError(t, err)

	fresh := NewTracker()
	c, err := fresh.ApplyUpdate(tr.EncodedState(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, c.Added)
	assert.Equal(t, uint64(3), fresh.States()[2].Clock)
}

func TestDecodeUpdate(t *testing.T) {
	entries, err := DecodeUpdate(EncodeUpdate(map[uint64]Entry{
		1: {Clock: 2, State: json.RawMessage(`{"a":1}`)},
		9: {Clock: 4},
	}))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"a":1}`, string(entries[1].State))
	assert.Nil(t, entries[9].State)
	assert.Equal(t, uint64(4), entries[9].Clock)
}

func TestMalformedUpdate(t *testing.T) {
	tr := NewTracker()
	_, err := tr.ApplyUpdate([]byte{0x03, 0x01}, nil)
	assert.ErrorIs(t, err, ErrMalformedUpdate)

	_, err = tr.ApplyUpdate(one(1, 0, `{not json`), nil)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Empty(t, tr.States())
}

func TestActiveCallers(t *testing.T) {
	tr := NewTracker()
	_, err := tr.ApplyUpdate(one(1, 0, `{}`), caller("alice"))
	require.NoError(t, err)
	_, err = tr.ApplyUpdate(one(2, 0, `{}`), caller("alice"))
	require.NoError(t, err)
	_, err = tr.ApplyUpdate(one(3, 0, `{"user":{"id":"bob"}}`), nil)
	require.NoError(t, err)
	_, err = tr.ApplyUpdate(one(4, 0, `{"cursor":1}`), caller(""))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, tr.ActiveCallers())

	tr.RemoveClients([]uint64{1, 2}, nil)
	assert.Equal(t, []string{"bob"}, tr.ActiveCallers())
}
