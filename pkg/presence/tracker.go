// Package presence tracks ephemeral per-client state (cursor, display name, colour) for one room.
//
// An encoded update is a uvarint entry count followed by, per entry, the client id, the entry
// clock, and the JSON state as a length-prefixed blob. The JSON literal null marks a removal.
package presence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/astromechza/docrelay/pkg/wire"
)

var ErrMalformedUpdate = errors.New("malformed presence update")

var null = []byte("null")

// Labeled is implemented by origins that carry a caller identifier.
type Labeled interface {
	CallerID() string
}

type Entry struct {
	Clock  uint64
	State  json.RawMessage
	Caller string
}

// Change describes one accepted update. Fragment encodes exactly the changed client ids.
type Change struct {
	Added    []uint64
	Updated  []uint64
	Removed  []uint64
	Fragment []byte
	Origin   any
}

// Changed returns every client id touched by the change.
func (c Change) Changed() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type Listener func(Change)

type Tracker struct {
	mu        sync.Mutex
	states    map[uint64]Entry
	clocks    map[uint64]uint64
	listeners map[uint64]Listener
	nextID    uint64
}

func NewTracker() *Tracker {
	return &Tracker{
		states:    make(map[uint64]Entry),
		clocks:    make(map[uint64]uint64),
		listeners: make(map[uint64]Listener),
	}
}

func (t *Tracker) Subscribe(fn Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

type update struct {
	client uint64
	clock  uint64
	state  []byte
}

func decodeUpdate(fragment []byte) ([]update, error) {
	r := wire.NewReader(fragment)
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformedUpdate, n, r.Len())
	}
	out := make([]update, 0, n)
	for i := uint64(0); i < n; i++ {
		var u update
		if u.client, err = r.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}
		if u.clock, err = r.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}
		if u.state, err = r.ReadBytes(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}
		if !json.Valid(u.state) {
			return nil, fmt.Errorf("%w: client %d state is not json", ErrMalformedUpdate, u.client)
		}
		out = append(out, u)
	}
	return out, nil
}

// DecodeUpdate returns the entries of an encoded update keyed by client id. Removals carry a nil
// State. When a client id repeats, the last entry wins.
func DecodeUpdate(fragment []byte) (map[uint64]Entry, error) {
	updates, err := decodeUpdate(fragment)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]Entry, len(updates))
	for _, u := range updates {
		e := Entry{Clock: u.clock}
		if !bytes.Equal(u.state, null) {
			e.State = json.RawMessage(u.state)
		}
		out[u.client] = e
	}
	return out, nil
}

// EncodeUpdate encodes entries; a nil or null state encodes a removal.
func EncodeUpdate(entries map[uint64]Entry) []byte {
	ids := make([]uint64, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := wire.NewWriter().WriteUvarint(uint64(len(ids)))
	for _, id := range ids {
		e := entries[id]
		state := []byte(e.State)
		if len(state) == 0 {
			state = null
		}
		w.WriteUvarint(id).WriteUvarint(e.Clock).WriteBytes(state)
	}
	return w.Bytes()
}

// ApplyUpdate merges an encoded update. Per client id the higher clock wins; on equal clocks a
// removal wins. Entries that lose are dropped silently. Listeners see only the accepted subset.
func (t *Tracker) ApplyUpdate(fragment []byte, origin any) (Change, error) {
	updates, err := decodeUpdate(fragment)
	if err != nil {
		return Change{}, err
	}
	caller := ""
	if l, ok := origin.(Labeled); ok {
		caller = l.CallerID()
	}

	t.mu.Lock()
	change := Change{Origin: origin}
	accepted := make(map[uint64]Entry)
	for _, u := range updates {
		removal := bytes.Equal(u.state, null)
		current, present := t.states[u.client]
		known, seen := t.clocks[u.client]
		if seen && !(u.clock > known || (u.clock == known && removal && present)) {
			continue
		}
		t.clocks[u.client] = u.clock
		if removal {
			if present {
				delete(t.states, u.client)
				change.Removed = append(change.Removed, u.client)
				accepted[u.client] = Entry{Clock: u.clock}
			}
			continue
		}
		entry := Entry{Clock: u.clock, State: append(json.RawMessage(nil), u.state...), Caller: caller}
		if present && entry.Caller == "" {
			entry.Caller = current.Caller
		}
		t.states[u.client] = entry
		if present {
			change.Updated = append(change.Updated, u.client)
		} else {
			change.Added = append(change.Added, u.client)
		}
		accepted[u.client] = entry
	}
	if len(accepted) == 0 {
		t.mu.Unlock()
		return change, nil
	}
	change.Fragment = EncodeUpdate(accepted)
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	emit(listeners, change)
	return change, nil
}

// RemoveClients drops the given client ids and broadcasts their removal. Ids without a current
// state are ignored.
func (t *Tracker) RemoveClients(ids []uint64, origin any) Change {
	t.mu.Lock()
	change := Change{Origin: origin}
	removed := make(map[uint64]Entry)
	for _, id := range ids {
		if _, ok := t.states[id]; !ok {
			continue
		}
		clock := t.clocks[id] + 1
		t.clocks[id] = clock
		delete(t.states, id)
		removed[id] = Entry{Clock: clock}
		change.Removed = append(change.Removed, id)
	}
	if len(removed) == 0 {
		t.mu.Unlock()
		return change
	}
	change.Fragment = EncodeUpdate(removed)
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	emit(listeners, change)
	return change
}

// EncodedState encodes every current entry in one update, or returns nil when there are none.
func (t *Tracker) EncodedState() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) == 0 {
		return nil
	}
	return EncodeUpdate(t.states)
}

// States returns a copy of the current entries.
func (t *Tracker) States() map[uint64]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]Entry, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// ActiveCallers returns the distinct non-empty caller ids present, sorted. Entries whose origin
// carried no caller fall back to the user.id field of their state.
func (t *Tracker) ActiveCallers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := make(map[string]struct{})
	for _, e := range t.states {
		caller := e.Caller
		if caller == "" {
			caller = gjson.GetBytes(e.State, "user.id").String()
		}
		if caller != "" {
			set[caller] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l)
	}
	return out
}

func emit(listeners []Listener, c Change) {
	for _, l := range listeners {
		l(c)
	}
}
