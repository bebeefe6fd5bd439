// Package docstore holds the in-memory automerge document for one room.
//
// Fragments exchanged between peers are concatenated automerge change chunks
// (automerge.SaveChanges). A change whose dependencies have not arrived yet is buffered and
// applied once they do, so peers may merge fragments in any order, any number of times, and
// reach the same heads.
package docstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/docrelay/pkg/wire"
)

// maxPending bounds the changes held back waiting for their dependencies.
const maxPending = 4096

var (
	ErrMalformedFragment = errors.New("malformed fragment")
	ErrMalformedSummary  = errors.New("malformed summary")
	ErrBacklogFull       = errors.New("too many changes waiting for dependencies")
	ErrClosed            = errors.New("store closed")
)

// UpdateEvent is emitted after a merge or local edit introduced changes the store had not seen.
// Fragment holds only those changes, in an order where every change follows its dependencies.
type UpdateEvent struct {
	Fragment []byte
	Origin   any
}

type Listener func(UpdateEvent)

type Store struct {
	mu  sync.Mutex
	doc *automerge.Doc
	// seen holds every change applied to doc.
	seen map[automerge.ChangeHash]struct{}
	// clock maps each actor to the highest sequence number applied.
	clock     map[string]uint64
	pending   map[automerge.ChangeHash]rawChange
	listeners map[uint64]Listener
	nextID    uint64
	closed    bool
}

func New() *Store {
	return &Store{
		doc:       automerge.New(),
		seen:      make(map[automerge.ChangeHash]struct{}),
		clock:     make(map[string]uint64),
		pending:   make(map[automerge.ChangeHash]rawChange),
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe registers fn for update events and returns the function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Listeners returns how many subscriptions are currently registered.
func (s *Store) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Summary encodes, per actor, the highest sequence number applied. Changes by one actor form a
// chain, so a peer holding sequence n of an actor holds every earlier one and their dependencies.
func (s *Store) Summary() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeClock(s.clock)
}

// Heads returns the hashes of the most recent changes.
func (s *Store) Heads() []automerge.ChangeHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Heads()
}

// Pending returns how many received changes are still waiting for their dependencies.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DiffAgainst returns a fragment with exactly the changes the summary does not cover. Actors
// unknown to this store are ignored. An up-to-date peer gets an empty fragment.
func (s *Store) DiffAgainst(summary []byte) ([]byte, error) {
	clock, err := decodeClock(summary)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	all, err := s.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	missing := make([]*automerge.Change, 0)
	for _, c := range all {
		if c.ActorSeq() > clock[c.ActorID()] {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return []byte{}, nil
	}
	return automerge.SaveChanges(missing), nil
}

// Merge applies a fragment. Changes already seen are skipped and changes with missing
// dependencies are held until a later merge supplies them. Listeners see every change applied
// by this call, including buffered ones it unblocked; when none were applied no event is emitted.
func (s *Store) Merge(fragment []byte, origin any) error {
	if len(fragment) == 0 {
		return nil
	}
	changes, err := splitChanges(fragment)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFragment, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	fresh := make([]rawChange, 0, len(changes))
	for _, c := range changes {
		_, applied := s.seen[c.hash]
		_, waiting := s.pending[c.hash]
		if !applied && !waiting {
			fresh = append(fresh, c)
		}
	}
	if len(s.pending)+len(fresh) > maxPending {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d waiting", ErrBacklogFull, len(s.pending))
	}
	for _, c := range fresh {
		s.pending[c.hash] = c
	}
	applied, err := s.drainLocked()
	var listeners []Listener
	if len(applied) > 0 {
		listeners = s.snapshotListeners()
	}
	s.mu.Unlock()

	if len(applied) > 0 {
		emit(listeners, UpdateEvent{Fragment: joinChanges(applied), Origin: origin})
	}
	return err
}

// drainLocked applies buffered changes whose dependencies are all present until none are left
// ready, returning them in the order applied.
func (s *Store) drainLocked() ([]rawChange, error) {
	applied := make([]rawChange, 0, len(s.pending))
	for {
		ready := make([]rawChange, 0)
		for _, c := range s.pending {
			if s.hasDepsLocked(c) {
				ready = append(ready, c)
			}
		}
		if len(ready) == 0 {
			return applied, nil
		}
		for _, c := range ready {
			delete(s.pending, c.hash)
			if err := s.doc.LoadIncremental(c.raw); err != nil {
				return applied, fmt.Errorf("%w: failed to apply change %s: %w", ErrMalformedFragment, c.hash, err)
			}
			s.markLocked(c.hash, c.actor, c.seq)
			applied = append(applied, c)
		}
	}
}

func (s *Store) hasDepsLocked(c rawChange) bool {
	for _, d := range c.deps {
		if _, ok := s.seen[d]; !ok {
			return false
		}
	}
	return true
}

func (s *Store) markLocked(hash automerge.ChangeHash, actor string, seq uint64) {
	s.seen[hash] = struct{}{}
	if seq > s.clock[actor] {
		s.clock[actor] = seq
	}
}

// Edit runs fn against the document and emits the changes it produced as a fragment.
func (s *Store) Edit(origin any, fn func(doc *automerge.Doc) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	before := s.doc.Heads()
	if err := fn(s.doc); err != nil {
		s.mu.Unlock()
		return err
	}
	changes, err := s.doc.Changes(before...)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to collect changes: %w", err)
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	for _, c := range changes {
		s.markLocked(c.Hash(), c.ActorID(), c.ActorSeq())
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	emit(listeners, UpdateEvent{Fragment: automerge.SaveChanges(changes), Origin: origin})
	return nil
}

// Fork returns an independent copy of the document for read-only inspection.
func (s *Store) Fork() (*automerge.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.doc.Fork()
}

// Snapshot returns the full saved document.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.doc.Save(), nil
}

// Close drops all listeners and refuses further merges.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = make(map[uint64]Listener)
}

func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func emit(listeners []Listener, ev UpdateEvent) {
	for _, l := range listeners {
		l(ev)
	}
}

func encodeClock(clock map[string]uint64) []byte {
	actors := make([]string, 0, len(clock))
	for a := range clock {
		actors = append(actors, a)
	}
	sort.Strings(actors)
	w := wire.NewWriter().WriteUvarint(uint64(len(actors)))
	for _, a := range actors {
		w.WriteString(a).WriteUvarint(clock[a])
	}
	return w.Bytes()
}

func decodeClock(summary []byte) (map[string]uint64, error) {
	clock := make(map[string]uint64)
	if len(summary) == 0 {
		return clock, nil
	}
	r := wire.NewReader(summary)
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSummary, err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d actors in %d bytes", ErrMalformedSummary, n, r.Len())
	}
	for i := uint64(0); i < n; i++ {
		actor, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedSummary, err)
		}
		seq, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedSummary, err)
		}
		clock[actor] = seq
	}
	return clock, nil
}
