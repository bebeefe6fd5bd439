package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/docrelay/pkg/docstore"
	"github.com/astromechza/docrelay/pkg/presence"
)

type RoomState int

const (
	RoomActive RoomState = iota
	RoomDraining
	RoomDestroyed
)

func (s RoomState) String() string {
	switch s {
	case RoomActive:
		return "ACTIVE"
	case RoomDraining:
		return "DRAINING"
	case RoomDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Room is the synchronisation scope of one document. Its fields are guarded by the owning
// Registry's lock; the store and tracker carry their own.
type Room struct {
	key      string
	store    *docstore.Store
	presence *presence.Tracker

	conns    map[*Conn]struct{}
	teardown *time.Timer
	// generation invalidates a teardown timer that fired after being superseded.
	generation uint64
	state      RoomState
}

func (r *Room) Key() string { return r.key }

func (r *Room) Store() *docstore.Store { return r.store }

func (r *Room) Presence() *presence.Tracker { return r.presence }

type Registry struct {
	mu            sync.Mutex
	rooms         map[string]*Room
	teardownDelay time.Duration
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		rooms:         make(map[string]*Room),
		teardownDelay: cfg.TeardownDelay,
	}
}

// GetOrCreateRoom returns the room for key, creating an empty one if none exists.
func (r *Registry) GetOrCreateRoom(key string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(key)
}

func (r *Registry) getOrCreateLocked(key string) *Room {
	if room, ok := r.rooms[key]; ok {
		return room
	}
	room := &Room{
		key:      key,
		store:    docstore.New(),
		presence: presence.NewTracker(),
		conns:    make(map[*Conn]struct{}),
		state:    RoomActive,
	}
	r.rooms[key] = room
	slog.Info("room created", "room", key)
	return room
}

// AddConnection joins c to the room for key, creating the room if needed and cancelling any
// pending teardown, all under one lock.
func (r *Registry) AddConnection(key string, c *Conn) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.getOrCreateLocked(key)
	room.conns[c] = struct{}{}
	if room.teardown != nil {
		room.teardown.Stop()
		room.teardown = nil
		room.generation++
		slog.Info("room teardown cancelled", "room", key)
	}
	room.state = RoomActive
	return room
}

// RemoveConnection drops c from its room. An emptied room is scheduled for teardown.
func (r *Registry) RemoveConnection(key string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[key]
	if !ok {
		return
	}
	delete(room.conns, c)
	if len(room.conns) > 0 || room.teardown != nil {
		return
	}
	room.generation++
	gen := room.generation
	room.state = RoomDraining
	room.teardown = time.AfterFunc(r.teardownDelay, func() {
		r.expire(room, gen)
	})
	slog.Info("room draining", "room", key, "delay", r.teardownDelay)
}

func (r *Registry) expire(room *Room, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room.generation != gen || len(room.conns) > 0 {
		return
	}
	if current, ok := r.rooms[room.key]; !ok || current != room {
		return
	}
	r.destroyLocked(room)
	slog.Info("room destroyed", "room", room.key)
}

func (r *Registry) destroyLocked(room *Room) {
	if room.teardown != nil {
		room.teardown.Stop()
		room.teardown = nil
	}
	room.generation++
	room.state = RoomDestroyed
	room.store.Close()
	delete(r.rooms, room.key)
}

// Room returns the live room for key.
func (r *Registry) Room(key string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[key]
	return room, ok
}

// RoomState reports the lifecycle state of key. Absent rooms report RoomDestroyed.
func (r *Registry) RoomState(key string) RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[key]; ok {
		return room.state
	}
	return RoomDestroyed
}

// Connections returns the connections currently joined to key.
func (r *Registry) Connections(key string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[key]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(room.conns))
	for c := range room.conns {
		out = append(out, c)
	}
	return out
}

// ListActiveRoomKeys returns the keys of every live room, including draining ones, sorted.
func (r *Registry) ListActiveRoomKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for k := range r.rooms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ListActiveUserIDs returns the distinct caller ids present in the room's presence state.
func (r *Registry) ListActiveUserIDs(key string) []string {
	room, ok := r.Room(key)
	if !ok {
		return []string{}
	}
	return room.presence.ActiveCallers()
}

// Close destroys every room and closes every joined connection.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Conn, 0)
	for _, room := range r.rooms {
		for c := range room.conns {
			conns = append(conns, c)
		}
		r.destroyLocked(room)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
