package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/docrelay/pkg/docstore"
	"github.com/astromechza/docrelay/pkg/presence"
	"github.com/astromechza/docrelay/pkg/wire"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateSynced
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateSynced:
		return "SYNCED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn binds one upgraded socket to a room.
type Conn struct {
	id       ulid.ULID
	roomKey  string
	caller   string
	ws       *websocket.Conn
	cfg      Config
	registry *Registry
	room     *Room
	log      *slog.Logger

	state     atomic.Int32
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// controlled holds the presence client ids introduced through this socket. Only the read
	// goroutine touches it.
	controlled map[uint64]struct{}
}

func NewConn(ws *websocket.Conn, registry *Registry, cfg Config, roomKey, caller string) *Conn {
	id := ulid.Make()
	return &Conn{
		id:         id,
		roomKey:    roomKey,
		caller:     caller,
		ws:         ws,
		cfg:        cfg,
		registry:   registry,
		log:        slog.With("room", roomKey, "conn", id.String(), "caller", caller),
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		controlled: make(map[uint64]struct{}),
	}
}

func (c *Conn) ID() ulid.ULID { return c.id }

func (c *Conn) RoomKey() string { return c.roomKey }

// CallerID labels presence entries introduced by this connection.
func (c *Conn) CallerID() string { return c.caller }

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) {
	prev := ConnState(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug("connection state", "from", prev, "to", s)
	}
}

// Close stops the connection. The write goroutine closes the socket, which ends the read loop
// and runs the normal cleanup path.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Serve joins the room, performs the handshake and relays messages until the socket closes or
// ctx is done. Cleanup runs exactly once on return.
func (c *Conn) Serve(ctx context.Context) {
	c.room = c.registry.AddConnection(c.roomKey, c)
	c.setState(StateHandshaking)
	c.log.Info("connection joined")

	unsubscribeDoc := c.room.store.Subscribe(c.onDocUpdate)
	unsubscribePresence := func() {}
	if c.cfg.PresenceEnabled {
		unsubscribePresence = c.room.presence.Subscribe(c.onPresenceChange)
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	defer func() {
		unsubscribeDoc()
		unsubscribePresence()
		if len(c.controlled) > 0 {
			ids := make([]uint64, 0, len(c.controlled))
			for id := range c.controlled {
				ids = append(ids, id)
			}
			c.room.presence.RemoveClients(ids, c)
		}
		c.registry.RemoveConnection(c.roomKey, c)
		c.Close()
		wg.Wait()
		c.setState(StateClosed)
		c.log.Info("connection closed")
	}()

	c.enqueue(wire.EncodeSync(wire.SyncSummary, c.room.store.Summary()))
	if c.cfg.PresenceEnabled {
		if state := c.room.presence.EncodedState(); state != nil {
			c.enqueue(wire.EncodePresence(state))
		}
	}

	c.readLoop()
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("socket error", "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			c.log.Debug("ignoring non-binary message", "type", mt)
			continue
		}
		if err := c.handle(msg); err != nil {
			c.log.Warn("dropped message", "err", err)
		}
	}
}

func (c *Conn) handle(msg []byte) error {
	kind, r, err := wire.Decode(msg)
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	switch kind {
	case wire.KindSync:
		return c.handleSync(r)
	case wire.KindPresence:
		return c.handlePresence(r)
	}
	return nil
}

func (c *Conn) handleSync(r *wire.Reader) error {
	t, payload, err := wire.ReadSync(r)
	if err != nil {
		return err
	}
	store := c.room.store
	switch t {
	case wire.SyncSummary:
		diff, err := store.DiffAgainst(payload)
		if err != nil {
			return fmt.Errorf("failed to diff against summary: %w", err)
		}
		c.enqueue(wire.EncodeSync(wire.SyncDiff, diff))
	case wire.SyncDiff, wire.SyncUpdate:
		if err := store.Merge(payload, c); err != nil {
			return fmt.Errorf("failed to merge %s: %w", t, err)
		}
	case wire.SyncRequest:
		c.enqueue(wire.EncodeSync(wire.SyncSummary, store.Summary()))
		return nil
	default:
		return fmt.Errorf("unknown sync type %s", t)
	}
	if c.state.CompareAndSwap(int32(StateHandshaking), int32(StateSynced)) {
		c.log.Debug("connection state", "from", StateHandshaking, "to", StateSynced)
	}
	return nil
}

func (c *Conn) handlePresence(r *wire.Reader) error {
	if !c.cfg.PresenceEnabled {
		return nil
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return fmt.Errorf("failed to read presence payload: %w", err)
	}
	change, err := c.room.presence.ApplyUpdate(payload, c)
	if err != nil {
		return err
	}
	// only ids this socket introduced are removed when it closes
	for _, id := range change.Added {
		c.controlled[id] = struct{}{}
	}
	for _, id := range change.Removed {
		delete(c.controlled, id)
	}
	return nil
}

// onDocUpdate forwards merged fragments from other connections.
func (c *Conn) onDocUpdate(ev docstore.UpdateEvent) {
	if ev.Origin == c {
		return
	}
	c.enqueue(wire.EncodeSync(wire.SyncUpdate, ev.Fragment))
}

// onPresenceChange forwards every presence change, including this connection's own.
func (c *Conn) onPresenceChange(ch presence.Change) {
	c.enqueue(wire.EncodePresence(ch.Fragment))
}

// enqueue is best effort: a closed or saturated connection drops the message.
func (c *Conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("send buffer full, dropping message", "bytes", len(msg))
		return false
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.log.Warn("failed to write message", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Warn("failed to ping", "err", err)
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait),
			)
			return
		}
	}
}
