package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/docrelay/pkg/docstore"
	"github.com/astromechza/docrelay/pkg/presence"
	"github.com/astromechza/docrelay/pkg/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	prefixVar := flag.String("path-prefix", "/collab", "path prefix of the relay")
	roomVar := flag.String("room", "default", "the room to join")
	userVar := flag.String("user", fmt.Sprintf("client-%d", os.Getpid()), "caller id sent to the relay")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: *prefixVar + "/" + *roomVar}
	u.RawQuery = url.Values{"user": []string{*userVar}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	c := &client{
		conn:     conn,
		store:    docstore.New(),
		clientID: rand.Uint64() >> 11,
		user:     *userVar,
	}
	c.store.Subscribe(c.forwardLocal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := c.receiveContinuously(); err != nil {
			slog.Error("stopped receiving", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.incrementRandomlyContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	wg.Wait()

	value, _ := c.counter()
	slog.Info("final state", "heads", c.store.Heads(), "counter", value)
	return nil
}

type client struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	store    *docstore.Store
	clientID uint64
	clock    uint64
	user     string
}

type localOrigin struct{}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// forwardLocal sends locally produced changes to the relay.
func (c *client) forwardLocal(ev docstore.UpdateEvent) {
	if _, ok := ev.Origin.(localOrigin); !ok {
		return
	}
	if err := c.write(websocket.BinaryMessage, wire.EncodeSync(wire.SyncUpdate, ev.Fragment)); err != nil {
		slog.Error("failed to send update", "err", err)
	}
}

func (c *client) receiveContinuously() error {
	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := c.receive(msg); err != nil {
			slog.Error("failed to handle message", "err", err)
		}
	}
}

func (c *client) receive(msg []byte) error {
	kind, r, err := wire.Decode(msg)
	if err != nil {
		return err
	}
	switch kind {
	case wire.KindSync:
		t, payload, err := wire.ReadSync(r)
		if err != nil {
			return err
		}
		switch t {
		case wire.SyncSummary:
			diff, err := c.store.DiffAgainst(payload)
			if err != nil {
				return err
			}
			if err := c.write(websocket.BinaryMessage, wire.EncodeSync(wire.SyncDiff, diff)); err != nil {
				return fmt.Errorf("failed to send diff: %w", err)
			}
			// ask for the relay's missing changes too
			return c.write(websocket.BinaryMessage, wire.EncodeSync(wire.SyncSummary, c.store.Summary()))
		case wire.SyncDiff, wire.SyncUpdate:
			if err := c.store.Merge(payload, t); err != nil {
				return err
			}
			value, _ := c.counter()
			slog.Info("merged", "type", t, "heads", c.store.Heads(), "counter", value)
		}
	case wire.KindPresence:
		payload, err := r.ReadBytes()
		if err != nil {
			return err
		}
		entries, err := presence.DecodeUpdate(payload)
		if err != nil {
			return err
		}
		for id, e := range entries {
			if e.State == nil {
				slog.Info("presence left", "client", id)
			} else {
				slog.Info("presence", "client", id, "state", string(e.State))
			}
		}
	}
	return nil
}

func (c *client) counter() (int64, error) {
	doc, err := c.store.Fork()
	if err != nil {
		return 0, err
	}
	return doc.Path("counter").Counter().Get()
}

func (c *client) announce() error {
	state, err := json.Marshal(map[string]interface{}{
		"user":    map[string]string{"id": c.user},
		"updated": time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	update := presence.EncodeUpdate(map[uint64]presence.Entry{
		c.clientID: {Clock: c.clock, State: state},
	})
	c.clock++
	return c.write(websocket.BinaryMessage, wire.EncodePresence(update))
}

func (c *client) incrementRandomlyContinuously(ctx context.Context) {
	if err := c.announce(); err != nil {
		slog.Error("failed to announce presence", "err", err)
	}
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			err := c.store.Edit(localOrigin{}, func(doc *automerge.Doc) error {
				return doc.Path("counter").Counter().Inc(1)
			})
			if err != nil {
				slog.Error("failed to increment counter", "err", err)
			} else {
				value, _ := c.counter()
				slog.Info("incremented", "heads", c.store.Heads(), "value", value)
			}
			if err := c.announce(); err != nil {
				slog.Error("failed to announce presence", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled increment")
			return
		}
	}
}
