package relay

import (
	"encoding/json"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/docrelay/pkg/docstore"
	"github.com/astromechza/docrelay/pkg/presence"
	"github.com/astromechza/docrelay/pkg/wire"
)

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	registry *Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	registry := NewRegistry(cfg)
	srv := httptest.NewServer(NewAdmission(cfg, registry))
	t.Cleanup(func() {
		registry.Close()
		srv.Close()
	})
	return &harness{t: t, srv: srv, registry: registry}
}

type peer struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(path string) *peer {
	h.t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = ws.Close() })
	return &peer{t: h.t, ws: ws}
}

// join dials a room and consumes the server's opening summary.
func (h *harness) join(path string) *peer {
	h.t.Helper()
	p := h.dial(path)
	typ, _ := p.nextSync()
	require.Equal(h.t, wire.SyncSummary, typ)
	return p
}

func (p *peer) send(msg []byte) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteMessage(websocket.BinaryMessage, msg))
}

func (p *peer) next() (wire.Kind, *wire.Reader) {
	p.t.Helper()
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, msg, err := p.ws.ReadMessage()
	require.NoError(p.t, err)
	require.Equal(p.t, websocket.BinaryMessage, mt)
	kind, r, err := wire.Decode(msg)
	require.NoError(p.t, err)
	return kind, r
}

func (p *peer) nextSync() (wire.SyncType, []byte) {
	p.t.Helper()
	kind, r := p.next()
	require.Equal(p.t, wire.KindSync, kind)
	typ, payload, err := wire.ReadSync(r)
	require.NoError(p.t, err)
	return typ, payload
}

func (p *peer) nextPresence() map[uint64]presence.Entry {
	p.t.Helper()
	kind, r := p.next()
	require.Equal(p.t, wire.KindPresence, kind)
	payload, err := r.ReadBytes()
	require.NoError(p.t, err)
	entries, err := presence.DecodeUpdate(payload)
	require.NoError(p.t, err)
	return entries
}

// barrier proves no earlier message is still queued for the peer: the summary answer to a
// request arrives after anything enqueued before the request was processed.
func (p *peer) barrier() {
	p.t.Helper()
	p.send(wire.EncodeSync(wire.SyncRequest, nil))
	typ, _ := p.nextSync()
	require.Equal(p.t, wire.SyncSummary, typ)
}

func presenceUpdate(id, clock uint64, state string) []byte {
	e := presence.Entry{Clock: clock}
	if state != "" {
		e.State = json.RawMessage(state)
	}
	return wire.EncodePresence(presence.EncodeUpdate(map[uint64]presence.Entry{id: e}))
}

func headStrings(s *docstore.Store) []string {
	out := make([]string, 0)
	for _, h := range s.Heads() {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

func TestUpdatesFanOutWithoutSelfEcho(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc:42")
	two := h.join("/collab/doc:42")

	u1 := fragment(t, "a", 1)
	one.send(wire.EncodeSync(wire.SyncUpdate, u1))
	typ, got := two.nextSync()
	require.Equal(t, wire.SyncUpdate, typ)
	assert.Equal(t, u1, got)
	one.barrier()

	u2 := fragment(t, "b", 2)
	two.send(wire.EncodeSync(wire.SyncUpdate, u2))
	typ, got = one.nextSync()
	require.Equal(t, wire.SyncUpdate, typ)
	assert.Equal(t, u2, got)
	two.barrier()

	local1, local2, fresh := docstore.New(), docstore.New(), docstore.New()
	require.NoError(t, local1.Merge(u1, nil))
	require.NoError(t, local1.Merge(u2, nil))
	require.NoError(t, local2.Merge(u2, nil))
	require.NoError(t, local2.Merge(u1, nil))
	require.NoError(t, fresh.Merge(u1, nil))
	require.NoError(t, fresh.Merge(u2, nil))

	room, ok := h.registry.Room("doc:42")
	require.True(t, ok)
	assert.Equal(t, headStrings(fresh), headStrings(local1))
	assert.Equal(t, headStrings(fresh), headStrings(local2))
	assert.Equal(t, headStrings(fresh), headStrings(room.Store()))
}

func TestConsecutiveEditsReachOtherPeers(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc")
	two := h.join("/collab/doc")

	author := docstore.New()
	author.Subscribe(func(ev docstore.UpdateEvent) {
		one.send(wire.EncodeSync(wire.SyncUpdate, ev.Fragment))
	})
	for _, title := range []string{"draft", "review", "final"} {
		title := title
		require.NoError(t, author.Edit("author", func(doc *automerge.Doc) error {
			return doc.Path("title").Set(title)
		}))
	}

	reader := docstore.New()
	for i := 0; i < 3; i++ {
		typ, got := two.nextSync()
		require.Equal(t, wire.SyncUpdate, typ)
		require.NoError(t, reader.Merge(got, nil))
	}
	one.barrier()

	room, ok := h.registry.Room("doc")
	require.True(t, ok)
	assert.Equal(t, headStrings(author), headStrings(reader))
	assert.Equal(t, headStrings(author), headStrings(room.Store()))
	assert.Equal(t, 0, room.Store().Pending())
}

func TestSummaryHandshakeReturnsDiff(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	room := h.registry.GetOrCreateRoom("doc:1")
	require.NoError(t, room.Store().Merge(fragment(t, "title", "hello"), nil))

	p := h.dial("/collab?room=doc:1")
	typ, summary := p.nextSync()
	require.Equal(t, wire.SyncSummary, typ)
	assert.NotEmpty(t, summary)

	local := docstore.New()
	p.send(wire.EncodeSync(wire.SyncSummary, local.Summary()))
	typ, diff := p.nextSync()
	require.Equal(t, wire.SyncDiff, typ)
	require.NoError(t, local.Merge(diff, nil))
	assert.Equal(t, headStrings(room.Store()), headStrings(local))

	require.Eventually(t, func() bool {
		conns := h.registry.Connections("doc:1")
		return len(conns) == 1 && conns[0].State() == StateSynced
	}, time.Second, 5*time.Millisecond)
}

func TestDiffFromClientIsMergedAndFannedOut(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc")
	two := h.join("/collab/doc")

	d := fragment(t, "offline", true)
	one.send(wire.EncodeSync(wire.SyncDiff, d))
	typ, got := two.nextSync()
	assert.Equal(t, wire.SyncUpdate, typ)
	assert.Equal(t, d, got)
}

func TestPresenceEchoesToOrigin(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc:42?user=alice")
	two := h.join("/collab/doc:42?user=bob")

	one.send(presenceUpdate(10, 0, `{"cursor":4}`))
	echoed := one.nextPresence()
	require.Contains(t, echoed, uint64(10))
	assert.JSONEq(t, `{"cursor":4}`, string(echoed[10].State))
	require.Contains(t, two.nextPresence(), uint64(10))

	assert.Equal(t, []string{"alice"}, h.registry.ListActiveUserIDs("doc:42"))
}

func TestJoinReceivesExistingPresence(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc")
	one.send(presenceUpdate(3, 1, `{"name":"ada"}`))
	one.nextPresence()

	two := h.join("/collab/doc")
	entries := two.nextPresence()
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"name":"ada"}`, string(entries[3].State))
}

func TestDisconnectRemovesPresence(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc?user=alice")
	two := h.join("/collab/doc?user=bob")

	one.send(presenceUpdate(10, 0, `{"cursor":1}`))
	one.nextPresence()
	two.nextPresence()

	require.NoError(t, one.ws.Close())

	removal := two.nextPresence()
	require.Contains(t, removal, uint64(10))
	assert.Nil(t, removal[10].State)
	assert.Equal(t, uint64(1), removal[10].Clock)
	assert.Empty(t, h.registry.ListActiveUserIDs("doc"))

	room, ok := h.registry.Room("doc")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return len(h.registry.Connections("doc")) == 1 &&
			room.Store().Listeners() == 1 &&
			room.Presence().Listeners() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc")
	two := h.join("/collab/doc")

	one.send([]byte{0x07})
	one.send([]byte{0x00, 0x02, 0x20, 0x01})
	one.send(wire.EncodeSync(wire.SyncUpdate, []byte("garbage")))
	one.send(wire.EncodePresence([]byte{0x09}))
	require.NoError(t, one.ws.WriteMessage(websocket.TextMessage, []byte("hello")))

	one.barrier()
	two.barrier()

	u := fragment(t, "still", "works")
	one.send(wire.EncodeSync(wire.SyncUpdate, u))
	typ, got := two.nextSync()
	assert.Equal(t, wire.SyncUpdate, typ)
	assert.Equal(t, u, got)
}

func TestMissingRoomIsRefused(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	p := h.dial("/collab")
	require.NoError(t, p.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := p.ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Empty(t, h.registry.ListActiveRoomKeys())
}

func TestReconnectWithinWindowKeepsDocument(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc")
	u := fragment(t, "draft", "v1")
	one.send(wire.EncodeSync(wire.SyncUpdate, u))
	one.barrier()
	require.NoError(t, one.ws.Close())

	require.Eventually(t, func() bool {
		return h.registry.RoomState("doc") == RoomDraining
	}, time.Second, 5*time.Millisecond)

	two := h.join("/collab/doc")
	assert.Equal(t, RoomActive, h.registry.RoomState("doc"))
	local := docstore.New()
	two.send(wire.EncodeSync(wire.SyncSummary, local.Summary()))
	_, diff := two.nextSync()
	assert.NotEmpty(t, diff)
}

func TestIdleRoomStartsEmptyAfterTeardown(t *testing.T) {
	h := newHarness(t, testConfig(20*time.Millisecond))
	one := h.join("/collab/doc")
	one.send(wire.EncodeSync(wire.SyncUpdate, fragment(t, "draft", "v1")))
	one.barrier()
	require.NoError(t, one.ws.Close())

	require.Eventually(t, func() bool {
		return h.registry.RoomState("doc") == RoomDestroyed
	}, time.Second, 5*time.Millisecond)

	two := h.join("/collab/doc")
	two.send(wire.EncodeSync(wire.SyncSummary, docstore.New().Summary()))
	_, diff := two.nextSync()
	assert.Empty(t, diff)
}

func TestUpdatingAnotherSocketsPresenceDoesNotAdoptIt(t *testing.T) {
	h := newHarness(t, testConfig(time.Minute))
	one := h.join("/collab/doc?user=alice")
	two := h.join("/collab/doc?user=bob")

	one.send(presenceUpdate(10, 0, `{"cursor":1}`))
	one.nextPresence()
	two.nextPresence()

	two.send(presenceUpdate(10, 1, `{"cursor":2}`))
	one.nextPresence()
	two.nextPresence()

	require.NoError(t, two.ws.Close())
	require.Eventually(t, func() bool {
		return len(h.registry.Connections("doc")) == 1
	}, time.Second, 5*time.Millisecond)
	one.barrier()

	room, ok := h.registry.Room("doc")
	require.True(t, ok)
	assert.Contains(t, room.Presence().States(), uint64(10))
}

func TestPresenceDisabledIsNotRelayed(t *testing.T) {
	cfg := testConfig(time.Minute)
	cfg.PresenceEnabled = false
	h := newHarness(t, cfg)
	one := h.join("/collab/doc")

	one.send(presenceUpdate(1, 0, `{"x":1}`))
	one.barrier()
	room, ok := h.registry.Room("doc")
	require.True(t, ok)
	assert.Empty(t, room.Presence().States())
}
