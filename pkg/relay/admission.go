package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Admission is the entry point handed upgrade requests by the outer router. It performs no
// authorization; callers must have been checked before the request reaches it.
type Admission struct {
	cfg      Config
	registry *Registry
	upgrader websocket.Upgrader
}

func NewAdmission(cfg Config, registry *Registry) *Admission {
	return &Admission{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin policy belongs to the access-control layer in front of the relay
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Matches reports whether the request path belongs to the relay.
func (a *Admission) Matches(r *http.Request) bool {
	p := r.URL.Path
	prefix := strings.TrimSuffix(a.cfg.PathPrefix, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// RoomKey extracts the room key from the path tail, falling back to the room query parameter.
func (a *Admission) RoomKey(r *http.Request) (string, bool) {
	prefix := strings.TrimSuffix(a.cfg.PathPrefix, "/")
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail != "" {
		return tail, true
	}
	if room := strings.TrimSpace(r.URL.Query().Get(a.cfg.RoomParam)); room != "" {
		return room, true
	}
	return "", false
}

// CallerID returns the optional caller identifier from the query string.
func (a *Admission) CallerID(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get(a.cfg.CallerParam))
}

func (a *Admission) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if !a.Matches(request) {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	conn, err := a.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	room, ok := a.RoomKey(request)
	if !ok {
		slog.Warn("rejecting connection without room", "url", request.URL.String())
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing room identifier"),
			time.Now().Add(a.cfg.WriteWait),
		)
		_ = conn.Close()
		return
	}

	NewConn(conn, a.registry, a.cfg, room, a.CallerID(request)).Serve(request.Context())
}
