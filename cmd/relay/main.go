package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/docrelay/pkg/relay"
	"github.com/astromechza/docrelay/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg := relay.DefaultConfig()
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	debugVar := flag.Bool("debug", false, "enable debug logging")
	flag.StringVar(&cfg.PathPrefix, "path-prefix", cfg.PathPrefix, "path prefix of collaboration upgrade requests")
	flag.StringVar(&cfg.RoomParam, "room-param", cfg.RoomParam, "query parameter holding the room when the path has none")
	flag.StringVar(&cfg.CallerParam, "user-param", cfg.CallerParam, "query parameter holding the caller id")
	flag.DurationVar(&cfg.TeardownDelay, "teardown-delay", cfg.TeardownDelay, "how long an empty room is kept")
	flag.BoolVar(&cfg.PresenceEnabled, "presence", cfg.PresenceEnabled, "relay presence messages")
	flag.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "messages queued per connection before dropping")
	flag.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "largest accepted message in bytes")
	flag.Parse()

	level := slog.LevelInfo
	if *debugVar {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	registry := relay.NewRegistry(cfg)
	s := &server{registry: registry}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	r.Methods(http.MethodGet).Path("/rooms/{room}/users").HandlerFunc(s.listUsers)
	r.Methods(http.MethodGet).Path("/rooms/{room}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/rooms/{room}/history.svg").HandlerFunc(s.getHistory)
	r.PathPrefix(cfg.PathPrefix).Handler(relay.NewAdmission(cfg, registry))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer := &http.Server{
		Addr:        *addrVar,
		Handler:     r,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar, "prefix", cfg.PathPrefix, "teardown", cfg.TeardownDelay)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown", "err", err)
	}
	registry.Close()

	wg.Wait()
	return nil
}

type server struct {
	registry *relay.Registry
}

func writeJSON(writer http.ResponseWriter, value interface{}) {
	writer.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) listRooms(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, map[string]interface{}{
		"rooms": s.registry.ListActiveRoomKeys(),
	})
}

func (s *server) listUsers(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	writeJSON(writer, map[string]interface{}{
		"room":  vars["room"],
		"users": s.registry.ListActiveUserIDs(vars["room"]),
	})
}

func (s *server) getLatest(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	room, ok := s.registry.Room(vars["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	raw, err := room.Store().Snapshot()
	if err != nil {
		slog.Error("failed to snapshot", "room", vars["room"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) getHistory(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	room, ok := s.registry.Room(vars["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	fork, err := room.Store().Fork()
	if err != nil {
		slog.Error("failed to fork", "room", vars["room"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	var nodePath []interface{}
	if p := request.URL.Query().Get("path"); p != "" {
		nodePath = []interface{}{p}
	}
	writer.Header().Add("Content-Type", "image/svg+xml")
	if err := viz.RenderHistorySVG(fork, nodePath, writer); err != nil {
		slog.Error("failed to render", "room", vars["room"], "err", err)
	}
}
