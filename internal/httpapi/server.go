// Package httpapi exposes the local control surface for the sync daemon:
// status, manual sync triggers, the activity feed, and deletion propagation.
// It binds to loopback by default and is not meant to face a network.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/agentworkforce/sessionsync/internal/sessionsync"
)

type ServerConfig struct {
	// AuthToken, when set, requires a matching bearer token on every /v1
	// route. The dashboard and /health stay open.
	AuthToken string

	// StreamWriteTimeout bounds each websocket write so one stuck client
	// cannot pin the handler.
	StreamWriteTimeout time.Duration
}

// Controller is what the API needs from the sync engine.
type Controller interface {
	Sync(ctx context.Context) error
	Snapshot() sessionsync.StatusSnapshot
	RecentActivity() []sessionsync.ActivityEvent
	SubscribeActivity() (<-chan sessionsync.ActivityEvent, func())
	DeleteRemoteCopy(ctx context.Context, remotePath string) error
	TestConnection(ctx context.Context) bool
}

type Server struct {
	engine Controller
	cfg    ServerConfig
	logger sessionsync.Logger
}

func NewServer(engine Controller, cfg ServerConfig, logger sessionsync.Logger) *Server {
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 5 * time.Second
	}
	return &Server{engine: engine, cfg: cfg, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		s.handleSync(w, r)
	case r.URL.Path == "/v1/activity" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"events": s.engine.RecentActivity()})
	case r.URL.Path == "/v1/activity/stream" && r.Method == http.MethodGet:
		s.handleActivityStream(w, r)
	case r.URL.Path == "/v1/connection" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": s.engine.TestConnection(r.Context())})
	case r.URL.Path == "/v1/remote" && r.Method == http.MethodDelete:
		s.handleDeleteRemote(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Sync(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
	case errors.Is(err, sessionsync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync_in_progress", "a sync cycle is already running")
	case errors.Is(err, sessionsync.ErrNotConfigured):
		writeError(w, http.StatusPreconditionFailed, "not_configured", "sync is not configured")
	default:
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error())
	}
}

func (s *Server) handleDeleteRemote(w http.ResponseWriter, r *http.Request) {
	remotePath := r.URL.Query().Get("path")
	if strings.TrimSpace(remotePath) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query parameter")
		return
	}
	if err := s.engine.DeleteRemoteCopy(r.Context(), remotePath); err != nil {
		if errors.Is(err, sessionsync.ErrNotConfigured) {
			writeError(w, http.StatusPreconditionFailed, "not_configured", "sync is not configured")
			return
		}
		writeError(w, http.StatusBadGateway, "delete_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "path": remotePath})
}

// handleActivityStream upgrades to a websocket, replays the recent feed, and
// then forwards live events until the client goes away.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("activity stream upgrade failed: %v", err)
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := s.engine.SubscribeActivity()
	defer cancel()

	ctx := r.Context()
	for _, event := range s.engine.RecentActivity() {
		if err := s.writeEvent(ctx, conn, event); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, event sessionsync.ActivityEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
