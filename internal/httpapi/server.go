package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	hakoerrors "github.com/harunnryd/hako/internal/errors"
	"github.com/harunnryd/hako/internal/filetree"
	"github.com/harunnryd/hako/internal/logger"
	"github.com/harunnryd/hako/internal/runtime"
	"github.com/harunnryd/hako/internal/session"
	"github.com/harunnryd/hako/internal/terminal"
)

// IdentityResolver extracts the caller's opaque user id from a request.
// Authentication itself lives outside this service; the default resolver
// trusts the X-User-ID header set by the gateway.
type IdentityResolver func(r *http.Request) string

func HeaderIdentity(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// Server exposes the session REST surface and the terminal WebSocket.
type Server struct {
	sessions    *session.Manager
	terminals   *terminal.Manager
	lister      *filetree.Lister
	cache       *filetree.Cache
	rt          runtime.Client
	identity    IdentityResolver
	maxInactive time.Duration
	upgrader    websocket.Upgrader
}

func NewServer(
	sessions *session.Manager,
	terminals *terminal.Manager,
	lister *filetree.Lister,
	cache *filetree.Cache,
	rt runtime.Client,
	identity IdentityResolver,
	maxInactive time.Duration,
) *Server {
	if identity == nil {
		identity = HeaderIdentity
	}
	return &Server{
		sessions:    sessions,
		terminals:   terminals,
		lister:      lister,
		cache:       cache,
		rt:          rt,
		identity:    identity,
		maxInactive: maxInactive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the gateway in front of us.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /sessions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /sessions/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /sessions/{id}/files", s.handleFiles)
	mux.HandleFunc("POST /sessions/{id}/files/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /sessions/{id}/terminal", s.handleTerminal)
	mux.HandleFunc("GET /filetree/stats", s.handleCacheStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, hakoerrors.InvalidInput("missing session id"))
		return
	}

	status, err := s.sessions.Status(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, hakoerrors.InvalidInput("missing session id"))
		return
	}

	res, err := s.sessions.Start(r.Context(), sessionID, s.identity(r))
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusAccepted
	if res.Status == session.StartStatusConflict {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, hakoerrors.InvalidInput("missing session id"))
		return
	}

	res, err := s.sessions.Stop(r.Context(), sessionID)
	if err != nil && res == nil {
		writeError(w, err)
		return
	}

	code := http.StatusOK
	switch res.Status {
	case session.StopStatusConflict:
		code = http.StatusConflict
	case session.StopStatusError:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxInactive := s.maxInactive
	hours := 0.0
	if raw := r.URL.Query().Get("max_inactive_hours"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			writeError(w, hakoerrors.InvalidInput("max_inactive_hours must be a positive number"))
			return
		}
		hours = parsed
		maxInactive = time.Duration(parsed * float64(time.Hour))
	} else {
		hours = maxInactive.Hours()
	}

	cleaned := s.sessions.CleanupInactive(r.Context(), maxInactive)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions_cleaned":   cleaned,
		"max_inactive_hours": hours,
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	listing, cached, err := s.lister.List(r.Context(), sessionID, r.URL.Query().Get("path"))
	if err != nil {
		if errors.Is(err, hakoerrors.ErrSessionNotReady) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":      "session_not_ready",
				"session_id": sessionID,
				"hint":       "start the session via POST /sessions/" + sessionID + "/start",
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": listing.SessionID,
		"path":       listing.Path,
		"entries":    listing.Entries,
		"cached":     cached,
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		Path string `json:"path"`
	}
	if r.Body != nil {
		// An empty or absent body means "invalidate the whole session".
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	evicted := s.lister.Invalidate(sessionID, body.Path)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"invalidated": evicted,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":            stats.Entries,
		"hits":               stats.Hits,
		"average_age_second": stats.AverageAge.Seconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pingCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	runtimeAvailable := s.rt.Ping(pingCtx) == nil
	total, running := s.sessions.Counts()

	status := "ok"
	code := http.StatusOK
	if !runtimeAvailable {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":              status,
		"runtime_available":   runtimeAvailable,
		"total_sessions":      total,
		"running_sessions":    running,
		"creations_in_flight": s.sessions.InFlight(),
	})
}

// handleTerminal upgrades the connection and bridges it to the session's
// exec channel. Not-running sessions are accepted at the transport level,
// sent one error frame, and closed with a distinguishing code.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	userID := s.identity(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Terminal upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	ctx := logger.WithSessionID(logger.WithUserID(r.Context(), userID), sessionID)

	sub, ch, err := s.terminals.Attach(ctx, conn, sessionID, userID)
	if err != nil {
		// Attach already delivered the error frame and close code.
		return
	}
	defer s.terminals.Detach(ch, sub)

	for {
		select {
		case <-sub.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.terminals.HandleMessage(ctx, ch, raw); err != nil {
			slog.Debug("Terminal message failed",
				"session_id", sessionID, "error", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, hakoerrors.ErrRuntimeUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, hakoerrors.ErrResourceNotFound):
		code = http.StatusNotFound
	case errors.Is(err, hakoerrors.ErrSessionNotReady), errors.Is(err, hakoerrors.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, hakoerrors.ErrInvalidInput):
		code = http.StatusBadRequest
	}

	writeJSON(w, code, map[string]string{
		"error":    err.Error(),
		"category": hakoerrors.Category(err),
	})
}
