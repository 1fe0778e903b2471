// Package api implements the local control surface for the hosting UI.
//
// Routes:
//   POST /api/v1/connect          — open the controller connection
//   POST /api/v1/disconnect       — close it (no automatic recovery)
//   GET  /api/v1/status           — connection summary
//   POST /api/v1/settings/reload  — re-read settings and force a reconnect
//   GET  /api/v1/activity         — recent entries from the durable log
//   GET  /api/v1/screenshots      — recent screenshot history
//
// Framework: standard library net/http; zap request logging middleware.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/browserlink/browserlink/internal/relay"
	"github.com/browserlink/browserlink/internal/store"
)

// Settings is the subset of the settings provider the API needs.
type Settings interface {
	Reload() error
}

// Server holds handler dependencies.
type Server struct {
	relay    *relay.Relay
	db       *store.DB
	settings Settings
	log      *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns an http.Handler.
func NewRouter(r *relay.Relay, db *store.DB, settings Settings, log *zap.Logger) http.Handler {
	s := &Server{relay: r, db: db, settings: settings, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/connect", s.connect)
	mux.HandleFunc("POST /api/v1/disconnect", s.disconnect)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("POST /api/v1/settings/reload", s.reloadSettings)
	mux.HandleFunc("GET /api/v1/activity", s.recentActivity)
	mux.HandleFunc("GET /api/v1/screenshots", s.recentScreenshots)

	return withLogging(log, mux)
}

// ── connection control ────────────────────────────────────────────────────

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	s.relay.Connect()
	writeJSON(w, http.StatusAccepted, s.relay.Status())
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.relay.Disconnect()
	writeJSON(w, http.StatusAccepted, s.relay.Status())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Status())
}

func (s *Server) reloadSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.Reload(); err != nil {
		s.log.Error("api: reload settings", zap.Error(err))
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	s.relay.NotifySettingsChanged()
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

// ── history ───────────────────────────────────────────────────────────────

func (s *Server) recentActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 150)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.db.RecentActivities(limit)
	if err != nil {
		s.log.Error("api: recent activity", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activities": entries,
		"count":      len(entries),
	})
}

func (s *Server) recentScreenshots(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	shots, err := s.db.RecentScreenshots(limit)
	if err != nil {
		s.log.Error("api: recent screenshots", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"screenshots": shots,
		"count":       len(shots),
	})
}

// ── middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d–%d", key, min, max)
	}
	return n, nil
}
