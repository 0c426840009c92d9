// Package status serves a local debug surface: health, the live session
// snapshot, voice settings, Prometheus metrics and pprof.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"casey/log"
	"casey/metrics"
	"casey/session"
	"casey/settings"
)

type SnapshotFunc func() session.Snapshot

type Server struct {
	snapshot SnapshotFunc
	settings settings.Store
	metrics  *metrics.Metrics
	started  time.Time
}

func New(snapshot SnapshotFunc, store settings.Store, m *metrics.Metrics) *Server {
	return &Server{snapshot: snapshot, settings: store, metrics: m, started: time.Now()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/session", s.handleSession)
	r.Get("/settings/voice", s.handleGetVoice)
	r.Put("/settings/voice", s.handlePutVoice)
	r.Handle("/metrics", s.metrics.Handler())
	r.Mount("/debug", middleware.Profiler())
	return r
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Infof("debug server listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"connection": snap.Connection,
		"uptime_s":   int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleGetVoice(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.settings.VoiceProfile())
}

func (s *Server) handlePutVoice(w http.ResponseWriter, r *http.Request) {
	var p settings.VoiceProfile
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.settings.SetVoiceProfile(p); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid_profile", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.settings.VoiceProfile())
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{"error": code, "message": msg})
}
