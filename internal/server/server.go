package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kindline-ai/kindline/internal/audit"
	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/engine"
	"github.com/kindline-ai/kindline/internal/escalation"
	"github.com/kindline-ai/kindline/internal/monitor"
	"github.com/kindline-ai/kindline/internal/redact"
)

// AuditLister is the read-only slice of the audit recorder the server
// exposes; satisfied by audit.Recorder.
type AuditLister interface {
	List(caseID string) ([]audit.Entry, error)
}

// Server wraps the HTTP components for kindline.
type Server struct {
	mux       *http.ServeMux
	cfg       *config.Config
	engine    *engine.Engine
	machine   *escalation.Machine
	scheduler *monitor.Scheduler
	audits    AuditLister
	httpSrv   *http.Server
}

// New builds the server and registers routes.
func New(cfg *config.Config, eng *engine.Engine, machine *escalation.Machine, scheduler *monitor.Scheduler, audits AuditLister) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		engine:    eng,
		machine:   machine,
		scheduler: scheduler,
		audits:    audits,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/evaluate", s.withAuth(s.handleEvaluate))
	s.mux.HandleFunc("GET /v1/cases", s.withAuth(s.handleListCases))
	s.mux.HandleFunc("GET /v1/cases/{id}", s.withAuth(s.handleGetCase))
	s.mux.HandleFunc("GET /v1/cases/{id}/audit", s.withAuth(s.handleCaseAudit))
	s.mux.HandleFunc("POST /v1/cases/{id}/checkin", s.withAuth(s.handleCheckIn))
	s.mux.HandleFunc("POST /v1/cases/{id}/confirm-safety", s.withAuth(s.handleConfirmSafety))
	s.mux.HandleFunc("POST /v1/cases/{id}/stand-down", s.withAuth(s.handleStandDown))
}

// Start blocks serving HTTP until shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// withAuth checks the API key header. An empty configured key list
// disables auth (dev mode).
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.Server.APIKeys) == 0 {
			next(w, r)
			return
		}
		got := r.Header.Get("X-Kindline-Key")
		for _, key := range s.cfg.Server.APIKeys {
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1 {
				next(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid or missing API key")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintln(w, "ok")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		redact.Logf("server: write response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func statusForError(err error) int {
	var notAllowed *escalation.NotAllowedError
	var persistence *escalation.PersistenceError
	switch {
	case errors.As(err, &persistence):
		return http.StatusServiceUnavailable
	case errors.As(err, &notAllowed):
		return http.StatusConflict
	case errors.Is(err, escalation.ErrStandDownGated):
		return http.StatusConflict
	case errors.Is(err, escalation.ErrCaseNotFound), errors.Is(err, monitor.ErrNoSchedule):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
