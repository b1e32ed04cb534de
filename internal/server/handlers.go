package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kindline-ai/kindline/internal/engine"
	"github.com/kindline-ai/kindline/internal/monitor"
	"github.com/kindline-ai/kindline/internal/redact"
)

const maxBodyBytes = 1 << 20 // 1MB

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _, _ = io.Copy(io.Discard, body) }()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var sub engine.Submission
	if !decodeBody(w, r, &sub) {
		return
	}
	if strings.TrimSpace(sub.SubjectRef) == "" {
		writeError(w, http.StatusBadRequest, "subject_ref is required")
		return
	}
	if strings.TrimSpace(sub.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	outcome, err := s.engine.Evaluate(r.Context(), sub)
	if err != nil {
		// A failed evaluation still carries a directive; the caller must
		// honor it. Surface both.
		redact.Logf("server: evaluate: %v", err)
		writeJSON(w, statusForError(err), evaluateResponse{
			Outcome: outcome,
			Error:   "evaluation degraded; directive is conservative",
		})
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Outcome: outcome})
}

type evaluateResponse struct {
	engine.Outcome
	Error string `json:"error,omitempty"`
}

func (s *Server) handleListCases(w http.ResponseWriter, _ *http.Request) {
	cases, err := s.machine.ListCases()
	if err != nil {
		writeError(w, statusForError(err), "list cases failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cs, found, err := s.machine.GetCase(id)
	if err != nil {
		writeError(w, statusForError(err), "load case failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	sched, hasSched, err := s.scheduler.Get(id)
	if err != nil {
		writeError(w, statusForError(err), "load schedule failed")
		return
	}
	resp := map[string]any{"case": cs}
	if hasSched {
		resp["schedule"] = sched
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCaseAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.audits.List(id)
	if err != nil {
		writeError(w, statusForError(err), "load audit trail failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type checkInRequest struct {
	Acknowledged bool   `json:"acknowledged"`
	Worsening    bool   `json:"worsening"`
	Note         string `json:"note,omitempty"`
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req checkInRequest
	if !decodeBody(w, r, &req) {
		return
	}

	outcome, err := s.scheduler.RecordCheckIn(id, monitor.Response{
		Acknowledged: req.Acknowledged,
		Worsening:    req.Worsening,
		Note:         req.Note,
	})
	if err != nil {
		if errors.Is(err, monitor.ErrNoSchedule) {
			writeError(w, http.StatusNotFound, "no active monitoring schedule for case")
			return
		}
		writeError(w, statusForError(err), "record check-in failed")
		return
	}

	// A worsening response re-escalates immediately rather than waiting
	// for the next sweep.
	if outcome == monitor.CheckInWorsening {
		if _, err := s.machine.HandleBreach(r.Context(), id, monitor.Event{CaseID: id, Kind: monitor.EventBreach}); err != nil {
			redact.Logf("server: case %s: breach on worsening check-in: %v", id, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

type actorRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleConfirmSafety(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req actorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cs, err := s.machine.ConfirmSafety(r.Context(), id, req.Actor)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": cs})
}

func (s *Server) handleStandDown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req actorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cs, err := s.machine.StandDown(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": cs})
}
