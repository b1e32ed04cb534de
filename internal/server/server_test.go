package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kindline-ai/kindline/internal/audit"
	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/detector"
	"github.com/kindline-ai/kindline/internal/engine"
	"github.com/kindline-ai/kindline/internal/escalation"
	"github.com/kindline-ai/kindline/internal/monitor"
	"github.com/kindline-ai/kindline/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg, err := config.Load("testdata/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Server.APIKeys = []string{"test-key"}

	st, err := store.NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	recorder := audit.NewRecorder(st)
	scheduler := monitor.NewScheduler(st, cfg.Monitoring.GraceMissed)
	machine := escalation.NewMachine(st, recorder, scheduler, nil, cfg.Policy, cfg.Monitoring)
	runner := detector.NewRunner([]detector.Detector{detector.NewLexicon()}, detector.RunnerConfig{Timeout: time.Second})
	eng := engine.New(runner, machine, cfg, nil, nil)

	return New(cfg, eng, machine, scheduler, recorder)
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Kindline-Key", "test-key")
	rr := httptest.NewRecorder()
	srv.mux.ServeHTTP(rr, req)
	return rr
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
}

func TestMissingAPIKeyReturns401(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	srv.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestEvaluateValidation(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, http.MethodPost, "/v1/evaluate", `{"subject_ref":"u1","subject_type":"self_authored"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing text, got %d", rr.Code)
	}
}

func TestEvaluateCrisisFlow(t *testing.T) {
	srv := newTestServer(t)

	rr := doJSON(t, srv, http.MethodPost, "/v1/evaluate",
		`{"subject_ref":"u1","subject_type":"self_authored","text":"I am going to kill myself tonight."}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("evaluate = %d: %s", rr.Code, rr.Body.String())
	}

	var out struct {
		CaseID    string `json:"case_id"`
		State     string `json:"state"`
		Directive struct {
			Kind string `json:"kind"`
		} `json:"directive"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State != "CRISIS" || out.Directive.Kind != "halt_and_intervene" {
		t.Fatalf("outcome = %+v", out)
	}

	// The case is retrievable with its schedule.
	rr = doJSON(t, srv, http.MethodGet, "/v1/cases/"+out.CaseID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get case = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"schedule"`) {
		t.Fatalf("case response missing schedule: %s", rr.Body.String())
	}

	// Audit trail has the verdict and transition.
	rr = doJSON(t, srv, http.MethodGet, "/v1/cases/"+out.CaseID+"/audit", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("audit = %d", rr.Code)
	}
	var auditResp struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &auditResp); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(auditResp.Entries) < 2 {
		t.Fatalf("audit entries = %d", len(auditResp.Entries))
	}

	// Check-in works against the open schedule.
	rr = doJSON(t, srv, http.MethodPost, "/v1/cases/"+out.CaseID+"/checkin", `{"acknowledged":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("checkin = %d: %s", rr.Code, rr.Body.String())
	}

	// Ungated stand-down is refused while the window is open.
	rr = doJSON(t, srv, http.MethodPost, "/v1/cases/"+out.CaseID+"/stand-down", `{}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("stand-down = %d, want 409", rr.Code)
	}

	// An authorizing actor may stand the case down.
	rr = doJSON(t, srv, http.MethodPost, "/v1/cases/"+out.CaseID+"/stand-down", `{"actor":"clinician-7","reason":"assessed"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("stand-down = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGetUnknownCaseReturns404(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, http.MethodGet, "/v1/cases/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCheckInWithoutScheduleReturns404(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, http.MethodPost, "/v1/cases/nope/checkin", `{"acknowledged":true}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListCases(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, http.MethodPost, "/v1/evaluate",
		`{"subject_ref":"u1","subject_type":"message_to_peer","text":"hello there"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("evaluate = %d", rr.Code)
	}

	rr = doJSON(t, srv, http.MethodGet, "/v1/cases", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d", rr.Code)
	}
	var resp struct {
		Cases []escalation.Case `json:"cases"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Cases) != 1 || resp.Cases[0].SubjectRef != "u1" {
		t.Fatalf("cases = %+v", resp.Cases)
	}
}
