package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-compiler/internal/approval"
	"fleet-compiler/internal/audit"
	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/compiler"
	"fleet-compiler/internal/models"
)

// ==========================
// Test Helpers
// ==========================

type fakeCompiler struct {
	lastRequest compiler.Request
	lastEmail   compiler.EmailRequest
	result      *compiler.Result
	err         error
}

func (f *fakeCompiler) Compile(ctx context.Context, req compiler.Request) (*compiler.Result, error) {
	f.lastRequest = req
	return f.result, f.err
}

func (f *fakeCompiler) CompileEmail(ctx context.Context, req compiler.EmailRequest) (*compiler.Result, error) {
	f.lastEmail = req
	return f.result, f.err
}

type fakeApprovals struct {
	views   map[string]approval.SessionView
	lastIn  approval.DecisionInput
	outcome *approval.Outcome
	err     error
}

func (f *fakeApprovals) Pending(sessionID string) (approval.SessionView, bool) {
	v, ok := f.views[sessionID]
	return v, ok
}

func (f *fakeApprovals) Decide(ctx context.Context, sessionID string, in approval.DecisionInput) (*approval.Outcome, error) {
	f.lastIn = in
	return f.outcome, f.err
}

type fakeLibrary struct {
	templates []*models.Template
	reloadErr error
	reloads   int
}

func (f *fakeLibrary) List() []*models.Template { return f.templates }

func (f *fakeLibrary) ByIntent(intent string) []*models.Template {
	var out []*models.Template
	for _, t := range f.templates {
		if t.Intent == intent {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeLibrary) Reload() error {
	f.reloads++
	return f.reloadErr
}

type fixture struct {
	compiler  *fakeCompiler
	approvals *fakeApprovals
	library   *fakeLibrary
	recorder  *audit.MemoryRecorder
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		compiler: &fakeCompiler{result: &compiler.Result{
			Interpretation: &models.Interpretation{ID: "i-1", SessionID: "s-1"},
			State:          compiler.StateCompleted,
			Outcome:        compiler.StatePendingApproval,
		}},
		approvals: &fakeApprovals{views: map[string]approval.SessionView{}},
		library: &fakeLibrary{templates: []*models.Template{
			{ID: "maintenance_scheduling", Intent: "maintenance_scheduling", Method: "POST", Endpoint: "/maintenance"},
			{ID: "vehicle_reservation", Intent: "vehicle_reservation", Method: "POST", Endpoint: "/reservations"},
		}},
		recorder: audit.NewMemoryRecorder(),
	}
	srv := NewServer(Deps{
		Compiler:  f.compiler,
		Approvals: f.approvals,
		Templates: f.library,
		Recorder:  f.recorder,
	}, Options{}, logger.NewTestLogger(t))
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ==========================
// Compile
// ==========================

func TestCompile_Success(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/compile", "application/json", `{"text":"book F-123","session_id":"s-1","user_id":"u-1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "book F-123", f.compiler.lastRequest.Text)
	assert.Equal(t, models.SourceCommand, f.compiler.lastRequest.Source)
	body := decodeBody(t, rec)
	assert.Equal(t, "pending_approval", body["outcome"])
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestCompile_FailureCarriesResult(t *testing.T) {
	f := newFixture(t)
	stdErr := apperrors.WithStage(apperrors.NewTemplateNotFoundError("fuel_card"), apperrors.StageTemplate)
	f.compiler.result = &compiler.Result{
		Interpretation: &models.Interpretation{ID: "i-2"},
		State:          compiler.StateFailed,
		Error:          stdErr,
	}
	f.compiler.err = stdErr

	rec := f.do(http.MethodPost, "/v1/compile", "application/json", `{"text":"fuel card please"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["state"])
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "template_not_found", errBody["stage"])
}

func TestCompile_MalformedBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/compile", "application/json", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompileEmail_RawAndJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/compile/email?session_id=s-5", "message/rfc822", "Subject: x\n\nbook F-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Subject: x\n\nbook F-1", f.compiler.lastEmail.Raw)
	assert.Equal(t, "s-5", f.compiler.lastEmail.SessionID)

	rec = f.do(http.MethodPost, "/v1/compile/email", "application/json", `{"raw":"book F-2","session_id":"s-6"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "book F-2", f.compiler.lastEmail.Raw)
}

// ==========================
// Approvals
// ==========================

func TestPending(t *testing.T) {
	f := newFixture(t)
	f.approvals.views["s-1"] = approval.SessionView{SessionID: "s-1", State: approval.StateAwaitingDecision}

	rec := f.do(http.MethodGet, "/v1/sessions/s-1/pending", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "awaiting_decision", decodeBody(t, rec)["state"])

	rec = f.do(http.MethodGet, "/v1/sessions/nope/pending", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		outcome    *approval.Outcome
		err        error
		wantStatus int
	}{
		{
			name:       "approved",
			outcome:    &approval.Outcome{SessionID: "s-1", State: approval.StateApprovedExecuting, Executed: true},
			wantStatus: http.StatusOK,
		},
		{
			name:       "stale interpretation",
			err:        apperrors.NewApprovalStateError("stale"),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "edit failed validation",
			outcome:    &approval.Outcome{SessionID: "s-1", State: approval.StateAwaitingDecision},
			err:        apperrors.WithStage(apperrors.NewValidationFailedError([]string{"bad"}), apperrors.StageValidation),
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.approvals.outcome = tt.outcome
			f.approvals.err = tt.err

			rec := f.do(http.MethodPost, "/v1/sessions/s-1/decision", "application/json",
				`{"interpretation_id":"i-1","kind":"approved","user_id":"u-1"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "i-1", f.approvals.lastIn.InterpretationID)
			assert.Equal(t, models.DecisionApproved, f.approvals.lastIn.Kind)
		})
	}
}

// ==========================
// Audit / Templates / Health
// ==========================

func TestHistory(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.recorder.Record(context.Background(), audit.Event{Type: audit.EventApprovalPending, InterpretationID: "i-1"}))

	rec := f.do(http.MethodGet, "/v1/interpretations/i-1/audit", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["events"], 1)

	rec = f.do(http.MethodGet, "/v1/interpretations/none/audit", "", "")
	assert.Len(t, decodeBody(t, rec)["events"], 0)
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/templates", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["templates"], 2)

	rec = f.do(http.MethodGet, "/v1/templates?intent=vehicle_reservation", "", "")
	list := decodeBody(t, rec)["templates"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "vehicle_reservation", list[0].(map[string]interface{})["id"])
}

func TestReloadTemplates(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/templates/reload", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.library.reloads)

	f.library.reloadErr = apperrors.NewTemplateCycleError([]string{"a", "b", "a"})
	rec = f.do(http.MethodPost, "/v1/templates/reload", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
