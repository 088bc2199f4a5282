package api_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-compiler/internal/api"
	"fleet-compiler/internal/approval"
	"fleet-compiler/internal/audit"
	fleethttp "fleet-compiler/internal/common/http"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/compiler"
	"fleet-compiler/internal/generator"
	"fleet-compiler/internal/llm"
	"fleet-compiler/internal/models"
	"fleet-compiler/internal/nlp"
	"fleet-compiler/internal/templates"
	"fleet-compiler/internal/validation"
)

// ==========================
// Test Helpers
// ==========================

// modelServer answers /api/generate like an Ollama server, choosing the
// payload by the stage the prompt belongs to.
func modelServer(t *testing.T, start, end time.Time, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var payload map[string]interface{}
		switch {
		case strings.HasPrefix(req.Prompt, "Classify"):
			payload = map[string]interface{}{"intent": "vehicle_reservation", "confidence": 0.94}
		case strings.HasPrefix(req.Prompt, "Extract"):
			payload = map[string]interface{}{
				"entities": map[string]interface{}{
					"vehicle_id": map[string]interface{}{"value": "f-123", "confidence": 0.95},
					"start_time": start.Format(time.RFC3339),
					"end_time":   end.Format(time.RFC3339),
					"purpose":    "site visit",
				},
				"confidence": 0.9,
			}
		case strings.HasPrefix(req.Prompt, "Assess"):
			payload = map[string]interface{}{
				"reasoning_steps": []string{"vehicle exists", "window is in the future"},
				"conclusion":      "routine reservation",
				"confidence":      0.93,
				"recommendation":  "proceed",
				"risk_level":      "low",
			}
		default:
			http.Error(w, "unexpected prompt", http.StatusBadRequest)
			return
		}
		out, _ := json.Marshal(payload)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"model": "test", "response": string(out), "done": true})
	}))
}

type fleetAPI struct {
	mu           sync.Mutex
	reservations []map[string]interface{}
	auth         []string
}

func (f *fleetAPI) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/vehicles/F-123":
			fmt.Fprint(w, `{"id":"F-123","status":"active"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/reservations":
			data, _ := io.ReadAll(r.Body)
			var body map[string]interface{}
			_ = json.Unmarshal(data, &body)
			f.mu.Lock()
			f.reservations = append(f.reservations, body)
			f.mu.Unlock()
			fmt.Fprint(w, `{"reservation_id":"R-77","status":"confirmed"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"not found"}`)
		}
	}))
}

func post(t *testing.T, url, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func get(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// ==========================
// End to End
// ==========================

func TestEndToEnd_CompileApproveExecute(t *testing.T) {
	log := logger.NewTestLogger(t)
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	end := start.Add(8 * time.Hour)

	var modelCalls int32
	model := modelServer(t, start, end, &modelCalls)
	defer model.Close()

	fleet := &fleetAPI{}
	fleetSrv := fleet.server()
	defer fleetSrv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := templates.NewStore(templates.DirectorySource(filepath.Join("..", "..", "configs", "templates")), templates.Options{
		Checker: func(tm *models.Template) error {
			if err := generator.CheckTemplate(tm); err != nil {
				return err
			}
			return validation.CheckSchema(tm)
		},
	}, log)
	require.NoError(t, store.Load())

	cache := nlp.NewTieredCache(nlp.NewMemoryCache(64, time.Minute), nlp.NewRedisCache(rdb, time.Minute, log))
	nlpOpts := nlp.Options{Timeout: 5 * time.Second, Cache: cache}
	modelClient := llm.NewClient(&llm.Config{BaseURL: model.URL, Model: "test", Timeout: 5 * time.Second}, log)
	fleetClient := fleethttp.NewClient(fleethttp.Config{BaseURL: fleetSrv.URL, APIKey: "secret", Timeout: 5 * time.Second}, log)

	recorder := audit.NewMemoryRecorder()
	gen := generator.New(time.UTC, log)
	val := validation.NewValidator(fleetClient, validation.Options{Timeout: 5 * time.Second}, log)
	gate := approval.NewGate(approval.Deps{
		Generator: gen,
		Validator: val,
		Executor:  fleetClient,
		Recorder:  recorder,
	}, approval.Config{ExecTimeout: 5 * time.Second}, log)

	comp := compiler.New(compiler.Deps{
		Classifier: nlp.NewClassifier(modelClient, store.Intents(), nlpOpts, log),
		Extractor:  nlp.NewExtractor(modelClient, store.Fields, nlpOpts, log),
		Reasoner:   nlp.NewReasoner(modelClient, nlpOpts, log),
		Templates:  store,
		Generator:  gen,
		Validator:  val,
		Executor:   fleetClient,
		Approvals:  gate,
		Recorder:   recorder,
	}, compiler.Config{ConfidenceThreshold: 0.95, AutoApprove: true, ExecTimeout: 5 * time.Second}, log)

	srv := httptest.NewServer(api.NewServer(api.Deps{
		Compiler:  comp,
		Approvals: gate,
		Templates: store,
		Recorder:  recorder,
	}, api.Options{}, log).Handler())
	defer srv.Close()

	// compile: aggregate 0.9 is below 0.95, so it waits for approval
	status, result := post(t, srv.URL+"/v1/compile", `{"text":"Book F-123 for a site visit the day after tomorrow","session_id":"s-1","user_id":"dispatcher"}`)
	require.Equal(t, http.StatusOK, status, "body: %v", result)
	assert.Equal(t, "pending_approval", result["outcome"])

	interp := result["interpretation"].(map[string]interface{})
	assert.InDelta(t, 0.9, interp["confidence"], 1e-9)
	request := interp["request"].(map[string]interface{})
	assert.Equal(t, "/reservations", request["endpoint"])
	body := request["body"].(map[string]interface{})
	assert.Equal(t, "F-123", body["vehicle"].(map[string]interface{})["id"])
	assert.Equal(t, "fleet-compiler", body["source"])
	interpID := interp["id"].(string)

	// pending
	status, view := get(t, srv.URL+"/v1/sessions/s-1/pending")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "awaiting_decision", view["state"])

	// approve
	status, outcome := post(t, srv.URL+"/v1/sessions/s-1/decision",
		fmt.Sprintf(`{"interpretation_id":%q,"kind":"approved","user_id":"supervisor"}`, interpID))
	require.Equal(t, http.StatusOK, status, "body: %v", outcome)
	assert.Equal(t, true, outcome["executed"])
	assert.Equal(t, "R-77", outcome["response"].(map[string]interface{})["reservation_id"])

	fleet.mu.Lock()
	require.Len(t, fleet.reservations, 1)
	reservation := fleet.reservations[0]["reservation"].(map[string]interface{})
	assert.Equal(t, start.Format(time.RFC3339), reservation["start_time"])
	assert.Equal(t, "site visit", reservation["purpose"])
	assert.Contains(t, fleet.auth, "Bearer secret")
	fleet.mu.Unlock()

	// audit trail
	status, history := get(t, srv.URL+"/v1/interpretations/"+interpID+"/audit")
	require.Equal(t, http.StatusOK, status)
	var types []string
	for _, e := range history["events"].([]interface{}) {
		types = append(types, e.(map[string]interface{})["event_type"].(string))
	}
	assert.ElementsMatch(t, []string{
		string(audit.EventApprovalPending),
		string(audit.EventInterpretationCompleted),
		string(audit.EventApprovalDecision),
		string(audit.EventExecutionResult),
	}, types)

	// the same text again is served from the response cache
	status, _ = post(t, srv.URL+"/v1/compile", `{"text":"Book F-123 for a site visit the day after tomorrow","session_id":"s-2"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&modelCalls))
}
