package orchestration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/metadata"
)

func newChatService(t *testing.T, repo *metadata.Repository, gateway *fakeGateway, cfg *Config) (*ChatService, *ContextCache) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cache := NewContextCache()
	t.Cleanup(cache.Close)

	executor := NewExecutor(repo, NewTerminationJudge(gateway), cfg)
	executor.retryDelay = 0

	service := NewChatService(ChatServiceOptions{
		Repository: repo,
		Cache:      cache,
		Resolver:   NewIntentResolver(gateway),
		Planner:    NewPlanner(gateway),
		Executor:   executor,
		Analyzer:   NewErrorAnalyzer(gateway, repo),
		Formatter:  PlainFormatter{},
		Config:     cfg,
	})
	return service, cache
}

func embedDown(string) ([]float64, error) { return nil, errors.New("embeddings down") }

func TestProcessSingleStepSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn:   embedDown,
		responses: []string{planJSON(PlanStep{Endpoint: "GET /status", Params: map[string]interface{}{}})},
	}
	cfg := DefaultConfig()
	cfg.JudgeEnabled = false
	service, _ := newChatService(t, repo, gateway, cfg)

	response, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "is the service up",
		UserID:    "u1",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !response.Success {
		t.Fatalf("response failed: %s", response.Error)
	}
	data, ok := response.Data.(map[string]interface{})
	if !ok || data["status"] != "ok" {
		t.Errorf("data = %v", response.Data)
	}
	if response.ExecutionDetails.StepsExecuted != 1 {
		t.Errorf("steps executed = %d", response.ExecutionDetails.StepsExecuted)
	}
}

func TestProcessTwoStepCrossReference(t *testing.T) {
	var forecastCalled atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cities" {
			_, _ = w.Write([]byte(`[{"id": 7, "name": "Oslo"}]`))
			return
		}
		if r.URL.Path == "/forecast/7" {
			forecastCalled.Store(true)
			_, _ = w.Write([]byte(`{"tomorrow": "rain"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn: embedDown,
		responses: []string{
			planJSON(
				PlanStep{Endpoint: "GET /cities", Params: map[string]interface{}{"name": "Oslo"}},
				PlanStep{Endpoint: "GET /forecast/{cityId}", Params: map[string]interface{}{
					"cityId": "$.steps[0].response[0].id",
				}},
			),
			"NO", // judge after step 1
		},
	}
	service, _ := newChatService(t, repo, gateway, nil)

	response, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "weather forecast for Oslo",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !response.Success {
		t.Fatalf("response failed: %s", response.Error)
	}
	if !forecastCalled.Load() {
		t.Error("second step never reached the server")
	}
	data := response.Data.(map[string]interface{})
	if data["tomorrow"] != "rain" {
		t.Errorf("data = %v", data)
	}
}

func TestProcessEarlyTermination(t *testing.T) {
	var forecastCalled atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cities" {
			_, _ = w.Write([]byte(`[{"id": 7, "name": "Oslo"}]`))
			return
		}
		forecastCalled.Store(true)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn: embedDown,
		responses: []string{
			planJSON(
				PlanStep{Endpoint: "GET /cities", Params: map[string]interface{}{"name": "Oslo"}},
				PlanStep{Endpoint: "GET /forecast/{cityId}", Params: map[string]interface{}{
					"cityId": "$.steps[0].response[0].id",
				}},
			),
			"YES", // judge after step 1
		},
	}
	service, _ := newChatService(t, repo, gateway, nil)

	response, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "what is Oslo's city id",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !response.Success {
		t.Fatalf("response failed: %s", response.Error)
	}
	if !response.ExecutionDetails.EarlyTermination {
		t.Error("early termination not recorded")
	}
	if response.ExecutionDetails.StepsExecuted != 1 {
		t.Errorf("steps executed = %d, want 1", response.ExecutionDetails.StepsExecuted)
	}
	if forecastCalled.Load() {
		t.Error("unnecessary step still executed")
	}
}

func TestProcessHealsAndRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// First run: the API actually requires a country parameter.
			http.Error(w, `{"detail": "country is required"}`, http.StatusUnprocessableEntity)
			return
		}
		if r.URL.Query().Get("country") == "" {
			t.Errorf("healed parameter missing on retry: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id": 7, "name": "Oslo"}]`))
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn: embedDown,
		responses: []string{
			// Attempt 1: plan, then step fails with 422.
			planJSON(PlanStep{Endpoint: "GET /cities", Params: map[string]interface{}{"name": "Oslo"}}),
			// Healer: metadata deltas, then retry decision.
			`{"missingParameters": [{"endpointPath": "/cities", "method": "GET",
			  "parameterName": "country", "parameterType": "string", "isRequired": false,
			  "location": "query", "description": "ISO country code"}],
			  "parameterCorrections": [], "errorMessages": []}`,
			`{"shouldRetry": true, "correctedQuery": "find the city Oslo in Norway", "analysis": "missing country"}`,
			// Attempt 2: plan now includes the healed parameter.
			planJSON(PlanStep{Endpoint: "GET /cities", Params: map[string]interface{}{
				"name": "Oslo", "country": "NO",
			}}),
		},
	}
	cfg := DefaultConfig()
	cfg.JudgeEnabled = false
	service, _ := newChatService(t, repo, gateway, cfg)

	response, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "find the city Oslo",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !response.Success {
		t.Fatalf("response failed: %s", response.Error)
	}
	if response.ExecutionDetails.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", response.ExecutionDetails.RetryCount)
	}

	// The healed parameter must persist in the catalog.
	detail, err := repo.FindEndpoint(context.Background(), projectID, "GET", "/cities")
	if err != nil {
		t.Fatalf("FindEndpoint: %v", err)
	}
	if detail.Parameter("country") == nil {
		t.Error("healed parameter not persisted")
	}
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "nope"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	emptyDeltas := `{"missingParameters": [], "parameterCorrections": [], "errorMessages": []}`
	retry := `{"shouldRetry": true, "correctedQuery": "try differently", "analysis": "retry"}`
	plan := planJSON(PlanStep{Endpoint: "GET /status", Params: map[string]interface{}{}})
	gateway := &fakeGateway{
		embedFn: embedDown,
		responses: []string{
			plan, emptyDeltas, retry, // attempt 0
			plan, emptyDeltas, retry, // attempt 1
			plan, emptyDeltas, // attempt 2: budget spent, no retry decision
		},
	}
	cfg := DefaultConfig()
	cfg.JudgeEnabled = false
	service, _ := newChatService(t, repo, gateway, cfg)

	response, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "status",
	})
	if err != nil {
		t.Fatalf("Process returned transport error: %v", err)
	}
	if response.Success {
		t.Fatal("exhausted run reported success")
	}
	if response.ExecutionDetails.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", response.ExecutionDetails.RetryCount)
	}
	if !strings.Contains(response.Error, core.ErrRetryBudgetSpent.Error()) {
		t.Errorf("error = %q, want retry budget exhaustion", response.Error)
	}
}

func TestProcessStreamProgressSequence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn:   embedDown,
		responses: []string{planJSON(PlanStep{Endpoint: "GET /status", Params: map[string]interface{}{}})},
	}
	cfg := DefaultConfig()
	cfg.JudgeEnabled = false
	service, _ := newChatService(t, repo, gateway, cfg)

	var updates []ChatStreamUpdate
	response, err := service.ProcessStream(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "status",
	}, func(u ChatStreamUpdate) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("ProcessStream failed: %v", err)
	}
	if !response.Success {
		t.Fatalf("response failed: %s", response.Error)
	}

	if len(updates) == 0 {
		t.Fatal("no stream updates emitted")
	}
	last := updates[len(updates)-1]
	if last.Type != UpdateCompleted || last.Progress != progressDone {
		t.Errorf("final update = %+v", last)
	}

	prev := -1
	sawStep := false
	for _, u := range updates {
		if u.Type == UpdateStepCompleted {
			sawStep = true
			if u.Step != 1 || u.TotalSteps != 1 {
				t.Errorf("step update = %+v", u)
			}
		}
		if u.Progress < prev {
			t.Errorf("progress went backwards: %d after %d", u.Progress, prev)
		}
		prev = u.Progress
	}
	if !sawStep {
		t.Error("no step_completed update")
	}
}

func TestProcessStreamErrorUpdate(t *testing.T) {
	repo, _, err := seedProject("https://api.example.com")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{embedFn: embedDown}
	service, _ := newChatService(t, repo, gateway, nil)

	var last ChatStreamUpdate
	response, err := service.ProcessStream(context.Background(), ChatRequest{
		ProjectID: 9999,
		Message:   "anything",
	}, func(u ChatStreamUpdate) { last = u })
	if err != nil {
		t.Fatalf("ProcessStream returned transport error: %v", err)
	}
	if response.Success {
		t.Fatal("unknown project reported success")
	}
	if last.Type != UpdateError {
		t.Errorf("final update type = %s, want error", last.Type)
	}
}

func TestProcessHealsPlanningFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn: embedDown,
		responses: []string{
			// Attempt 1: the model plans against an endpoint the catalog
			// does not have.
			planJSON(PlanStep{Endpoint: "GET /nope", Params: map[string]interface{}{}}),
			// Retry analyst rephrases; no step executed, so no deltas pass.
			`{"shouldRetry": true, "correctedQuery": "check whether the service is up", "analysis": "plan used an unknown operation"}`,
			// Attempt 2: a valid plan.
			planJSON(PlanStep{Endpoint: "GET /status", Params: map[string]interface{}{}}),
		},
	}
	cfg := DefaultConfig()
	cfg.JudgeEnabled = false
	service, _ := newChatService(t, repo, gateway, cfg)

	response, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "is it up",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !response.Success {
		t.Fatalf("response failed: %s", response.Error)
	}
	if response.ExecutionDetails.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", response.ExecutionDetails.RetryCount)
	}
	if len(gateway.prompts) != 3 {
		t.Fatalf("gateway saw %d calls, want 3", len(gateway.prompts))
	}
	if !strings.Contains(gateway.prompts[2].User, "check whether the service is up") {
		t.Error("second planning pass did not use the corrected query")
	}
}

func TestProcessServesRepeatedQueryFromCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn:   embedDown,
		responses: []string{planJSON(PlanStep{Endpoint: "GET /status", Params: map[string]interface{}{}})},
	}
	cfg := DefaultConfig()
	cfg.JudgeEnabled = false
	service, _ := newChatService(t, repo, gateway, cfg)

	request := ChatRequest{ProjectID: projectID, Message: "Service status", UserID: "u1"}
	first, err := service.Process(context.Background(), request)
	if err != nil || !first.Success {
		t.Fatalf("first call failed: %v / %+v", err, first)
	}
	calls := len(gateway.prompts)

	// Same question, different whitespace and casing.
	second, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID, Message: "  service   STATUS ", UserID: "u1",
	})
	if err != nil || !second.Success {
		t.Fatalf("second call failed: %v / %+v", err, second)
	}
	if len(gateway.prompts) != calls {
		t.Errorf("repeated query re-ran the pipeline: %d LLM calls, want %d", len(gateway.prompts), calls)
	}
	data := second.Data.(map[string]interface{})
	if data["status"] != "ok" {
		t.Errorf("cached data = %v", second.Data)
	}

	// A different user must not see the cached entry.
	if _, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID, Message: "service status", UserID: "u2",
	}); err != nil {
		t.Fatalf("third call failed: %v", err)
	}
	if len(gateway.prompts) == calls {
		t.Error("cache served a response across users")
	}
}

type fakeHistory struct {
	entries  []ContextEntry
	appended []ContextEntry
}

func (f *fakeHistory) Append(ctx context.Context, userID string, entry ContextEntry) error {
	f.appended = append(f.appended, entry)
	return nil
}

func (f *fakeHistory) Recent(ctx context.Context, userID string, limit int) ([]ContextEntry, error) {
	return f.entries, nil
}

func TestProcessHydratesSessionFromDurableHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn:   embedDown,
		responses: []string{planJSON(PlanStep{Endpoint: "GET /status", Params: map[string]interface{}{}})},
	}
	cfg := DefaultConfig()
	cfg.JudgeEnabled = false
	cache := NewContextCache()
	t.Cleanup(cache.Close)
	executor := NewExecutor(repo, nil, cfg)
	executor.retryDelay = 0
	history := &fakeHistory{entries: []ContextEntry{{
		Query:     "service status please",
		ProjectID: projectID,
	}}}

	service := NewChatService(ChatServiceOptions{
		Repository: repo,
		Cache:      cache,
		History:    history,
		Resolver:   NewIntentResolver(gateway),
		Planner:    NewPlanner(gateway),
		Executor:   executor,
		Formatter:  PlainFormatter{},
		Config:     cfg,
	})

	// Fresh process, empty in-memory session: the durable history must
	// feed the planner's context.
	response, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "status again",
		UserID:    "u1",
	})
	if err != nil || !response.Success {
		t.Fatalf("Process failed: %v / %+v", err, response)
	}
	if !strings.Contains(gateway.prompts[0].User, "service status please") {
		t.Error("durable history entry missing from planning prompt")
	}
	if len(history.appended) != 1 {
		t.Errorf("durable history got %d writes, want 1", len(history.appended))
	}
}

func TestProcessRecordsSessionContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	repo, projectID, err := seedProject(server.URL)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	gateway := &fakeGateway{
		embedFn:   embedDown,
		responses: []string{planJSON(PlanStep{Endpoint: "GET /status", Params: map[string]interface{}{}})},
	}
	cfg := DefaultConfig()
	cfg.JudgeEnabled = false
	service, cache := newChatService(t, repo, gateway, cfg)

	if _, err := service.Process(context.Background(), ChatRequest{
		ProjectID: projectID,
		Message:   "service status please",
		UserID:    "u1",
	}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entries := cache.SessionEntries("u1")
	if len(entries) != 1 || entries[0].Query != "service status please" {
		t.Errorf("session entries = %+v", entries)
	}
	if relevant := cache.FindRelevantContext("u1", "status again", projectID); len(relevant) != 1 {
		t.Errorf("follow-up relevance found %d entries", len(relevant))
	}
}
