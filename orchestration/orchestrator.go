package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/metadata"
	"github.com/apiweaver/apiweaver/telemetry"
)

// Progress checkpoints for streamed updates.
const (
	progressResolving  = 10
	progressContext    = 20
	progressPlanning   = 30
	progressValidated  = 40
	progressFormatting = 85
	progressDone       = 100
)

// ChatService runs the full pipeline for one request: resolve intent,
// plan, execute, judge, and heal-and-retry within the configured budget.
type ChatService struct {
	repo      *metadata.Repository
	cache     *ContextCache
	history   HistoryStore
	resolver  *IntentResolver
	planner   *Planner
	executor  *Executor
	analyzer  *ErrorAnalyzer
	formatter ResponseFormatter
	config    *Config
	logger    core.Logger
}

// ChatServiceOptions wires a ChatService.
type ChatServiceOptions struct {
	Repository *metadata.Repository
	Cache      *ContextCache
	History    HistoryStore
	Resolver   *IntentResolver
	Planner    *Planner
	Executor   *Executor
	Analyzer   *ErrorAnalyzer
	Formatter  ResponseFormatter
	Config     *Config
}

// NewChatService creates the orchestrating service.
func NewChatService(opts ChatServiceOptions) *ChatService {
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if opts.History == nil {
		opts.History = NoOpHistoryStore{}
	}
	if opts.Formatter == nil {
		opts.Formatter = PlainFormatter{}
	}
	return &ChatService{
		repo:      opts.Repository,
		cache:     opts.Cache,
		history:   opts.History,
		resolver:  opts.Resolver,
		planner:   opts.Planner,
		executor:  opts.Executor,
		analyzer:  opts.Analyzer,
		formatter: opts.Formatter,
		config:    opts.Config,
	}
}

// SetLogger sets the logger provider.
func (s *ChatService) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
	} else {
		s.logger = logger
	}
}

// Process runs a request to completion without progressive updates.
func (s *ChatService) Process(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return s.run(ctx, req, nil)
}

// ProcessStream runs a request, emitting progressive updates as the
// pipeline advances. The final update is always "completed" or "error",
// and the terminal ChatResponse is also returned.
func (s *ChatService) ProcessStream(ctx context.Context, req ChatRequest, emit func(ChatStreamUpdate)) (*ChatResponse, error) {
	return s.run(ctx, req, emit)
}

func (s *ChatService) run(ctx context.Context, req ChatRequest, emit func(ChatStreamUpdate)) (*ChatResponse, error) {
	requestID := uuid.New().String()
	start := time.Now()
	sessionKey := sessionKeyFor(req.UserID)
	responseKey := responseCacheKey(req.ProjectID, req.Message, req.UserID)

	if s.logger != nil {
		s.logger.Info("Processing chat request", map[string]interface{}{
			"operation":  "chat_request",
			"request_id": requestID,
			"project_id": req.ProjectID,
			"user_id":    req.UserID,
		})
	}
	telemetry.Counter("chat.requests")

	if s.cache != nil {
		if cached, ok := s.cache.GetResponse(responseKey); ok {
			if prior, ok := cached.(*ChatResponse); ok {
				return s.replay(prior, requestID, start, emit), nil
			}
		}
		s.hydrateSession(ctx, sessionKey, req.UserID)
	}

	query := req.Message
	details := ExecutionDetails{}

	var lastFailure *StepResult
	var lastErr error

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			details.RetryCount = attempt
			telemetry.Counter("chat.retries")
			if s.logger != nil {
				s.logger.Info("Retrying with corrected query", map[string]interface{}{
					"operation":  "chat_retry",
					"request_id": requestID,
					"attempt":    attempt,
					"query":      query,
				})
			}
		}

		outcome, planSteps, err := s.attempt(ctx, req.ProjectID, sessionKey, query, req.Auth, emit)
		if err == nil {
			details.PlanSteps = planSteps
			details.StepsExecuted = len(outcome.Results)
			details.EarlyTermination = outcome.EarlyTermination
			details.TerminationReason = outcome.TerminationReason
			return s.succeed(ctx, req, requestID, responseKey, sessionKey, outcome, details, start, emit)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return s.fail(req, details, start, fmt.Errorf("%w: %v", core.ErrRequestCancelled, err), emit)
		}

		lastErr = err
		lastFailure = nil
		if outcome != nil {
			details.PlanSteps = planSteps
			details.StepsExecuted = len(outcome.Results)
			lastFailure = failedStep(outcome)
		}

		if s.analyzer == nil {
			break
		}
		if lastFailure != nil {
			deltas := s.analyzer.ProposeDeltas(ctx, req.ProjectID, *lastFailure)
			s.analyzer.ApplyDeltas(ctx, req.ProjectID, deltas)
		} else if !isPlanningFailure(err) {
			// Everything else (unknown project, empty catalog, cancelled
			// context) cannot improve on a retry.
			break
		}

		if attempt == s.config.MaxRetries {
			break
		}
		failure := StepResult{Error: err.Error()}
		if lastFailure != nil {
			failure = *lastFailure
		}
		decision := s.analyzer.DecideRetry(ctx, query, failure)
		if !decision.ShouldRetry {
			break
		}
		query = decision.CorrectedQuery
	}

	if details.RetryCount > 0 && details.RetryCount >= s.config.MaxRetries {
		lastErr = fmt.Errorf("%w: %v", core.ErrRetryBudgetSpent, lastErr)
	}
	return s.fail(req, details, start, lastErr, emit)
}

// isPlanningFailure reports whether an attempt failed before any step ran,
// for a reason a corrected query could plausibly fix.
func isPlanningFailure(err error) bool {
	return errors.Is(err, core.ErrPlanInvalid) || errors.Is(err, core.ErrNoSuitablePlan)
}

// hydrateSession seeds an empty in-process session from the durable history
// store, so conversation context survives process restarts.
func (s *ChatService) hydrateSession(ctx context.Context, sessionKey, userID string) {
	if len(s.cache.SessionEntries(sessionKey)) > 0 {
		return
	}
	entries, err := s.history.Recent(ctx, userID, maxRelevantEntries)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("History read failed", map[string]interface{}{
				"operation": "history_read",
				"error":     err.Error(),
			})
		}
		return
	}
	// Recent returns newest first; append oldest first so the session
	// keeps its newest-first order.
	for i := len(entries) - 1; i >= 0; i-- {
		s.cache.AppendSessionEntry(sessionKey, entries[i])
	}
}

// replay serves a repeated query from the response cache.
func (s *ChatService) replay(prior *ChatResponse, requestID string, start time.Time, emit func(ChatStreamUpdate)) *ChatResponse {
	response := *prior
	response.ExecutionDetails.ExecutionTimeMs = time.Since(start).Milliseconds()

	s.emit(emit, ChatStreamUpdate{
		Type:            UpdateCompleted,
		Message:         response.Message,
		Progress:        progressDone,
		Data:            &response,
		ExecutionTimeMs: response.ExecutionDetails.ExecutionTimeMs,
		Timestamp:       time.Now().UTC(),
	})

	telemetry.Counter("chat.cache_hits")
	if s.logger != nil {
		s.logger.Info("Served from response cache", map[string]interface{}{
			"operation":  "chat_request",
			"request_id": requestID,
		})
	}
	return &response
}

// attempt runs one full resolve-plan-execute pass.
func (s *ChatService) attempt(ctx context.Context, projectID int, sessionKey, query string, auth *AuthBlob, emit func(ChatStreamUpdate)) (*ExecutionOutcome, int, error) {
	catalog, err := s.repo.ListEndpointDetails(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}
	if len(catalog) == 0 {
		return nil, 0, core.ErrEmptyCatalog
	}
	s.emitPlanning(emit, progressResolving, "Understanding your request")

	var relevant []ScoredEntry
	if s.cache != nil {
		relevant = s.cache.FindRelevantContext(sessionKey, query, projectID)
	}
	s.emitPlanning(emit, progressContext, "Gathering conversation context")

	candidates := s.resolver.Resolve(ctx, query, catalog)
	s.emitPlanning(emit, progressPlanning, "Selecting API operations")

	hints, err := s.repo.LinkHints(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}

	plan, err := s.planner.Plan(ctx, query, candidates, catalog, hints, relevant)
	if err != nil {
		return nil, 0, err
	}
	s.emitPlanning(emit, progressValidated, fmt.Sprintf("Plan ready with %d steps", len(plan.Steps)))

	totalSteps := len(plan.Steps)
	outcome, err := s.executor.ExecutePlan(ctx, projectID, query, plan, auth, func(result StepResult) {
		if emit == nil || !result.Success {
			return
		}
		emit(ChatStreamUpdate{
			Type:       UpdateStepCompleted,
			Step:       result.Index + 1,
			TotalSteps: totalSteps,
			Message:    fmt.Sprintf("Completed %s", result.Endpoint),
			Progress:   progressValidated + (progressValidated*(result.Index+1))/totalSteps,
			Timestamp:  time.Now().UTC(),
		})
	})
	return outcome, totalSteps, err
}

func (s *ChatService) succeed(ctx context.Context, req ChatRequest, requestID, responseKey, sessionKey string, outcome *ExecutionOutcome, details ExecutionDetails, start time.Time, emit func(ChatStreamUpdate)) (*ChatResponse, error) {
	data := outcome.FinalData()

	s.emit(emit, ChatStreamUpdate{
		Type:      UpdateFormatting,
		Message:   "Formatting the answer",
		Progress:  progressFormatting,
		Timestamp: time.Now().UTC(),
	})

	formatted, err := s.formatter.Format(ctx, req.Message, data)
	if err != nil {
		formatted = "Request completed successfully."
	}

	details.ExecutionTimeMs = time.Since(start).Milliseconds()
	response := &ChatResponse{
		Success:           true,
		Message:           formatted,
		Data:              data,
		FormattedResponse: formatted,
		ExecutionDetails:  details,
	}

	entry := ContextEntry{
		Query:     req.Message,
		Response:  data,
		ProjectID: req.ProjectID,
		Timestamp: time.Now().UTC(),
	}
	if s.cache != nil {
		s.cache.StoreResponse(responseKey, response)
		s.cache.AppendSessionEntry(sessionKey, entry)
		s.cache.AppendHistoryEntry(sessionKey, entry)
	}
	if err := s.history.Append(ctx, req.UserID, entry); err != nil && s.logger != nil {
		s.logger.Warn("History write failed", map[string]interface{}{
			"operation": "history_write",
			"error":     err.Error(),
		})
	}

	s.emit(emit, ChatStreamUpdate{
		Type:            UpdateCompleted,
		Message:         formatted,
		Progress:        progressDone,
		Data:            response,
		ExecutionTimeMs: details.ExecutionTimeMs,
		Timestamp:       time.Now().UTC(),
	})

	telemetry.Counter("chat.completed")
	telemetry.Duration("chat.duration_ms", start)
	if s.logger != nil {
		s.logger.Info("Chat request completed", map[string]interface{}{
			"operation":      "chat_request",
			"request_id":     requestID,
			"steps_executed": details.StepsExecuted,
			"retries":        details.RetryCount,
			"duration_ms":    details.ExecutionTimeMs,
		})
	}
	return response, nil
}

func (s *ChatService) fail(req ChatRequest, details ExecutionDetails, start time.Time, err error, emit func(ChatStreamUpdate)) (*ChatResponse, error) {
	if err == nil {
		err = errors.New("request failed")
	}
	details.ExecutionTimeMs = time.Since(start).Milliseconds()

	message := userFacingError(err)
	response := &ChatResponse{
		Success:          false,
		Message:          message,
		Error:            err.Error(),
		ExecutionDetails: details,
	}

	s.emit(emit, ChatStreamUpdate{
		Type:            UpdateError,
		Message:         message,
		ExecutionTimeMs: details.ExecutionTimeMs,
		Timestamp:       time.Now().UTC(),
	})

	telemetry.Counter("chat.failed")
	if s.logger != nil {
		s.logger.Error("Chat request failed", map[string]interface{}{
			"operation":  "chat_request",
			"project_id": req.ProjectID,
			"error":      err.Error(),
			"retries":    details.RetryCount,
		})
	}
	return response, nil
}

func (s *ChatService) emitPlanning(emit func(ChatStreamUpdate), progress int, message string) {
	s.emit(emit, ChatStreamUpdate{
		Type:      UpdatePlanning,
		Message:   message,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	})
}

func (s *ChatService) emit(emit func(ChatStreamUpdate), update ChatStreamUpdate) {
	if emit != nil {
		emit(update)
	}
}

func failedStep(outcome *ExecutionOutcome) *StepResult {
	for i := range outcome.Results {
		if !outcome.Results[i].Success {
			return &outcome.Results[i]
		}
	}
	return nil
}

func sessionKeyFor(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return userID
}

// responseCacheKey identifies a response by project, normalized query and
// user, so the same question asked again within the response TTL is served
// from cache.
func responseCacheKey(projectID int, query, userID string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return fmt.Sprintf("%d|%s|%s", projectID, normalized, userID)
}

// userFacingError keeps raw internals out of the message shown to users.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, core.ErrProjectNotFound):
		return "The requested project does not exist."
	case errors.Is(err, core.ErrEmptyCatalog):
		return "This project has no API operations configured yet."
	case errors.Is(err, core.ErrNoSuitablePlan):
		return "I could not work out which API operations would satisfy that request."
	case errors.Is(err, core.ErrRetryBudgetSpent):
		return "The request kept failing after several attempts. Please try rephrasing it."
	case errors.Is(err, core.ErrRequestCancelled):
		return "The request was cancelled."
	case errors.Is(err, core.ErrStepFailed):
		return "One of the API calls failed: " + stepErrorText(err)
	default:
		return "Something went wrong while processing the request."
	}
}

// stepErrorText keeps only the innermost human-readable part of a wrapped
// step error.
func stepErrorText(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}
