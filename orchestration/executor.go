package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/metadata"
	"github.com/apiweaver/apiweaver/telemetry"
)

// genericStatusMessages backs error reporting when the catalog has no
// response message for a status.
var genericStatusMessages = map[int]string{
	400: "The request was invalid.",
	401: "Authentication is required for this operation.",
	403: "You do not have permission to perform this operation.",
	404: "The requested resource was not found.",
	422: "The request could not be processed with the given values.",
	429: "Too many requests. Please try again shortly.",
	500: "The service encountered an internal error.",
	502: "The upstream service returned an invalid response.",
	503: "The service is temporarily unavailable.",
}

// ExecutionOutcome is the result of running a plan: the per-step results
// plus whether the run stopped early because the intent was already
// satisfied.
type ExecutionOutcome struct {
	Results           []StepResult
	EarlyTermination  bool
	TerminationReason string
}

// FinalData returns the response of the last successful step, or nil.
func (o *ExecutionOutcome) FinalData() interface{} {
	for i := len(o.Results) - 1; i >= 0; i-- {
		if o.Results[i].Success {
			return o.Results[i].Response
		}
	}
	return nil
}

// Executor runs validated plans step by step: it interpolates cross-step
// references, builds and sends the HTTP request for each step, and maps
// failures to catalog response messages. Transient failures of a step get
// one extra attempt.
type Executor struct {
	repo       *metadata.Repository
	judge      *TerminationJudge
	config     *Config
	httpClient *http.Client
	logger     core.Logger

	// retryDelay scales the backoff between step attempts. Shortened in tests.
	retryDelay time.Duration
}

// NewExecutor creates an executor. judge may be nil to disable
// early-termination checks regardless of config.
func NewExecutor(repo *metadata.Repository, judge *TerminationJudge, config *Config) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Executor{
		repo:  repo,
		judge: judge,
		config: config,
		httpClient: &http.Client{
			Timeout:   config.StepTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retryDelay: time.Second,
	}
}

// SetLogger sets the logger provider.
func (e *Executor) SetLogger(logger core.Logger) {
	if logger == nil {
		e.logger = &core.NoOpLogger{}
	} else {
		e.logger = logger
	}
}

// ExecutePlan runs the plan's steps in order, stopping at the first failed
// step or when the judge decides the user's intent is already satisfied.
// onStep, when non-nil, is called after each step completes.
func (e *Executor) ExecutePlan(ctx context.Context, projectID int, query string, plan *ExecutionPlan, auth *AuthBlob, onStep func(StepResult)) (*ExecutionOutcome, error) {
	project, err := e.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	outcome := &ExecutionOutcome{}
	for i, step := range plan.Steps {
		result := e.executeStep(ctx, project, i, step, outcome.Results, auth)
		outcome.Results = append(outcome.Results, result)

		if onStep != nil {
			onStep(result)
		}

		if !result.Success {
			telemetry.Counter("executor.step_failures", "endpoint", step.Endpoint)
			return outcome, fmt.Errorf("%w: step %d (%s): %s", core.ErrStepFailed, i, step.Endpoint, result.Error)
		}

		final := i == len(plan.Steps)-1
		if !final && e.config.JudgeEnabled && e.judge != nil {
			satisfied, reason := e.judge.IntentSatisfied(ctx, query, outcome.Results, len(plan.Steps))
			if satisfied {
				outcome.Results[i].SatisfiesIntent = true
				outcome.EarlyTermination = true
				outcome.TerminationReason = reason
				telemetry.Counter("executor.early_terminations")
				if e.logger != nil {
					e.logger.Info("Plan terminated early", map[string]interface{}{
						"operation":       "early_termination",
						"steps_executed":  i + 1,
						"steps_planned":   len(plan.Steps),
						"reason":          reason,
					})
				}
				return outcome, nil
			}
		}
	}
	return outcome, nil
}

func (e *Executor) executeStep(ctx context.Context, project *metadata.Project, index int, step PlanStep, prior []StepResult, auth *AuthBlob) StepResult {
	start := time.Now()
	result := StepResult{Index: index, Endpoint: step.Endpoint}

	method, path, err := SplitEndpointLabel(step.Endpoint)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	detail, err := e.repo.FindEndpoint(ctx, project.ID, method, path)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	params, err := e.interpolateParams(step.Params, prior)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	req, err := e.buildRequest(ctx, project, detail, params, auth)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	resp, body, err := e.doWithRetry(ctx, req)
	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.StatusCode = resp.StatusCode
	result.Response = decodeBody(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
		return result
	}

	result.Error = e.failureMessage(ctx, project.ID, detail.ID, resp.StatusCode, body)
	return result
}

// interpolateParams replaces step references with values resolved from
// earlier step responses. Literal values pass through unchanged.
func (e *Executor) interpolateParams(params map[string]interface{}, prior []StepResult) (map[string]interface{}, error) {
	doc := referenceDocument(prior)

	resolved := make(map[string]interface{}, len(params))
	for name, value := range params {
		if !IsReference(value) {
			resolved[name] = value
			continue
		}
		ref := value.(string)
		if step, ok := ParseStepReference(ref); !ok || step >= len(prior) {
			return nil, fmt.Errorf("%w: %s does not address a completed step", core.ErrInterpolation, ref)
		}
		v, err := ResolvePath(ref, doc)
		if err != nil {
			return nil, err
		}
		resolved[name] = v
	}
	return resolved, nil
}

// referenceDocument shapes prior step results for JSONPath resolution:
// {"steps": [{"response": ..., "statusCode": ...}, ...]}.
func referenceDocument(prior []StepResult) interface{} {
	steps := make([]interface{}, len(prior))
	for i, r := range prior {
		steps[i] = map[string]interface{}{
			"response":   r.Response,
			"statusCode": float64(r.StatusCode),
		}
	}
	return map[string]interface{}{"steps": steps}
}

// buildRequest assembles the outbound HTTP request: path parameters are
// substituted into {name} placeholders, query and header parameters go to
// their locations, and body parameters become a JSON object for methods
// that carry one. Parameters the endpoint does not declare are dropped.
func (e *Executor) buildRequest(ctx context.Context, project *metadata.Project, detail *metadata.EndpointDetail, params map[string]interface{}, auth *AuthBlob) (*http.Request, error) {
	baseURL := project.BaseURL
	if replacement, ok := e.config.BaseURLAliases[hostOf(baseURL)]; ok {
		baseURL = replacement
	}
	base, err := url.Parse(baseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("%w: %q", core.ErrRelativeBaseURL, project.BaseURL)
	}

	path := detail.Path
	query := url.Values{}
	headers := map[string]string{}
	body := map[string]interface{}{}
	hasBody := detail.Method == "POST" || detail.Method == "PUT" || detail.Method == "PATCH"

	for name, value := range params {
		param := detail.Parameter(name)
		if param == nil {
			if e.logger != nil {
				e.logger.Warn("Dropping undeclared parameter", map[string]interface{}{
					"operation": "request_build",
					"endpoint":  detail.Label(),
					"parameter": name,
				})
			}
			continue
		}
		switch param.In {
		case metadata.InPath:
			path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(formatValue(value)))
		case metadata.InQuery:
			query.Set(name, formatValue(value))
		case metadata.InHeader:
			headers[name] = formatValue(value)
		case metadata.InBody:
			if hasBody {
				body[name] = value
			} else {
				query.Set(name, formatValue(value))
			}
		default:
			query.Set(name, formatValue(value))
		}
	}

	full := *base
	full.Path = strings.TrimSuffix(full.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	full.RawQuery = query.Encode()

	var bodyReader io.Reader
	if hasBody {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, detail.Method, full.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	applyAuth(req, auth)
	return req, nil
}

func applyAuth(req *http.Request, auth *AuthBlob) {
	if auth == nil {
		return
	}
	switch auth.Kind {
	case AuthBearer:
		if auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+auth.Token)
		}
	case AuthCookie:
		if auth.Name != "" {
			req.AddCookie(&http.Cookie{Name: auth.Name, Value: auth.Value})
		}
	}
}

// doWithRetry sends the request, retrying once on network failure or 5xx.
func (e *Executor) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	var bodyCopy []byte
	if req.Body != nil {
		var err error
		bodyCopy, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, err
		}
	}

	var lastResp *http.Response
	var lastBody []byte
	var lastErr error

	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			if e.logger != nil {
				e.logger.Warn("Retrying step request", map[string]interface{}{
					"operation": "step_retry",
					"url":       req.URL.String(),
					"attempt":   attempt,
				})
			}
			select {
			case <-time.After(e.retryDelay * time.Duration(attempt+1)):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		if bodyCopy != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyCopy))
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = err
			lastResp = nil
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			lastResp = nil
			continue
		}

		lastResp, lastBody, lastErr = resp, body, nil
		if resp.StatusCode < 500 {
			return resp, body, nil
		}
	}

	if lastErr != nil {
		return nil, nil, fmt.Errorf("request failed: %w", lastErr)
	}
	return lastResp, lastBody, nil
}

// failureMessage maps a non-2xx status to user-facing text: the catalog's
// response message when one exists, then the generic status table, then the
// raw response body.
func (e *Executor) failureMessage(ctx context.Context, projectID, endpointID, status int, body []byte) string {
	if m := e.repo.ResponseMessageFor(ctx, projectID, endpointID, status); m != nil {
		if m.Suggestion != "" {
			return m.Message + " " + m.Suggestion
		}
		return m.Message
	}
	if msg, ok := genericStatusMessages[status]; ok {
		return msg
	}
	return fmt.Sprintf("HTTP %d: %s", status, truncateBody(body))
}

func decodeBody(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	return decoded
}

// formatValue renders a parameter value for URL placement. JSON numbers
// that are whole render without a decimal point.
func formatValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(data)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func truncateBody(body []byte) string {
	const max = 300
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
