// Package orchestration implements the natural-language-to-API pipeline:
// intent resolution over the endpoint catalog, LLM plan synthesis, sequential
// HTTP execution with cross-step references, per-step early-termination
// judgement, and error-driven schema healing with a bounded retry budget.
package orchestration

import (
	"time"
)

// AuthKind discriminates the caller-supplied credential blob.
type AuthKind string

const (
	AuthBearer AuthKind = "bearer"
	AuthCookie AuthKind = "cookie"
	AuthNone   AuthKind = "none"
)

// AuthBlob is the opaque credential forwarded to the target API.
// Bearer uses Token; Cookie uses Name/Value.
type AuthBlob struct {
	Kind  AuthKind `json:"kind"`
	Token string   `json:"token,omitempty"`
	Name  string   `json:"name,omitempty"`
	Value string   `json:"value,omitempty"`
}

// ChatRequest is the transport-agnostic request boundary.
type ChatRequest struct {
	ProjectID int       `json:"projectId"`
	Message   string    `json:"message"`
	UserID    string    `json:"userId,omitempty"`
	Auth      *AuthBlob `json:"auth,omitempty"`
}

// ExecutionDetails summarizes one processed request.
type ExecutionDetails struct {
	PlanSteps         int    `json:"planSteps"`
	StepsExecuted     int    `json:"stepsExecuted"`
	ExecutionTimeMs   int64  `json:"executionTimeMs"`
	RetryCount        int    `json:"retryCount"`
	EarlyTermination  bool   `json:"earlyTermination"`
	TerminationReason string `json:"terminationReason,omitempty"`
}

// ChatResponse is the terminal result of a request.
type ChatResponse struct {
	Success           bool             `json:"success"`
	Message           string           `json:"message"`
	Data              interface{}      `json:"data,omitempty"`
	FormattedResponse string           `json:"formattedResponse,omitempty"`
	VisualResponse    interface{}      `json:"visualResponse,omitempty"`
	ExecutionDetails  ExecutionDetails `json:"executionDetails"`
	Error             string           `json:"error,omitempty"`
}

// Stream update types.
const (
	UpdatePlanning      = "planning"
	UpdateExecuting     = "executing"
	UpdateStepCompleted = "step_completed"
	UpdateFormatting    = "formatting"
	UpdateCompleted     = "completed"
	UpdateError         = "error"
)

// ChatStreamUpdate is one progressive update emitted while a request runs.
// Progress is an integer in [0,100].
type ChatStreamUpdate struct {
	Type            string      `json:"type"`
	Step            int         `json:"step,omitempty"`
	TotalSteps      int         `json:"totalSteps,omitempty"`
	Message         string      `json:"message"`
	Progress        int         `json:"progress,omitempty"`
	Data            interface{} `json:"data,omitempty"`
	ExecutionTimeMs int64       `json:"executionTimeMs,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// PlanStep is one HTTP call of an execution plan. Endpoint is the canonical
// "METHOD /path" label. Param values are literals or step references of the
// form "$.steps[i].response.<path>".
type PlanStep struct {
	Endpoint string                 `json:"endpoint"`
	Params   map[string]interface{} `json:"params"`
}

// ExecutionPlan is an ordered sequence of plan steps. Never empty once
// validated (the planner falls back or fails instead).
type ExecutionPlan struct {
	Steps []PlanStep `json:"steps"`
}

// StepResult records the outcome of one executed plan step.
type StepResult struct {
	Index           int         `json:"index"`
	Endpoint        string      `json:"endpoint"`
	Success         bool        `json:"success"`
	StatusCode      int         `json:"statusCode,omitempty"`
	Response        interface{} `json:"response,omitempty"`
	Error           string      `json:"error,omitempty"`
	DurationMs      int64       `json:"durationMs"`
	SatisfiesIntent bool        `json:"satisfiesIntent,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	// MaxRetries is the per-request budget of full pipeline restarts after
	// the healer proposes a corrected query.
	MaxRetries int

	// StepTimeout bounds each outbound HTTP call.
	StepTimeout time.Duration

	// JudgeEnabled turns the post-step termination judgement on or off.
	JudgeEnabled bool

	// BaseURLAliases rewrites known hosts to replacement base URLs,
	// replacing the legacy in-path patching of well-known demo hosts.
	BaseURLAliases map[string]string
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   2,
		StepTimeout:  30 * time.Second,
		JudgeEnabled: true,
	}
}
