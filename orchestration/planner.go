package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/llm"
	"github.com/apiweaver/apiweaver/metadata"
	"github.com/apiweaver/apiweaver/telemetry"
)

// Prompt assembly limits.
const (
	maxCandidates      = 10
	maxPromptEndpoints = 15
	maxPromptLinkHints = 10
	planTemperature    = 0.1
)

const plannerSystemPrompt = `You are an API execution planner. Given a user request and a list of
available API endpoints, produce a JSON execution plan.

Respond with ONLY a JSON object of this exact shape:
{"steps": [{"endpoint": "METHOD /path", "params": {"name": "value"}}]}

Rules:
- Use only endpoints from the provided list, with their exact METHOD /path labels.
- Include every required parameter of each endpoint you use.
- To pass a value from an earlier step's response, use a reference string of
  the form "$.steps[0].response.fieldName" (zero-based step index).
- Order steps so references always point to earlier steps.
- Prefer the fewest steps that satisfy the request.`

// Planner turns a user query plus the resolved endpoint candidates into a
// validated execution plan via the LLM, with a deterministic fallback when
// the model cannot produce a usable plan.
type Planner struct {
	gateway llm.Gateway
	logger  core.Logger
}

// NewPlanner creates a planner.
func NewPlanner(gateway llm.Gateway) *Planner {
	return &Planner{gateway: gateway}
}

// SetLogger sets the logger provider.
func (p *Planner) SetLogger(logger core.Logger) {
	if logger == nil {
		p.logger = &core.NoOpLogger{}
	} else {
		p.logger = logger
	}
}

// Plan produces a validated execution plan for the query. Candidates must
// already be sorted by relevance; only the top candidates are shown to the
// model, but validation runs against the full catalog so a plan may use any
// known endpoint. When the model fails outright or returns an empty plan,
// Plan falls back to a single-step plan over the best candidate that needs
// no input. A non-empty plan that fails validation is returned as an error.
func (p *Planner) Plan(ctx context.Context, query string, candidates []ScoredEndpoint, catalog []metadata.EndpointDetail, hints []metadata.LinkHint, history []ScoredEntry) (*ExecutionPlan, error) {
	if len(catalog) == 0 {
		return nil, core.ErrEmptyCatalog
	}

	start := time.Now()
	prompt := p.buildPrompt(query, candidates, hints, history)

	var plan *ExecutionPlan
	var decoded ExecutionPlan
	err := p.gateway.CompleteJSON(ctx, prompt, &decoded)
	if err == nil {
		for i := range decoded.Steps {
			if decoded.Steps[i].Params == nil {
				decoded.Steps[i].Params = map[string]interface{}{}
			}
		}
		vErr := ValidatePlan(&decoded, catalog)
		switch {
		case vErr == nil:
			plan = &decoded
		case len(decoded.Steps) == 0:
			err = vErr
		default:
			// The model produced concrete steps that contradict the
			// catalog. Surface the validation error so the caller can
			// attempt a corrected retry; substituting an unrelated
			// fallback endpoint here would mask the mismatch.
			if p.logger != nil {
				p.logger.Warn("LLM plan failed validation", map[string]interface{}{
					"operation": "plan_validation",
					"error":     vErr.Error(),
				})
			}
			telemetry.Counter("planner.invalid_plans")
			return nil, vErr
		}
	}

	if plan == nil {
		if p.logger != nil {
			p.logger.Warn("LLM plan unusable, trying fallback", map[string]interface{}{
				"operation": "plan_fallback",
				"error":     err.Error(),
			})
		}
		telemetry.Counter("planner.fallbacks")
		plan = p.fallbackPlan(candidates, catalog)
		if plan == nil {
			return nil, fmt.Errorf("%w: %v", core.ErrNoSuitablePlan, err)
		}
	}

	telemetry.Duration("planner.duration_ms", start)
	telemetry.Histogram("planner.plan_steps", float64(len(plan.Steps)))
	return plan, nil
}

// buildPrompt renders the top candidates, link hints and relevant prior
// exchanges into the planning prompt.
func (p *Planner) buildPrompt(query string, candidates []ScoredEndpoint, hints []metadata.LinkHint, history []ScoredEntry) llm.Prompt {
	shown := candidates
	if len(shown) > maxCandidates {
		shown = shown[:maxCandidates]
	}
	if len(shown) > maxPromptEndpoints {
		shown = shown[:maxPromptEndpoints]
	}

	var b strings.Builder
	b.WriteString("Available endpoints:\n")
	for _, c := range shown {
		b.WriteString("- ")
		b.WriteString(c.Label())
		if c.Summary != "" {
			b.WriteString(": ")
			b.WriteString(c.Summary)
		}
		if len(c.Parameters) > 0 {
			b.WriteString(". Params: ")
			for i, param := range c.Parameters {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(param.Name)
				b.WriteString("(")
				b.WriteString(param.In)
				if param.Required {
					b.WriteString(", required")
				}
				b.WriteString(")")
			}
		}
		b.WriteString("\n")
	}

	if len(hints) > 0 {
		shownHints := hints
		if len(shownHints) > maxPromptLinkHints {
			shownHints = shownHints[:maxPromptLinkHints]
		}
		b.WriteString("\nField links (response field of one endpoint feeds a parameter of another):\n")
		for _, h := range shownHints {
			fmt.Fprintf(&b, "- %s from %q feeds %s of %q\n", h.FromPath, h.FromEndpoint, h.ToParam, h.ToEndpoint)
		}
	}

	if len(history) > 0 {
		b.WriteString("\nRelevant prior exchanges in this conversation:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- User asked: %q\n", h.Query)
		}
	}

	b.WriteString("\nUser request: ")
	b.WriteString(query)

	return llm.Prompt{
		System:      plannerSystemPrompt,
		User:        b.String(),
		Temperature: planTemperature,
	}
}

// fallbackPlan returns a one-step plan over the highest-scored GET endpoint
// that needs no input, then any endpoint with no required parameters, else
// nil. Endpoints with path parameters are never eligible: an unfilled
// {segment} cannot form a valid URL.
func (p *Planner) fallbackPlan(candidates []ScoredEndpoint, catalog []metadata.EndpointDetail) *ExecutionPlan {
	pick := func(requireGET bool) *ExecutionPlan {
		for _, c := range candidates {
			if requireGET && c.Method != "GET" {
				continue
			}
			if len(c.RequiredParameters()) > 0 || len(c.PathParameters()) > 0 {
				continue
			}
			return &ExecutionPlan{Steps: []PlanStep{{
				Endpoint: c.Label(),
				Params:   map[string]interface{}{},
			}}}
		}
		return nil
	}

	if plan := pick(true); plan != nil {
		return plan
	}
	if plan := pick(false); plan != nil {
		return plan
	}

	// Candidates exhausted; scan the full catalog the same way.
	for _, d := range catalog {
		if d.Method == "GET" && len(d.RequiredParameters()) == 0 && len(d.PathParameters()) == 0 {
			return &ExecutionPlan{Steps: []PlanStep{{
				Endpoint: d.Label(),
				Params:   map[string]interface{}{},
			}}}
		}
	}
	return nil
}
