package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/llm"
)

const judgeSystemPrompt = `You decide whether a user's request has already been fully satisfied by
the API responses collected so far. Answer with exactly one word: YES if
the collected data fully answers the request and remaining steps are
unnecessary, NO otherwise. When unsure, answer NO.`

// TerminationJudge asks the LLM after each intermediate step whether the
// data gathered so far already satisfies the user's request. Judge failures
// are never fatal: any error means "keep going".
type TerminationJudge struct {
	gateway llm.Gateway
	logger  core.Logger
}

// NewTerminationJudge creates a termination judge.
func NewTerminationJudge(gateway llm.Gateway) *TerminationJudge {
	return &TerminationJudge{gateway: gateway}
}

// SetLogger sets the logger provider.
func (j *TerminationJudge) SetLogger(logger core.Logger) {
	if logger == nil {
		j.logger = &core.NoOpLogger{}
	} else {
		j.logger = logger
	}
}

// IntentSatisfied reports whether execution can stop early, with a short
// reason when it can. totalSteps is the planned step count, so the model
// knows how much of the plan remains.
func (j *TerminationJudge) IntentSatisfied(ctx context.Context, query string, results []StepResult, totalSteps int) (bool, string) {
	if j.gateway == nil || len(results) == 0 {
		return false, ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User request: %q\n", query)
	fmt.Fprintf(&b, "Progress: completed step %d of %d planned steps.\n\nCollected responses:\n", len(results), totalSteps)
	for _, r := range results {
		if !r.Success {
			continue
		}
		data, err := json.Marshal(r.Response)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s returned: %s\n", r.Endpoint, truncateBody(data))
	}
	b.WriteString("\nIs the request fully satisfied? Answer YES or NO.")

	answer, err := j.gateway.Chat(ctx, llm.Prompt{
		System:      judgeSystemPrompt,
		User:        b.String(),
		Temperature: 0,
		MaxTokens:   5,
	})
	if err != nil {
		if j.logger != nil {
			j.logger.Warn("Termination judgement unavailable, continuing", map[string]interface{}{
				"operation": "termination_judge",
				"error":     err.Error(),
			})
		}
		return false, ""
	}

	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "YES") {
		return true, fmt.Sprintf("intent satisfied after %d of the planned steps", len(results))
	}
	return false, ""
}
