package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/llm"
)

// ResponseFormatter turns raw execution data into the user-facing message.
type ResponseFormatter interface {
	Format(ctx context.Context, query string, data interface{}) (string, error)
}

// PlainFormatter produces a fixed confirmation without any model call.
// Used when no LLM-backed formatting is wanted.
type PlainFormatter struct{}

func (PlainFormatter) Format(ctx context.Context, query string, data interface{}) (string, error) {
	return "Request completed successfully.", nil
}

const formatterSystemPrompt = `You summarize API response data for end users. Write a short, direct
answer to the user's request based only on the data provided. Do not
mention APIs, endpoints or JSON. Plain text only.`

// LLMFormatter asks the model to phrase the collected data as an answer.
// Formatting failures fall back to the plain confirmation.
type LLMFormatter struct {
	gateway llm.Gateway
	logger  core.Logger
}

// NewLLMFormatter creates an LLM-backed formatter.
func NewLLMFormatter(gateway llm.Gateway) *LLMFormatter {
	return &LLMFormatter{gateway: gateway}
}

// SetLogger sets the logger provider.
func (f *LLMFormatter) SetLogger(logger core.Logger) {
	if logger == nil {
		f.logger = &core.NoOpLogger{}
	} else {
		f.logger = logger
	}
}

// Format phrases the data as a user-facing answer.
func (f *LLMFormatter) Format(ctx context.Context, query string, data interface{}) (string, error) {
	rendered := renderData(data)

	answer, err := f.gateway.Chat(ctx, llm.Prompt{
		System:      formatterSystemPrompt,
		User:        fmt.Sprintf("User request: %q\n\nData:\n%s", query, rendered),
		Temperature: 0.3,
	})
	if err != nil {
		if f.logger != nil {
			f.logger.Warn("Response formatting unavailable, using plain message", map[string]interface{}{
				"operation": "response_formatting",
				"error":     err.Error(),
			})
		}
		return PlainFormatter{}.Format(ctx, query, data)
	}
	return strings.TrimSpace(answer), nil
}

func renderData(data interface{}) string {
	if data == nil {
		return "(no data)"
	}
	if s, ok := data.(string); ok {
		return s
	}
	rendered := fmt.Sprintf("%v", data)
	if marshaled, err := json.MarshalIndent(data, "", "  "); err == nil {
		rendered = string(marshaled)
	}
	const max = 4000
	if len(rendered) > max {
		rendered = rendered[:max] + "..."
	}
	return rendered
}
