// Package llm abstracts the chat-completion and embedding provider behind a
// single small interface so the pipeline and its tests can substitute
// deterministic fakes.
package llm

import (
	"context"
	"fmt"
)

// Prompt carries one chat-completion request.
type Prompt struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Gateway is the model gateway the pipeline depends on.
//
// Chat returns raw completion text. CompleteJSON extracts the largest
// balanced JSON object from the completion and decodes it into out.
// Embed returns a fixed-dimension embedding for the text.
//
// Implementations retry transient failures once; on persistent failure they
// return an *APIError and callers decide whether to degrade.
type Gateway interface {
	Chat(ctx context.Context, p Prompt) (string, error)
	CompleteJSON(ctx context.Context, p Prompt, out interface{}) error
	Embed(ctx context.Context, text string) ([]float64, error)
}

// APIError is the typed error the gateway returns for provider failures.
type APIError struct {
	Provider   string
	StatusCode int // 0 for network-level failures
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
}

// Transient reports whether a retry with the same request might succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
