package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apiweaver/apiweaver/core"
)

// OpenAIClient implements Gateway against any OpenAI-compatible API
// (chat completions + embeddings endpoints).
type OpenAIClient struct {
	httpClient     *http.Client
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	logger         core.Logger

	// Provider-level concurrency cap to avoid rate-limit storms when many
	// requests are in flight.
	semaphore chan struct{}

	// Transient failures get one additional attempt.
	maxRetries int
	retryDelay time.Duration
}

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxConcurrent  int
	Logger         core.Logger
}

// NewOpenAIClient creates a gateway client for an OpenAI-compatible API.
func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "text-embedding-3-small"
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}

	return &OpenAIClient{
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		apiKey:         opts.APIKey,
		baseURL:        opts.BaseURL,
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		logger:         opts.Logger,
		semaphore:      make(chan struct{}, opts.MaxConcurrent),
		maxRetries:     1,
		retryDelay:     time.Second,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Chat generates a completion for the prompt.
func (c *OpenAIClient) Chat(ctx context.Context, p Prompt) (string, error) {
	messages := []chatMessage{}
	if p.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: p.User})

	maxTokens := p.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2000
	}

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: p.Temperature,
		MaxTokens:   maxTokens,
	}

	start := time.Now()
	body, err := c.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrLLMBadResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", core.ErrLLMBadResponse)
	}

	c.logger.Debug("Chat completion received", map[string]interface{}{
		"operation":     "llm_chat",
		"model":         parsed.Model,
		"prompt_tokens": parsed.Usage.PromptTokens,
		"total_tokens":  parsed.Usage.TotalTokens,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return parsed.Choices[0].Message.Content, nil
}

// CompleteJSON generates a completion and decodes the largest balanced JSON
// object from it into out.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, p Prompt, out interface{}) error {
	content, err := c.Chat(ctx, p)
	if err != nil {
		return err
	}
	extracted, err := ExtractJSON(content)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrLLMBadResponse, err)
	}
	if err := json.Unmarshal([]byte(extracted), out); err != nil {
		return fmt.Errorf("%w: %v", core.ErrLLMBadResponse, err)
	}
	return nil
}

// Embed returns the embedding vector for a text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := c.post(ctx, "/embeddings", embeddingRequest{
		Model: c.embeddingModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrLLMBadResponse, err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", core.ErrLLMBadResponse)
	}
	return parsed.Data[0].Embedding, nil
}

// post sends a JSON request under the concurrency cap, retrying once on
// transient failures (network errors, 5xx, rate limits).
func (c *OpenAIClient) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	select {
	case c.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.semaphore }()

	var lastErr *APIError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("LLM request retry", map[string]interface{}{
				"operation":  "llm_retry",
				"attempt":    attempt,
				"last_error": lastErr.Error(),
			})
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, apiErr := c.doOnce(ctx, path, jsonData)
		if apiErr == nil {
			return body, nil
		}
		lastErr = apiErr
		if !apiErr.Transient() {
			break
		}
	}
	return nil, lastErr
}

func (c *OpenAIClient) doOnce(ctx context.Context, path string, jsonData []byte) ([]byte, *APIError) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &APIError{Provider: "openai", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Provider: "openai", Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Provider: "openai", Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 500),
		}
	}
	return body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
