// Package llm provides a minimal client for OpenAI-compatible Chat Completions
// endpoints, with request timeouts, transient-failure retries, and token
// usage accounting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrTimeout reports that a completion request exceeded the request timeout.
var ErrTimeout = errors.New("llm: request timeout")

const (
	defaultTimeout = 120 * time.Second
	maxRetries     = 2
)

// Client performs Chat Completions requests.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	timeout time.Duration
}

// NewClient creates a client for the given endpoint. timeout <= 0 selects the
// 120-second default.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:    &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
	}
}

// ChatCompletionRequest describes the request body.
type ChatCompletionRequest struct {
	Model          string                        `json:"model"`
	Messages       []ChatMessage                 `json:"messages"`
	Temperature    float64                       `json:"temperature,omitempty"`
	MaxTokens      int                           `json:"max_tokens,omitempty"`
	ResponseFormat *ChatCompletionResponseFormat `json:"response_format,omitempty"`
}

// ChatMessage is one message in the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ChatCompletionResponseFormat constrains the response shape.
type ChatCompletionResponseFormat struct {
	Type string `json:"type"`
}

// ResponseFormatTypeJSONObject asks the model for a JSON object.
const ResponseFormatTypeJSONObject = "json_object"

// ChatCompletionResponse describes the model's reply.
type ChatCompletionResponse struct {
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
}

// ChatCompletionChoice carries one candidate message.
type ChatCompletionChoice struct {
	Message ChatMessage `json:"message"`
}

// Usage is the token accounting block of a completion response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	status  int
	message string
}

func (e *httpStatusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("llm: %s", e.message)
	}
	return fmt.Sprintf("llm: unexpected status %d", e.status)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// CreateChatCompletion calls /chat/completions. Rate-limit and server errors
// are retried with capped exponential backoff; a deadline hit surfaces as
// ErrTimeout.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error) {
	if c.apiKey == "" {
		return ChatCompletionResponse{}, fmt.Errorf("llm: api key is empty")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var completion ChatCompletionResponse
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		completion, err = c.doOnce(ctx, body)
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && retryable(statusErr.status) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ChatCompletionResponse{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return ChatCompletionResponse{}, err
	}
	return completion, nil
}

func (c *Client) doOnce(ctx context.Context, body []byte) (ChatCompletionResponse, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ChatCompletionResponse{}, context.DeadlineExceeded
		}
		return ChatCompletionResponse{}, fmt.Errorf("llm: do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		statusErr := &httpStatusError{status: resp.StatusCode}
		var apiErr apiErrorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil {
			statusErr.message = apiErr.Error.Message
		}
		return ChatCompletionResponse{}, statusErr
	}

	var completion ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("llm: decode response: %w", err)
	}
	return completion, nil
}

// Counter accumulates token usage across model calls. Safe for concurrent use.
type Counter struct {
	mu         sync.Mutex
	prompt     int
	completion int
	total      int
}

// Add folds one response's usage into the counter.
func (c *Counter) Add(u *Usage) {
	if u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompt += u.PromptTokens
	c.completion += u.CompletionTokens
	c.total += u.TotalTokens
}

// Totals returns the running (prompt, completion, total) token counts.
func (c *Counter) Totals() (prompt, completion, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt, c.completion, c.total
}
