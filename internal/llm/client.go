// Package llm is the outbound chat-completion client. All agent turns and
// meta-queries funnel through one Client so a single global semaphore bounds
// concurrent requests across the whole runtime.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"github.com/hivegrid/hivegrid/internal/observability"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// Sentinel errors surfaced to tool results and the turn driver.
var (
	// ErrUnavailable means the service could not be resolved or the request
	// failed non-transiently.
	ErrUnavailable = errors.New("llm_unavailable")

	// ErrAborted means the caller's context was cancelled, typically by a
	// stop or terminate request.
	ErrAborted = errors.New("llm_aborted")

	// ErrRetryExhausted means every retry of a transient failure failed.
	ErrRetryExhausted = errors.New("llm_retry_exhausted")
)

// ServiceResolver looks up catalog services. Satisfied by
// services.Registry.
type ServiceResolver interface {
	GetServiceByID(id string) (*models.ServiceDefinition, bool)
}

// ToolDefinition is a tool schema offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one chat-completion call. An empty ServiceID targets the
// default service.
type Request struct {
	ServiceID   string
	System      string
	Turns       []models.Turn
	Tools       []ToolDefinition
	Temperature *float32
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the model's reply: text content, tool calls, or both.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// Options tunes the client.
type Options struct {
	// MaxConcurrent bounds in-flight requests across all services.
	MaxConcurrent int64

	// MaxRetries bounds retry attempts after the first try.
	MaxRetries int

	// BaseDelay is the first backoff delay; it doubles per attempt.
	BaseDelay time.Duration

	// RequestTimeout caps a single attempt. Zero means no per-attempt cap.
	RequestTimeout time.Duration
}

// Client issues chat completions against catalog services.
type Client struct {
	resolver       ServiceResolver
	defaultService *models.ServiceDefinition
	opts           Options
	logger         *slog.Logger
	metrics        *observability.Metrics

	globalSem *semaphore.Weighted

	mu          sync.Mutex
	serviceSems map[string]*semaphore.Weighted
	apiClients  map[string]*openai.Client
}

// NewClient builds a client. defaultService backs requests with no service
// id and may be nil when a catalog service is always named.
func NewClient(resolver ServiceResolver, defaultService *models.ServiceDefinition, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		resolver:       resolver,
		defaultService: defaultService.Clone(),
		opts:           opts,
		logger:         logger,
		metrics:        metrics,
		globalSem:      semaphore.NewWeighted(opts.MaxConcurrent),
		serviceSems:    map[string]*semaphore.Weighted{},
		apiClients:     map[string]*openai.Client{},
	}
}

// Chat issues one completion. Cancellation of ctx aborts the in-flight
// request and returns ErrAborted.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	service, err := c.resolveService(req.ServiceID)
	if err != nil {
		return nil, err
	}

	if err := c.globalSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	defer c.globalSem.Release(1)

	if sem := c.serviceSem(service); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		defer sem.Release(1)
	}

	requestID := uuid.NewString()
	chatReq := c.buildRequest(service, req)
	logger := c.logger.With("request_id", requestID, "service_id", service.ID, "model", service.Model)
	start := time.Now()

	resp, err := c.callWithRetry(ctx, service, chatReq, logger)
	elapsed := time.Since(start)
	if c.metrics != nil {
		status := "success"
		switch {
		case errors.Is(err, ErrAborted):
			status = "aborted"
		case err != nil:
			status = "error"
		}
		c.metrics.LLMRequestCounter.WithLabelValues(service.ID, service.Model, status).Inc()
		c.metrics.LLMRequestDuration.WithLabelValues(service.ID, service.Model).Observe(elapsed.Seconds())
	}
	if err != nil {
		logger.Warn("llm request failed", "error", err, "elapsed", elapsed)
		return nil, err
	}

	out := convertResponse(resp)
	if c.metrics != nil {
		if n := out.Usage.PromptTokens; n > 0 {
			c.metrics.LLMTokensUsed.WithLabelValues(service.ID, service.Model, "prompt").Add(float64(n))
		}
		if n := out.Usage.CompletionTokens; n > 0 {
			c.metrics.LLMTokensUsed.WithLabelValues(service.ID, service.Model, "completion").Add(float64(n))
		}
	}
	logger.Info("llm request completed",
		"elapsed", elapsed, "tool_calls", len(out.ToolCalls), "tokens", out.Usage.TotalTokens)
	return out, nil
}

// SimpleChat asks the default service a single system+user question and
// returns the text reply. Shaped to plug into services.NewSelector.
func (c *Client) SimpleChat(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.Chat(ctx, Request{
		System: system,
		Turns:  []models.Turn{{Role: models.TurnUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *Client) resolveService(serviceID string) (*models.ServiceDefinition, error) {
	if serviceID != "" && c.resolver != nil {
		if def, ok := c.resolver.GetServiceByID(serviceID); ok {
			return def, nil
		}
		c.logger.Warn("unknown llm service, falling back to default", "service_id", serviceID)
	}
	if c.defaultService != nil && c.defaultService.Model != "" {
		return c.defaultService, nil
	}
	return nil, fmt.Errorf("%w: no service configured", ErrUnavailable)
}

func (c *Client) serviceSem(service *models.ServiceDefinition) *semaphore.Weighted {
	if service.MaxConcurrentRequests <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.serviceSems[service.ID]
	if !ok {
		sem = semaphore.NewWeighted(int64(service.MaxConcurrentRequests))
		c.serviceSems[service.ID] = sem
	}
	return sem
}

func (c *Client) apiClient(service *models.ServiceDefinition) *openai.Client {
	key := service.BaseURL + "\x00" + service.APIKey
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.apiClients[key]; ok {
		return client
	}
	cfg := openai.DefaultConfig(service.APIKey)
	if service.BaseURL != "" {
		cfg.BaseURL = service.BaseURL
	}
	client := openai.NewClientWithConfig(cfg)
	c.apiClients[key] = client
	return client
}

func (c *Client) callWithRetry(ctx context.Context, service *models.ServiceDefinition, chatReq openai.ChatCompletionRequest, logger *slog.Logger) (openai.ChatCompletionResponse, error) {
	client := c.apiClient(service)

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.opts.BaseDelay << (attempt - 1)
			logger.Info("retrying llm request", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return openai.ChatCompletionResponse{}, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if c.opts.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		}
		resp, err := client.CreateChatCompletion(attemptCtx, chatReq)
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return openai.ChatCompletionResponse{}, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
		if !isRetryable(err) {
			return openai.ChatCompletionResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		lastErr = err
	}
	return openai.ChatCompletionResponse{}, fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, c.opts.MaxRetries+1, lastErr)
}

func (c *Client) buildRequest(service *models.ServiceDefinition, req Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    service.Model,
		Messages: convertTurns(req.System, req.Turns),
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func convertTurns(system string, turns []models.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, turn := range turns {
		msg := openai.ChatCompletionMessage{Role: string(turn.Role)}
		switch turn.Role {
		case models.TurnUser:
			if len(turn.Parts) > 0 {
				msg.MultiContent = convertParts(turn.Parts)
			} else {
				msg.Content = turn.Content
			}
		case models.TurnAssistant:
			msg.Content = turn.Content
			for _, tc := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case models.TurnTool:
			msg.Content = turn.Content
			msg.ToolCallID = turn.ToolCallID
			msg.Name = turn.ToolName
		default:
			msg.Content = turn.Content
		}
		out = append(out, msg)
	}
	return out
}

func convertParts(parts []models.ContentPart) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "image_url":
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.ImageURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		default:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		}
	}
	return out
}

func convertResponse(resp openai.ChatCompletionResponse) *Response {
	out := &Response{
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0].Message
	out.Content = choice.Content
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// isRetryable classifies transient failures: rate limits, 5xx, timeouts,
// and transport errors.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return true
		}
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection refused", "connection reset", "EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
