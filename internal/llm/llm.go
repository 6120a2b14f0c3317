package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/quizgen/internal/repair"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrMalformedResponse means the completion envelope or its content could
	// not be extracted, or JSON mode found no parseable object.
	ErrMalformedResponse = errors.New("malformed completion response")
	// ErrTimeout means the caller's context expired before a completion
	// succeeded. Callers treat it like exhausted retries.
	ErrTimeout = errors.New("completion timed out")
)

// TransportError is returned when the endpoint keeps failing after the
// retry policy is exhausted, or fails with a status the policy won't retry.
type TransportError struct {
	Status   int // 0 for network failures
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("completion transport failed after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("completion transport failed with status %d after %d attempt(s): %v", e.Status, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options tunes a single completion.
type Options struct {
	Temperature float32
	MaxTokens   int
	// JSON requests a JSON object response and extracts the object from the
	// returned content.
	JSON bool
	// Raw skips JSON extraction and returns the content untouched; the
	// caller repairs it.
	Raw bool
}

// Completer is the narrow interface the pipeline depends on.
type Completer interface {
	Complete(ctx context.Context, prompt, systemPrompt string, opts Options) (string, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api    *openai.Client
	model  string
	apiKey string
	policy RetryPolicy
	logger *slog.Logger
	tracer trace.Tracer
}

var _ Completer = (*Client)(nil)

type timeoutCompleter struct {
	next Completer
	d    time.Duration
}

// WithTimeout bounds every completion made through c, retries included.
// An expired deadline surfaces as ErrTimeout.
func WithTimeout(c Completer, d time.Duration) Completer {
	return timeoutCompleter{next: c, d: d}
}

func (t timeoutCompleter) Complete(ctx context.Context, prompt, systemPrompt string, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Complete(ctx, prompt, systemPrompt, opts)
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option { return func(c *Client) { c.policy = p } }

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts ...Option) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	config.HTTPClient = &hintingDoer{next: &http.Client{Timeout: 180 * time.Second}}

	c := &Client{
		api:    openai.NewClientWithConfig(config),
		model:  modelName,
		apiKey: apiKey,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/pavelanni/quizgen/internal/llm"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping checks that the endpoint is reachable and the credential accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", c.redact(err))
	}
	return nil
}

// Complete sends one logical completion request, retrying transient
// failures according to the client's policy. Parse and validation errors
// are never retried here.
func (c *Client) Complete(ctx context.Context, prompt, systemPrompt string, opts Options) (string, error) {
	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.model", c.model),
		attribute.Bool("llm.json", opts.JSON),
		attribute.Int("llm.max_tokens", opts.MaxTokens),
	))
	defer span.End()

	out, attempts, err := c.complete(ctx, prompt, systemPrompt, opts)
	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", err
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, prompt, systemPrompt string, opts Options) (string, int, error) {
	var msgs []openai.ChatCompletionMessage
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		attempts++
		hint := &retryHint{}
		resp, err := c.api.CreateChatCompletion(context.WithValue(ctx, retryHintKey{}, hint), req)
		if err == nil {
			raw, err := extractContent(resp)
			if err != nil {
				return "", attempts, err
			}
			c.logger.Debug("LLM response", "raw", raw)
			if !opts.JSON || opts.Raw {
				return raw, attempts, nil
			}
			obj, err := ExtractJSON(raw)
			return obj, attempts, err
		}

		if ctx.Err() != nil {
			return "", attempts, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}

		status := hint.status
		if status == 0 {
			status = statusOf(err)
		}
		if status >= 200 && status < 300 {
			return "", attempts, fmt.Errorf("%w: decode envelope: %v", ErrMalformedResponse, c.redact(err))
		}
		lastErr, lastStatus = c.redact(err), status

		if !c.policy.retryable(status) || attempt == c.policy.MaxRetries {
			break
		}

		delay := c.policy.Delay(attempt, hint.retryAfter)
		c.logger.Warn("LLM request retrying",
			"model", c.model,
			"attempt", attempt+1,
			"max_retries", c.policy.MaxRetries,
			"status", status,
			"sleep", delay.String(),
			"error", lastErr,
		)
		if err := c.policy.sleep(ctx, delay); err != nil {
			return "", attempts, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}

	return "", attempts, &TransportError{Status: lastStatus, Attempts: attempts, Err: lastErr}
}

func extractContent(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty message content", ErrMalformedResponse)
	}
	return content, nil
}

// ExtractJSON strips code fences and returns the span between the first '{'
// and the last '}' when it parses as JSON.
func ExtractJSON(raw string) (string, error) {
	obj := repair.ExtractObject(repair.StripFences(raw))
	if obj == "" {
		return "", fmt.Errorf("%w: no JSON object in content", ErrMalformedResponse)
	}
	if !json.Valid([]byte(obj)) {
		return "", fmt.Errorf("%w: JSON object does not parse", ErrMalformedResponse)
	}
	return obj, nil
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// redact removes the API key from an error message should the endpoint
// ever echo it back.
func (c *Client) redact(err error) error {
	if err == nil || c.apiKey == "" || !strings.Contains(err.Error(), c.apiKey) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.apiKey, "[REDACTED]"))
}

type retryHintKey struct{}

// retryHint carries the status and Retry-After of the last HTTP response
// for one attempt back to the retry loop.
type retryHint struct {
	status     int
	retryAfter time.Duration
}

// hintingDoer records response metadata the openai client does not expose.
type hintingDoer struct {
	next openai.HTTPDoer
}

func (d *hintingDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.next.Do(req)
	if resp != nil {
		if h, ok := req.Context().Value(retryHintKey{}).(*retryHint); ok {
			h.status = resp.StatusCode
			h.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
	}
	return resp, err
}
