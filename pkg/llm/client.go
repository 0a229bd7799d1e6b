// Package llm provides the provider-agnostic text generation capability used
// by the repair graph: a unified Generate call with retry, token accounting,
// and an enforced JSON mode.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anchapin/cifixd/pkg/errs"
)

// Role of a conversation message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation content.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat selects plain text or enforced JSON output.
type ResponseFormat string

// Response formats.
const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// Request is the unified generation request.
type Request struct {
	// Model overrides the provider's configured model when non-empty.
	Model    string
	Contents []Message

	ResponseFormat ResponseFormat

	// Schema, when set with FormatJSON, validates the decoded response.
	// Validation failures re-prompt up to maxValidationAttempts times.
	Schema *jsonschema.Schema

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	MaxTokens int
}

// Metrics reports token usage and timing for one call.
type Metrics struct {
	TokensInput  int           `json:"tokens_input"`
	TokensOutput int           `json:"tokens_output"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
	Model        string        `json:"model"`
}

// Response is the unified generation result.
type Response struct {
	Text    string
	Metrics Metrics
}

// Provider is one wire implementation (Anthropic SDK, OpenAI-compatible HTTP).
type Provider interface {
	// Generate performs a single model call without retry or validation.
	Generate(ctx context.Context, req Request) (*Response, error)
	// Name identifies the provider for logging.
	Name() string
}

// Client wraps a provider with the retry and JSON-validation policy.
type Client struct {
	provider Provider
	timeout  time.Duration
}

// Retry policy: exponential backoff on transport failures (429/503/network),
// no retry on client errors.
const (
	maxRetryAttempts      = 4
	retryBaseDelay        = 1500 * time.Millisecond
	maxValidationAttempts = 3
)

// NewClient wraps a provider. timeout bounds each individual call; zero means
// the 300s default.
func NewClient(provider Provider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Client{provider: provider, timeout: timeout}
}

// Generate performs a model call with retry. For FormatJSON requests the
// response must decode as JSON and pass the request schema; on validation
// failure the model is re-prompted with the validation error appended.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.ResponseFormat == "" {
		req.ResponseFormat = FormatText
	}
	if req.ResponseFormat != FormatJSON {
		return c.generateWithRetry(ctx, req)
	}

	attempt := req
	var lastErr error
	for i := 0; i < maxValidationAttempts; i++ {
		resp, err := c.generateWithRetry(ctx, attempt)
		if err != nil {
			return nil, err
		}
		if err := validateJSON(resp.Text, req.Schema); err != nil {
			lastErr = err
			slog.Warn("LLM JSON validation failed, re-prompting",
				"provider", c.provider.Name(), "attempt", i+1, "error", err)
			attempt = req
			attempt.Contents = append(append([]Message(nil), req.Contents...),
				Message{Role: RoleAssistant, Content: resp.Text},
				Message{Role: RoleUser, Content: "The previous response was not valid: " +
					err.Error() + "\nRespond again with only a valid JSON object."})
			continue
		}
		resp.Text = extractJSON(resp.Text)
		return resp, nil
	}
	return nil, errs.E(errs.KindValidation, "LLM response failed schema validation", lastErr)
}

// generateWithRetry runs one call under the per-call timeout, retrying
// transport-kind failures with exponential backoff.
func (c *Client) generateWithRetry(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		r, err := c.provider.Generate(callCtx, req)
		if err != nil {
			if errs.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newExponential(), maxRetryAttempts), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("llm generate (%s): %w", c.provider.Name(), err)
	}
	return resp, nil
}

func newExponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseDelay
	b.MaxInterval = 30 * time.Second
	return b
}

// validateJSON decodes text as a JSON value and applies the optional schema.
func validateJSON(text string, schema *jsonschema.Schema) error {
	raw := extractJSON(text)
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// extractJSON strips markdown fences some models wrap around JSON output.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

// MustCompileSchema compiles a JSON schema literal at package init time.
func MustCompileSchema(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}
