package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/errs"
)

// AnthropicProvider is the default SDK-based provider.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider builds a provider from registry configuration.
func NewAnthropicProvider(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, errs.Ef(errs.KindConfig, "missing API key: %s is not set", keyEnv)
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries are handled by the Client wrapper, not the SDK.
	opts = append(opts, option.WithMaxRetries(0))

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Name identifies the provider for logging.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate performs one Messages API call.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	var system []string
	for _, msg := range req.Contents {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if req.ResponseFormat == FormatJSON {
		system = append(system, "Respond with a single valid JSON object and nothing else.")
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text: text.String(),
		Metrics: Metrics{
			TokensInput:  int(msg.Usage.InputTokens),
			TokensOutput: int(msg.Usage.OutputTokens),
			Cost:         estimateCost(model, int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
			Latency:      time.Since(start),
			Model:        model,
		},
	}, nil
}

// classifyAnthropicError maps SDK errors onto the error taxonomy.
func classifyAnthropicError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.E(errs.KindTimeout, "anthropic call timed out", err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return errs.E(errs.KindTransport, fmt.Sprintf("anthropic %d", apiErr.StatusCode), err)
		case apiErr.StatusCode >= 400:
			return errs.E(errs.KindClient, fmt.Sprintf("anthropic %d", apiErr.StatusCode), err)
		}
	}
	return errs.E(errs.KindTransport, "anthropic request failed", err)
}

// estimateCost prices known model families in USD per million tokens;
// unknown models report zero so metrics stay additive.
func estimateCost(model string, tokensIn, tokensOut int) float64 {
	type pricing struct{ in, out float64 }
	table := map[string]pricing{
		"claude-3-5-haiku": {0.80, 4.00},
		"claude-sonnet":    {3.00, 15.00},
		"claude-opus":      {15.00, 75.00},
	}
	for prefix, p := range table {
		if strings.HasPrefix(model, prefix) {
			return (float64(tokensIn)*p.in + float64(tokensOut)*p.out) / 1e6
		}
	}
	return 0
}
