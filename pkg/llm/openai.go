package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/errs"
)

// OpenAICompatProvider speaks the OpenAI chat-completions API with bearer
// auth. It is the fallback path for any compatible gateway.
type OpenAICompatProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewOpenAICompatProvider builds a provider from registry configuration.
func NewOpenAICompatProvider(cfg *config.LLMProviderConfig) (*OpenAICompatProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errs.Ef(errs.KindConfig, "openai-compatible provider requires base_url")
	}
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, errs.Ef(errs.KindConfig, "missing API key: %s is not set", cfg.APIKeyEnv)
		}
	}
	return &OpenAICompatProvider{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     key,
		model:      cfg.Model,
	}, nil
}

// Name identifies the provider for logging.
func (p *OpenAICompatProvider) Name() string { return "openai-compatible" }

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate performs one chat-completions call.
func (p *OpenAICompatProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	body := chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, msg := range req.Contents {
		body.Messages = append(body.Messages, chatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	if req.ResponseFormat == FormatJSON {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.E(errs.KindTimeout, "chat completion timed out", err)
		}
		return nil, errs.E(errs.KindTransport, "chat completion request failed", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, errs.E(errs.KindTransport, "reading chat completion response", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return nil, errs.Ef(errs.KindTransport, "chat completion status %d: %s",
			httpResp.StatusCode, truncate(string(raw), 200))
	case httpResp.StatusCode >= 400:
		return nil, errs.Ef(errs.KindClient, "chat completion status %d: %s",
			httpResp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errs.E(errs.KindTransport, "decoding chat completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errs.Ef(errs.KindTransport, "chat completion returned no choices")
	}

	return &Response{
		Text: parsed.Choices[0].Message.Content,
		Metrics: Metrics{
			TokensInput:  parsed.Usage.PromptTokens,
			TokensOutput: parsed.Usage.CompletionTokens,
			Latency:      time.Since(start),
			Model:        model,
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
