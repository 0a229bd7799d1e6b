package llm

import (
	"fmt"

	"github.com/anchapin/cifixd/pkg/config"
)

// NewClientFromConfig builds the retry-wrapped client for a named provider.
func NewClientFromConfig(registry *config.LLMProviderRegistry, name string) (*Client, error) {
	cfg, err := registry.Get(name)
	if err != nil {
		return nil, err
	}

	var provider Provider
	switch cfg.Type {
	case config.ProviderAnthropic:
		provider, err = NewAnthropicProvider(cfg)
	case config.ProviderOpenAICompat:
		provider, err = NewOpenAICompatProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("building provider %q: %w", name, err)
	}

	return NewClient(provider, cfg.Timeout), nil
}
