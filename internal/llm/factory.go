package llm

import (
	"fmt"
	"strings"

	aoption "github.com/anthropics/anthropic-sdk-go/option"
	ooption "github.com/openai/openai-go/option"
	"github.com/samsaffron/toolrelay/internal/config"
)

// BuiltInProviders lists the provider names NewProvider understands.
var BuiltInProviders = []string{"anthropic", "openai", "gemini"}

// ParseProviderModel parses "provider:model" or just "provider" from a flag value.
// Model will be empty if not specified.
func ParseProviderModel(s string) (string, string, error) {
	provider, model, _ := strings.Cut(s, ":")
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	for _, name := range BuiltInProviders {
		if provider == name {
			return provider, strings.TrimSpace(model), nil
		}
	}
	return "", "", fmt.Errorf("unknown provider: %s", provider)
}

// NewProvider creates the provider selected by cfg.Provider.
func NewProvider(cfg *config.Config) (Provider, error) {
	pc := cfg.ProviderSettings(cfg.Provider)
	if pc == nil {
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case "anthropic":
		var opts []aoption.RequestOption
		if pc.BaseURL != "" {
			opts = append(opts, aoption.WithBaseURL(pc.BaseURL))
		}
		provider, err = NewAnthropicProvider(pc.APIKey, pc.Model, opts...)
	case "openai":
		var opts []ooption.RequestOption
		if pc.BaseURL != "" {
			opts = append(opts, ooption.WithBaseURL(pc.BaseURL))
		}
		provider, err = NewOpenAIProvider(pc.APIKey, pc.Model, opts...)
	default:
		provider, err = NewGeminiProvider(pc.APIKey, pc.Model)
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}
