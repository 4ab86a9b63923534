package llm

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lucidcoder/lucidcoder/internal/config"
	"github.com/lucidcoder/lucidcoder/internal/retry"
)

// NewFromConfig builds the configured provider wrapped in Retrying. A
// missing API key yields Disabled rather than an error so the service can
// still manage projects and branches without an LLM.
func NewFromConfig(cfg *config.Config, recorder Recorder, logger zerolog.Logger) (Provider, error) {
	var base Provider
	switch strings.ToLower(cfg.LLMProvider) {
	case "anthropic", "":
		if cfg.AnthropicAPIKey == "" {
			logger.Warn().Msg("ANTHROPIC_API_KEY not set, llm disabled")
			return Disabled{}, nil
		}
		base = NewAnthropicProvider(cfg.AnthropicAPIKey,
			WithModel(cfg.LLMModel),
			WithMaxTokens(cfg.LLMMaxTokens),
			WithBaseURL(cfg.AnthropicURL),
			WithLogger(logger),
		)
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Warn().Msg("OPENAI_API_KEY not set, llm disabled")
			return Disabled{}, nil
		}
		base = NewOpenAIProvider(OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.LLMModel,
			MaxTokens: cfg.LLMMaxTokens,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}

	rc := retry.DefaultConfig()
	if cfg.LLMMaxRetries > 0 {
		rc.MaxAttempts = cfg.LLMMaxRetries
	}
	return NewRetrying(base, rc, cfg.LLMTimeout, recorder, logger), nil
}
