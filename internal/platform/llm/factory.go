package llm

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrctx/internal/config"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// New builds the configured backend. From the outside in, calls are traced,
// logged, observed, rate limited and bounded by the per-call timeout. obs
// may be nil.
func New(cfg *config.Config, logger zerolog.Logger, obs Observer) (Client, error) {
	var (
		base Client
		err  error
	)
	switch cfg.LLMProvider {
	case ProviderOpenAI:
		base, err = NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	case ProviderOllama:
		base, err = NewOllama(cfg.OllamaURL, cfg.OllamaModel, &http.Client{})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "llm").Logger()
	client := WithTimeout(base, cfg.LLMTimeout)
	client = WithRateLimit(client, cfg.LLMRateLimitRPS, cfg.LLMRateBurst)
	client = WithObserver(client, obs, cfg.LLMProvider)
	client = WithLogging(client, logger, cfg.LLMProvider)
	client = WithTracing(client, cfg.LLMProvider)
	return client, nil
}
