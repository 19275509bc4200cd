package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/config"
)

// ModelClient sends each prompt as a single user message through an
// agentsdk-go model provider.
type ModelClient struct {
	provider  model.Provider
	modelName string
	maxTokens int
	log       zerolog.Logger
}

// providerRetries is the lowest retry count agentsdk-go accepts; zero selects
// its default of 10.
const providerRetries = 1

// NewModelClient builds the generator for cfg.Provider. "compatible" providers
// use the plain HTTP client instead.
func NewModelClient(cfg *config.Config, logger zerolog.Logger) (Generator, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, fmt.Errorf("API key not set. Run 'digestor init' or set DIGESTOR_API_KEY / ANTHROPIC_API_KEY / OPENAI_API_KEY")
	}

	if cfg.Provider.Type == "compatible" {
		return Guard(NewHTTPClient(cfg, logger)), nil
	}

	return Guard(&ModelClient{
		provider:  newProvider(cfg),
		modelName: cfg.Model.Name,
		maxTokens: cfg.Model.MaxTokens,
		log:       logger.With().Str("component", "llm").Logger(),
	}), nil
}

func (c *ModelClient) Generate(ctx context.Context, prompt string) (string, error) {
	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}

	resp, err := mdl.Complete(ctx, model.Request{
		Messages:  []model.Message{{Role: "user", Content: prompt}},
		Model:     c.modelName,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return "", &Failure{Kind: FailureEmptyResponse, Detail: "nil response"}
	}

	c.log.Debug().
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Str("stop_reason", resp.StopReason).
		Msg("generation complete")

	return strings.TrimSpace(resp.Message.Content), nil
}

func newProvider(cfg *config.Config) model.Provider {
	temperature := cfg.Model.Temperature
	if cfg.Provider.Type == "openai" {
		return &model.OpenAIProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Model.Name,
			MaxTokens:   cfg.Model.MaxTokens,
			MaxRetries:  providerRetries,
			Temperature: &temperature,
		}
	}
	return &model.AnthropicProvider{
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		ModelName:   cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		MaxRetries:  providerRetries,
		Temperature: &temperature,
	}
}
