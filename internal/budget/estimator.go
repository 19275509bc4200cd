package budget

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/llm"
)

// TokenCountUnavailable is the token count reported when counting failed.
const TokenCountUnavailable = -1

// Fractions are the context-window shares below which Direct and TwoStep are chosen.
type Fractions struct {
	Direct  float64
	TwoStep float64
}

// TokenBudget is computed once per aggregation pass.
type TokenBudget struct {
	TokenCount       int
	ContextLimit     int
	DirectThreshold  int
	TwoStepThreshold int
}

// NewTokenBudget derives the thresholds for limit, truncating toward zero.
func NewTokenBudget(tokenCount, limit int, f Fractions) TokenBudget {
	return TokenBudget{
		TokenCount:       tokenCount,
		ContextLimit:     limit,
		DirectThreshold:  int(float64(limit) * f.Direct),
		TwoStepThreshold: int(float64(limit) * f.TwoStep),
	}
}

type Estimator struct {
	tokenizer llm.Tokenizer
	limits    Limits
	fractions Fractions
	log       zerolog.Logger
}

func NewEstimator(tokenizer llm.Tokenizer, limits Limits, fractions Fractions, logger zerolog.Logger) *Estimator {
	return &Estimator{
		tokenizer: tokenizer,
		limits:    limits,
		fractions: fractions,
		log:       logger.With().Str("component", "budget").Logger(),
	}
}

// ContextLimit resolves the model's window, logging a warning on fallback.
func (e *Estimator) ContextLimit(model string) int {
	limit, matched := e.limits.Resolve(model)
	if !matched {
		e.log.Warn().
			Str("model", model).
			Int("fallback_limit", limit).
			Msg("unknown model, using conservative default context limit")
	}
	return limit
}

// CountTokens returns TokenCountUnavailable instead of an error.
func (e *Estimator) CountTokens(ctx context.Context, text, model string) int {
	if e.tokenizer == nil {
		return TokenCountUnavailable
	}
	n, err := e.tokenizer.CountTokens(ctx, text, model)
	if err != nil || n < 0 {
		e.log.Warn().Err(err).Str("model", model).Msg("token count unavailable")
		return TokenCountUnavailable
	}
	return n
}

func (e *Estimator) Estimate(ctx context.Context, text, model string) TokenBudget {
	limit := e.ContextLimit(model)
	b := NewTokenBudget(e.CountTokens(ctx, text, model), limit, e.fractions)
	e.log.Debug().
		Int("tokens", b.TokenCount).
		Int("limit", b.ContextLimit).
		Int("direct_threshold", b.DirectThreshold).
		Int("two_step_threshold", b.TwoStepThreshold).
		Msg("token budget")
	return b
}
