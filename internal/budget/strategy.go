package budget

import "fmt"

type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyTwoStep Strategy = "two_step"
	StrategyChunk   Strategy = "chunk"
	StrategyUnknown Strategy = "unknown"
)

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Decision is derived per aggregation pass and never persisted.
type Decision struct {
	Strategy Strategy
	Risk     Risk
	Reason   string
	Budget   TokenBudget
}

// Select maps a token budget to a call strategy. Rules apply in order: an
// unavailable count forces TwoStep, then Direct, TwoStep and Chunk by
// threshold. Nonsensical inputs yield Unknown, which callers run as TwoStep.
func Select(b TokenBudget) Decision {
	d := Decision{Budget: b}
	switch {
	case b.TokenCount == TokenCountUnavailable:
		d.Strategy, d.Risk = StrategyTwoStep, RiskHigh
		d.Reason = "token count unavailable, defaulting to safe two-step path."
	case b.TokenCount < 0 || b.DirectThreshold <= 0 || b.TwoStepThreshold < b.DirectThreshold:
		d.Strategy, d.Risk = StrategyUnknown, RiskHigh
		d.Reason = fmt.Sprintf("cannot classify %d tokens against thresholds %d/%d, defaulting to two-step path.",
			b.TokenCount, b.DirectThreshold, b.TwoStepThreshold)
	case b.TokenCount <= b.DirectThreshold:
		d.Strategy, d.Risk = StrategyDirect, RiskLow
		d.Reason = fmt.Sprintf("%d tokens within direct threshold %d.", b.TokenCount, b.DirectThreshold)
	case b.TokenCount <= b.TwoStepThreshold:
		d.Strategy, d.Risk = StrategyTwoStep, RiskMedium
		d.Reason = fmt.Sprintf("%d tokens exceed direct threshold %d, within two-step threshold %d.",
			b.TokenCount, b.DirectThreshold, b.TwoStepThreshold)
	default:
		d.Strategy, d.Risk = StrategyChunk, RiskHigh
		d.Reason = "content exceeds safe integration limits."
	}
	return d
}
