// Package budget estimates prompt size against a model's context window and
// picks the call pattern that keeps an aggregation inside it.
package budget

import (
	"strings"

	"github.com/stellarlinkco/digestor/internal/config"
)

// Limit maps a model-name fragment to a context window size in tokens.
type Limit struct {
	Pattern string
	Tokens  int
}

// DefaultLimitTable is the built-in fragment table. Order only matters between
// fragments of equal length.
func DefaultLimitTable() []Limit {
	return []Limit{
		{Pattern: "gpt-4o-mini", Tokens: 128000},
		{Pattern: "gpt-4o", Tokens: 128000},
		{Pattern: "gpt-4.1", Tokens: 1047576},
		{Pattern: "gpt-4-turbo", Tokens: 128000},
		{Pattern: "gpt-4-32k", Tokens: 32768},
		{Pattern: "gpt-4", Tokens: 8192},
		{Pattern: "gpt-3.5-turbo", Tokens: 16385},
		{Pattern: "claude-3", Tokens: 200000},
		{Pattern: "claude", Tokens: 200000},
		{Pattern: "gemini-1.5-pro", Tokens: 2097152},
		{Pattern: "gemini-1.5-flash", Tokens: 1048576},
		{Pattern: "gemini-2", Tokens: 1048576},
		{Pattern: "gemini", Tokens: 32760},
		{Pattern: "llama-3.1-sonar", Tokens: 127072},
		{Pattern: "sonar-reasoning", Tokens: 127000},
		{Pattern: "sonar", Tokens: 127072},
		{Pattern: "llama-3", Tokens: 8192},
		{Pattern: "mistral", Tokens: 32000},
	}
}

// Limits is an immutable lookup table with a fallback for unmatched models.
type Limits struct {
	entries  []Limit
	fallback int
}

func NewLimits(entries []Limit, fallback int) Limits {
	if fallback <= 0 {
		fallback = config.DefaultContextLimit
	}
	copied := make([]Limit, 0, len(entries))
	for _, e := range entries {
		p := strings.ToLower(strings.TrimSpace(e.Pattern))
		if p == "" || e.Tokens <= 0 {
			continue
		}
		copied = append(copied, Limit{Pattern: p, Tokens: e.Tokens})
	}
	return Limits{entries: copied, fallback: fallback}
}

// LimitsFromConfig puts configured entries ahead of the built-ins so they win ties.
func LimitsFromConfig(cfg *config.Config) Limits {
	entries := make([]Limit, 0, len(cfg.Model.Limits)+len(DefaultLimitTable()))
	for _, l := range cfg.Model.Limits {
		entries = append(entries, Limit{Pattern: l.Pattern, Tokens: l.Limit})
	}
	entries = append(entries, DefaultLimitTable()...)
	return NewLimits(entries, cfg.Model.DefaultLimit)
}

// Resolve returns the context limit for model using the longest fragment
// contained in the (case-folded) model name; equal lengths keep table order.
// matched is false when the fallback was used.
func (l Limits) Resolve(model string) (limit int, matched bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	best := -1
	for i, e := range l.entries {
		if !strings.Contains(name, e.Pattern) {
			continue
		}
		if best < 0 || len(e.Pattern) > len(l.entries[best].Pattern) {
			best = i
		}
	}
	if best < 0 {
		return l.fallback, false
	}
	return l.entries[best].Tokens, true
}

func (l Limits) Fallback() int { return l.fallback }
