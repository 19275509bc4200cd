// Package aggregate turns documents or their summaries into final reports,
// choosing the call pattern from the token budget.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/budget"
	"github.com/stellarlinkco/digestor/internal/cache"
	"github.com/stellarlinkco/digestor/internal/corpus"
	"github.com/stellarlinkco/digestor/internal/directive"
	"github.com/stellarlinkco/digestor/internal/llm"
)

var ErrNoContent = errors.New("nothing to aggregate")

// Section is one labeled block of a concatenated context.
type Section struct {
	ID      string
	Content string
}

// Concatenate joins sections in order, each under a document header.
func Concatenate(sections []Section) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "--- DOCUMENT: %s ---\n\n%s\n\n", s.ID, s.Content)
	}
	return b.String()
}

func ArtifactSections(artifacts []cache.SummaryArtifact) []Section {
	out := make([]Section, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, Section{ID: a.DocumentID, Content: a.Content})
	}
	return out
}

func DocumentSections(docs []corpus.Document) []Section {
	out := make([]Section, 0, len(docs))
	for _, d := range docs {
		out = append(out, Section{ID: d.ID, Content: d.Content})
	}
	return out
}

// Result is the outcome of one aggregation pass. Decision is set for
// integration runs only.
type Result struct {
	Content      string
	Intermediate string
	Decision     *budget.Decision
	Calls        int
}

type Orchestrator struct {
	generator llm.Generator
	set       *directive.Set
	estimator *budget.Estimator
	model     string
	log       zerolog.Logger
}

func NewOrchestrator(gen llm.Generator, set *directive.Set, estimator *budget.Estimator, model string, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		generator: gen,
		set:       set,
		estimator: estimator,
		model:     model,
		log:       logger.With().Str("component", "aggregate").Logger(),
	}
}

// Summarize runs the comprehensive analysis over summary artifacts in the
// order given. It makes exactly one generation call.
func (o *Orchestrator) Summarize(ctx context.Context, artifacts []cache.SummaryArtifact) (Result, error) {
	if len(artifacts) == 0 {
		return Result{}, ErrNoContent
	}
	if o.set.ComprehensiveAnalysis == nil {
		return Result{}, fmt.Errorf("%w: comprehensive analysis", directive.ErrTemplateMissing)
	}
	prompt := o.set.ComprehensiveAnalysis.Render(map[string]string{
		directive.VarDocumentsConcatenated: Concatenate(ArtifactSections(artifacts)),
	})
	o.log.Info().Int("documents", len(artifacts)).Msg("generating comprehensive analysis")
	text, err := o.generator.Generate(ctx, prompt)
	if err != nil {
		return Result{Calls: 1}, fmt.Errorf("generate comprehensive analysis: %w", err)
	}
	return Result{Content: text, Calls: 1}, nil
}

// Integrate analyses the source documents together. The strategy decides
// between one call and an analysis call followed by a report call; Chunk and
// Unknown run the two-call path. Without a report template a single call is
// made whatever the strategy.
func (o *Orchestrator) Integrate(ctx context.Context, docs []corpus.Document) (Result, error) {
	if len(docs) == 0 {
		return Result{}, ErrNoContent
	}
	if o.set.IntegrationAnalysis == nil {
		return Result{}, fmt.Errorf("%w: integration analysis", directive.ErrTemplateMissing)
	}

	concatenated := Concatenate(DocumentSections(docs))
	decision := budget.Select(o.estimator.Estimate(ctx, concatenated, o.model))
	res := Result{Decision: &decision}

	ev := o.log.Info()
	if decision.Risk == budget.RiskHigh {
		ev = o.log.Warn()
	}
	ev.Str("strategy", string(decision.Strategy)).
		Str("risk", string(decision.Risk)).
		Int("tokens", decision.Budget.TokenCount).
		Int("limit", decision.Budget.ContextLimit).
		Msg(decision.Reason)

	switch decision.Strategy {
	case budget.StrategyChunk:
		o.log.Warn().Msg("chunked integration is not supported, running two-step path; output may be truncated")
	case budget.StrategyUnknown:
		o.log.Warn().Msg("strategy unknown, running two-step path")
	}

	analysisPrompt := o.set.IntegrationAnalysis.Render(map[string]string{
		directive.VarDocumentsConcatenated: concatenated,
	})

	if decision.Strategy == budget.StrategyDirect || o.set.IntegrationReport == nil {
		if decision.Strategy != budget.StrategyDirect {
			o.log.Warn().Msg("integration report template not configured, using single call")
		}
		res.Calls = 1
		text, err := o.generator.Generate(ctx, analysisPrompt)
		if err != nil {
			return res, fmt.Errorf("generate integration analysis: %w", err)
		}
		res.Content = text
		return res, nil
	}

	res.Calls = 1
	analysis, err := o.generator.Generate(ctx, analysisPrompt)
	if err != nil {
		return res, fmt.Errorf("generate integration analysis: %w", err)
	}
	res.Intermediate = analysis

	reportPrompt := o.set.IntegrationReport.Render(map[string]string{
		directive.VarIntegrationAnalysis:   analysis,
		directive.VarDocumentsConcatenated: concatenated,
	})
	res.Calls = 2
	text, err := o.generator.Generate(ctx, reportPrompt)
	if err != nil {
		return res, fmt.Errorf("generate integration report: %w", err)
	}
	res.Content = text
	return res, nil
}

// FeedbackResult is a review of a finished report. Path is set once persisted.
type FeedbackResult struct {
	Path    string
	Content string
}

// Feedback reviews report against reference information in one call.
func (o *Orchestrator) Feedback(ctx context.Context, report, reference string) (FeedbackResult, error) {
	if o.set.Feedback == nil {
		return FeedbackResult{}, fmt.Errorf("%w: feedback", directive.ErrTemplateMissing)
	}
	prompt := o.set.Feedback.Render(map[string]string{
		directive.VarReportContent: report,
		directive.VarReferenceInfo: reference,
	})
	text, err := o.generator.Generate(ctx, prompt)
	if err != nil {
		return FeedbackResult{}, fmt.Errorf("generate feedback: %w", err)
	}
	return FeedbackResult{Content: text}, nil
}
