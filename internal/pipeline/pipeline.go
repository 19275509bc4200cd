// Package pipeline runs the configured mode over every input root, isolating
// failures to the root that caused them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/aggregate"
	"github.com/stellarlinkco/digestor/internal/budget"
	"github.com/stellarlinkco/digestor/internal/cache"
	"github.com/stellarlinkco/digestor/internal/config"
	"github.com/stellarlinkco/digestor/internal/corpus"
	"github.com/stellarlinkco/digestor/internal/directive"
	"github.com/stellarlinkco/digestor/internal/ledger"
	"github.com/stellarlinkco/digestor/internal/llm"
	"github.com/stellarlinkco/digestor/internal/naming"
	"github.com/stellarlinkco/digestor/internal/notify"
	"github.com/stellarlinkco/digestor/internal/render"
)

// RootError is the failure of one input root. Other roots still run.
type RootError struct {
	Root string
	Err  error
}

func (e *RootError) Error() string { return fmt.Sprintf("input root %s: %v", e.Root, e.Err) }
func (e *RootError) Unwrap() error { return e.Err }

// Report is one persisted output file.
type Report struct {
	naming.ReportRecord
	InputSet string
	Audience string
	HTMLPath string
}

// RootResult summarizes the work done for one input root.
type RootResult struct {
	Root     string
	InputSet string
	Status   string
	Reports  []Report
	Feedback *aggregate.FeedbackResult
	Decision *budget.Decision
	Calls    int
	Err      error
}

type Summary struct {
	Results []RootResult
}

// Err joins the per-root failures, or returns nil when every root succeeded.
func (s Summary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, &RootError{Root: r.Root, Err: r.Err})
		}
	}
	return errors.Join(errs...)
}

type Options struct {
	Generator llm.Generator
	Tokenizer llm.Tokenizer
	Ledger    *ledger.Ledger
	Notifier  notify.Notifier
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Runner struct {
	cfg       *config.Config
	set       *directive.Set
	generator *countingGenerator
	entityRe  *regexp.Regexp
	loader    *corpus.Loader
	cache     *cache.Manager
	orch      *aggregate.Orchestrator
	renderer  *render.Renderer
	ledger    *ledger.Ledger
	notifier  notify.Notifier
	now       func() time.Time
	log       zerolog.Logger
}

// New wires a runner. It performs no I/O; cfg and set are expected to be
// validated already.
func New(cfg *config.Config, set *directive.Set, opts Options) (*Runner, error) {
	if opts.Generator == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	re, err := cfg.EntityRegexp()
	if err != nil {
		return nil, err
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	gen := &countingGenerator{inner: llm.Guard(opts.Generator)}
	estimator := budget.NewEstimator(
		opts.Tokenizer,
		budget.LimitsFromConfig(cfg),
		budget.Fractions{Direct: cfg.Budget.DirectFraction, TwoStep: cfg.Budget.TwoStepFraction},
		opts.Logger,
	)

	r := &Runner{
		cfg:       cfg,
		set:       set,
		generator: gen,
		entityRe:  re,
		loader:    corpus.NewLoader(cfg.Inputs.Extension, opts.Logger),
		orch:      aggregate.NewOrchestrator(gen, set, estimator, cfg.Model.Name, opts.Logger),
		renderer:  render.New(),
		ledger:    opts.Ledger,
		notifier:  opts.Notifier,
		now:       opts.Now,
		log:       opts.Logger.With().Str("component", "pipeline").Logger(),
	}
	if set.IndividualSummary != nil {
		r.cache = cache.NewManager(cfg.Cache.Dir, set.IndividualSummary, gen, cfg.Cache.PreserveDocumentOrder, opts.Logger)
	}
	return r, nil
}

// Run processes each configured root in order. The returned error is non-nil
// only when ctx was canceled; root failures are reported in the Summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for _, root := range r.cfg.Inputs.Roots {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res := r.runRoot(ctx, root)
		sum.Results = append(sum.Results, res)
		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				return sum, res.Err
			}
			r.log.Error().Err(res.Err).Str("root", root).Msg("input root failed, continuing with next root")
		}
	}
	return sum, nil
}

func (r *Runner) runRoot(ctx context.Context, root string) RootResult {
	res := RootResult{Root: root, InputSet: corpus.InputSetName(root), Status: ledger.StatusSucceeded}
	started := r.now()
	before := r.generator.Calls()
	r.log.Info().Str("root", root).Str("mode", r.cfg.Mode).Msg("processing input root")

	var digest string
	switch r.cfg.Mode {
	case config.ModeSummary:
		digest = r.runSummary(ctx, root, &res)
	case config.ModeIntegration:
		digest = r.runIntegration(ctx, root, &res)
	case config.ModeReport:
		digest = r.runReport(ctx, root, &res)
	default:
		res.Err = fmt.Errorf("%w: unknown mode %q", config.ErrInvalidConfig, r.cfg.Mode)
	}

	res.Calls = r.generator.Calls() - before
	if res.Err != nil {
		res.Status = ledger.StatusFailed
	}
	r.record(res, started, digest)
	return res
}

func (r *Runner) runSummary(ctx context.Context, root string, res *RootResult) string {
	docs, err := r.loader.Load(root)
	if err != nil {
		res.Err = err
		return ""
	}
	if len(docs) == 0 {
		res.Err = fmt.Errorf("no %s documents: %w", r.cfg.Inputs.Extension, aggregate.ErrNoContent)
		return ""
	}
	digest := documentsDigest(docs)

	artifacts, err := r.cache.Ensure(ctx, res.InputSet, docs)
	var docErr *cache.DocumentError
	switch {
	case errors.As(err, &docErr):
		res.Status = ledger.StatusPartial
		r.log.Warn().Int("failed", len(docErr.Failures)).Int("available", len(artifacts)).
			Msg("some summaries failed, continuing with available ones")
	case err != nil:
		res.Err = err
		return digest
	}

	out, err := r.orch.Summarize(ctx, artifacts)
	if err != nil {
		res.Err = err
		return digest
	}
	rep, err := r.persist(ctx, r.cfg.Output.Dir, res.InputSet, config.ModeSummary, "", out.Content, nil)
	if err != nil {
		res.Err = err
		return digest
	}
	res.Reports = append(res.Reports, rep)
	r.feedback(ctx, rep, res)
	return digest
}

func (r *Runner) runIntegration(ctx context.Context, root string, res *RootResult) string {
	docs, err := r.loader.Load(root)
	if err != nil {
		res.Err = err
		return ""
	}
	if len(docs) == 0 {
		res.Err = fmt.Errorf("no %s documents: %w", r.cfg.Inputs.Extension, aggregate.ErrNoContent)
		return ""
	}
	digest := documentsDigest(docs)

	out, err := r.orch.Integrate(ctx, docs)
	res.Decision = out.Decision
	if err != nil {
		res.Err = err
		return digest
	}
	rep, err := r.persist(ctx, r.cfg.Output.Dir, res.InputSet, config.ModeIntegration, "", out.Content, out.Decision)
	if err != nil {
		res.Err = err
		return digest
	}
	res.Reports = append(res.Reports, rep)
	r.feedback(ctx, rep, res)
	return digest
}

func (r *Runner) runReport(ctx context.Context, root string, res *RootResult) string {
	entities, err := aggregate.DiscoverEntities(root, r.entityRe)
	if err != nil {
		res.Err = err
		return ""
	}
	r.log.Info().Int("entities", len(entities)).Str("root", root).Msg("entities discovered")

	var parts []string
	failed := 0
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return ledger.Digest(parts...)
		}
		content, files, err := aggregate.EntityContent(e, r.cfg.Report.FileGlob)
		if err != nil {
			r.log.Error().Err(err).Str("entity", e.Folder).Msg("read entity files")
			failed++
			continue
		}
		if len(files) == 0 {
			r.log.Info().Str("entity", e.Folder).Str("glob", r.cfg.Report.FileGlob).Msg("entity has no matching files, skipping")
			continue
		}
		parts = append(parts, e.Folder, content)

		reports, err := r.orch.ReportEntity(ctx, e, content)
		if err != nil {
			res.Err = err
			return ledger.Digest(parts...)
		}
		for _, ar := range reports {
			if ar.Err != nil {
				failed++
				continue
			}
			dir := filepath.Join(r.cfg.Output.Dir, ar.Audience.Subdir)
			rep, err := r.persist(ctx, dir, e.Folder, ar.Audience.Name, ar.Audience.Name, ar.Content, nil)
			if err != nil {
				r.log.Error().Err(err).Str("entity", e.Folder).Str("audience", ar.Audience.Name).Msg("persist audience report")
				failed++
				continue
			}
			res.Reports = append(res.Reports, rep)
			if r.ledger != nil {
				if err := r.ledger.RecordEntityReport(e.Folder, ar.Audience.Name, rep.Path); err != nil {
					r.log.Warn().Err(err).Msg("ledger entity report")
				}
			}
		}
	}
	if failed > 0 {
		res.Status = ledger.StatusPartial
	}
	return ledger.Digest(parts...)
}

// persist writes a report under a fresh sequence number, then renders and
// announces it. Rendering and notification failures are only logged.
func (r *Runner) persist(ctx context.Context, dir, inputSet, mode, audience, content string, d *budget.Decision) (Report, error) {
	namer := naming.NewNamer(dir, r.cfg.Output.Extension)
	rec, err := namer.Write(naming.Key{Date: r.now(), Model: r.cfg.Model.Name, InputSet: inputSet, Mode: mode}, content)
	if err != nil {
		return Report{}, err
	}
	rep := Report{ReportRecord: rec, InputSet: inputSet, Audience: audience}
	r.log.Info().Str("path", rec.Path).Int("sequence", rec.Sequence).Msg("report written")

	if r.cfg.Output.RenderHTML {
		if htmlPath, err := r.renderer.RenderFile(rec.Path); err != nil {
			r.log.Warn().Err(err).Str("path", rec.Path).Msg("html rendering failed")
		} else {
			rep.HTMLPath = htmlPath
		}
	}

	ev := notify.Event{Mode: mode, InputSet: inputSet, Model: r.cfg.Model.Name, Path: rec.Path, Excerpt: notify.Excerpt(content, 300)}
	if d != nil {
		ev.Strategy = string(d.Strategy)
	}
	if err := r.notifier.Notify(ctx, ev); err != nil {
		r.log.Warn().Err(err).Str("path", rec.Path).Msg("notification failed")
	}
	return rep, nil
}

func (r *Runner) feedback(ctx context.Context, rep Report, res *RootResult) {
	if !r.cfg.Feedback.Enabled || r.set.Feedback == nil {
		return
	}
	fb, err := r.Feedback(ctx, rep.Path, r.cfg.Feedback.ReferenceInfo)
	if err != nil {
		r.log.Error().Err(err).Str("report", rep.Path).Msg("feedback failed")
		return
	}
	res.Feedback = &fb
}

// Feedback reviews the report at reportPath against the reference file and
// writes the result beside the report.
func (r *Runner) Feedback(ctx context.Context, reportPath, referencePath string) (aggregate.FeedbackResult, error) {
	report, err := os.ReadFile(reportPath)
	if err != nil {
		return aggregate.FeedbackResult{}, fmt.Errorf("read report: %w", err)
	}
	var reference []byte
	if referencePath != "" {
		if reference, err = os.ReadFile(referencePath); err != nil {
			return aggregate.FeedbackResult{}, fmt.Errorf("read reference info: %w", err)
		}
	}
	fb, err := r.orch.Feedback(ctx, string(report), string(reference))
	if err != nil {
		return fb, err
	}
	ext := filepath.Ext(reportPath)
	stem := strings.TrimSuffix(reportPath, ext) + "_feedback"
	path, _, err := naming.WriteVersioned(stem, ext, fb.Content)
	if err != nil {
		return fb, err
	}
	fb.Path = path
	r.log.Info().Str("path", path).Msg("feedback written")
	return fb, nil
}

func (r *Runner) record(res RootResult, started time.Time, digest string) {
	if r.ledger == nil {
		return
	}
	run := ledger.Run{
		StartedAt:   started,
		FinishedAt:  r.now(),
		Mode:        r.cfg.Mode,
		InputSet:    res.InputSet,
		Model:       r.cfg.Model.Name,
		Calls:       res.Calls,
		Status:      res.Status,
		InputDigest: digest,
	}
	if res.Decision != nil {
		run.Strategy = string(res.Decision.Strategy)
		run.Risk = string(res.Decision.Risk)
		run.TokenCount = res.Decision.Budget.TokenCount
	}
	if n := len(res.Reports); n > 0 {
		run.ReportPath = res.Reports[n-1].Path
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	if _, err := r.ledger.Record(run); err != nil {
		r.log.Warn().Err(err).Msg("ledger record failed")
	}
}

func documentsDigest(docs []corpus.Document) string {
	parts := make([]string, 0, len(docs)*2)
	for _, d := range docs {
		parts = append(parts, d.ID, d.Content)
	}
	return ledger.Digest(parts...)
}

// countingGenerator counts generation calls for the ledger.
type countingGenerator struct {
	inner llm.Generator
	calls int
}

func (c *countingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	c.calls++
	return c.inner.Generate(ctx, prompt)
}

func (c *countingGenerator) Calls() int { return c.calls }
