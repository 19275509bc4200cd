package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	chassis "github.com/ai8future/chassis-go/v5"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/digestor/internal/aggregate"
	"github.com/stellarlinkco/digestor/internal/config"
	"github.com/stellarlinkco/digestor/internal/cron"
	"github.com/stellarlinkco/digestor/internal/directive"
	"github.com/stellarlinkco/digestor/internal/ledger"
	"github.com/stellarlinkco/digestor/internal/llm"
	"github.com/stellarlinkco/digestor/internal/notify"
	"github.com/stellarlinkco/digestor/internal/pipeline"
	"github.com/stellarlinkco/digestor/internal/render"
)

// GeneratorFactory creates the text generation client (allows mocking in tests)
type GeneratorFactory func(cfg *config.Config, logger zerolog.Logger) (llm.Generator, error)

// TokenizerFactory creates the token counter used for budget estimation
type TokenizerFactory func(cfg *config.Config) llm.Tokenizer

// NotifierFactory creates the completion notifier
type NotifierFactory func(cfg *config.Config, logger zerolog.Logger) (notify.Notifier, error)

// Options carries injectable dependencies for the command handlers
type Options struct {
	GeneratorFactory GeneratorFactory
	TokenizerFactory TokenizerFactory
	NotifierFactory  NotifierFactory
	Stdout           io.Writer
	Stderr           io.Writer
}

func (o Options) withDefaults() Options {
	if o.GeneratorFactory == nil {
		o.GeneratorFactory = llm.NewModelClient
	}
	if o.TokenizerFactory == nil {
		o.TokenizerFactory = llm.NewTokenizer
	}
	if o.NotifierFactory == nil {
		o.NotifierFactory = notify.FromConfig
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

var rootCmd = &cobra.Command{
	Use:           "digestor",
	Short:         "digestor - summarize and integrate document collections with an LLM",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config and directive templates",
	RunE:  runInit,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured mode over every input root",
	RunE:  runRun,
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Review a finished report against reference information",
	RunE:  runFeedback,
}

var renderCmd = &cobra.Command{
	Use:   "render <report.md>...",
	Short: "Render markdown reports to standalone HTML",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRender,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, recent runs and report progress",
	RunE:  runStatus,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Re-run the pipeline on a cron schedule",
	RunE:  runSchedule,
}

var (
	configFlag    string
	modeFlag      string
	rootsFlag     []string
	reportFlag    string
	referenceFlag string
	specFlag      string
	onceFlag      bool
	limitFlag     int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default ~/.digestor/config.json)")
	for _, cmd := range []*cobra.Command{runCmd, scheduleCmd} {
		cmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "Override mode: summary, integration or report")
		cmd.Flags().StringSliceVarP(&rootsFlag, "root", "r", nil, "Override input roots")
	}
	feedbackCmd.Flags().StringVar(&reportFlag, "report", "", "Report to review")
	feedbackCmd.Flags().StringVar(&referenceFlag, "reference", "", "Reference information file (default feedback.referenceInfo)")
	_ = feedbackCmd.MarkFlagRequired("report")
	scheduleCmd.Flags().StringVar(&specFlag, "spec", "", "Cron spec with seconds field (default schedule.spec)")
	scheduleCmd.Flags().BoolVar(&onceFlag, "once", false, "Run once through the scheduler and exit")
	statusCmd.Flags().IntVarP(&limitFlag, "limit", "n", 10, "Number of recent runs to show")
	rootCmd.AddCommand(initCmd, runCmd, feedbackCmd, renderCmd, statusCmd, scheduleCmd)
}

func main() {
	chassis.RequireMajor(5)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadConfigFile(configFlag)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return config.ConfigPath()
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger()
}

// prepare loads and validates everything a run needs. Nothing is written and
// no generation call is made until it succeeds.
func prepare() (*config.Config, *directive.Set, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if modeFlag != "" {
		cfg.Mode = modeFlag
	}
	if len(rootsFlag) > 0 {
		cfg.Inputs.Roots = rootsFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	set, err := directive.LoadSet(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, set, nil
}

// buildRunner wires the pipeline. The returned cleanup closes the ledger.
func buildRunner(cfg *config.Config, set *directive.Set, opts Options, logger zerolog.Logger) (*pipeline.Runner, func(), error) {
	gen, err := opts.GeneratorFactory(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	notifier, err := opts.NotifierFactory(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create notifier: %w", err)
	}

	var led *ledger.Ledger
	if cfg.Ledger.Enabled {
		if led, err = ledger.Open(cfg.LedgerPath()); err != nil {
			return nil, nil, err
		}
	}
	cleanup := func() {
		if led != nil {
			_ = led.Close()
		}
	}

	runner, err := pipeline.New(cfg, set, pipeline.Options{
		Generator: gen,
		Tokenizer: opts.TokenizerFactory(cfg),
		Ledger:    led,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return runner, cleanup, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	return runInitWithOptions(Options{})
}

func runInitWithOptions(opts Options) error {
	opts = opts.withDefaults()
	out := opts.Stdout
	path := configPath()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.SaveConfigFile(path, config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", path)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", path)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	created, err := directive.WriteDefaults(cfg)
	for _, p := range created {
		fmt.Fprintf(out, "  Created: %s\n", p)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and input roots\n", path)
	fmt.Fprintln(out, "  2. Or set DIGESTOR_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'digestor run' to process your documents")
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	return runRunWithOptions(cmd.Context(), Options{})
}

func runRunWithOptions(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	cfg, set, err := prepare()
	if err != nil {
		return err
	}
	logger := newLogger(opts.Stderr, cfg.Log.Level)

	runner, cleanup, err := buildRunner(cfg, set, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sum, err := runner.Run(ctx)
	printSummary(opts.Stdout, sum)
	if err != nil {
		return err
	}
	return sum.Err()
}

func printSummary(w io.Writer, sum pipeline.Summary) {
	for _, res := range sum.Results {
		line := fmt.Sprintf("%s [%s] %s", res.InputSet, res.Status, res.Root)
		if res.Decision != nil {
			line += fmt.Sprintf(" strategy=%s risk=%s", res.Decision.Strategy, res.Decision.Risk)
		}
		fmt.Fprintf(w, "%s calls=%d\n", line, res.Calls)
		for _, rep := range res.Reports {
			fmt.Fprintf(w, "  report: %s\n", rep.Path)
			if rep.HTMLPath != "" {
				fmt.Fprintf(w, "  html:   %s\n", rep.HTMLPath)
			}
		}
		if res.Feedback != nil {
			fmt.Fprintf(w, "  feedback: %s\n", res.Feedback.Path)
		}
		if res.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", res.Err)
		}
	}
}

func runFeedback(cmd *cobra.Command, args []string) error {
	return runFeedbackWithOptions(cmd.Context(), Options{})
}

func runFeedbackWithOptions(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tpl, err := directive.Load(directive.KindFeedback, cfg.Feedback.Template)
	if err != nil {
		return err
	}
	reference := referenceFlag
	if reference == "" {
		reference = cfg.Feedback.ReferenceInfo
	}
	logger := newLogger(opts.Stderr, cfg.Log.Level)

	gen, err := opts.GeneratorFactory(cfg, logger)
	if err != nil {
		return err
	}
	runner, err := pipeline.New(cfg, &directive.Set{Feedback: tpl}, pipeline.Options{
		Generator: gen,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	fb, err := runner.Feedback(ctx, reportFlag, reference)
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "Feedback written: %s\n", fb.Path)
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	return runRenderWithOptions(args, Options{})
}

func runRenderWithOptions(paths []string, opts Options) error {
	opts = opts.withDefaults()
	r := render.New()
	var errs []error
	for _, p := range paths {
		out, err := r.RenderFile(p)
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(opts.Stdout, "%s -> %s\n", p, out)
	}
	return errors.Join(errs...)
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Width(12).Foreground(lipgloss.Color("8"))
	statusStyles = map[string]lipgloss.Style{
		ledger.StatusSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		ledger.StatusPartial:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		ledger.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

func runStatus(cmd *cobra.Command, args []string) error {
	return runStatusWithOptions(Options{})
}

func runStatusWithOptions(opts Options) error {
	opts = opts.withDefaults()
	out := opts.Stdout

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	field := func(label, value string) {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render(label+":"), value)
	}
	fmt.Fprintln(out, headingStyle.Render("digestor"))
	field("Config", configPath())
	field("Mode", cfg.Mode)
	field("Model", cfg.Model.Name)
	field("Provider", providerDisplay(cfg.Provider.Type))
	field("API Key", maskKey(cfg.Provider.APIKey))
	field("Roots", strings.Join(cfg.Inputs.Roots, ", "))
	field("Output", cfg.Output.Dir)
	field("Telegram", fmt.Sprintf("enabled=%v", cfg.Notify.Telegram.Enabled))

	if !cfg.Ledger.Enabled {
		field("Ledger", "disabled")
		return nil
	}
	if _, err := os.Stat(cfg.LedgerPath()); err != nil {
		field("Ledger", "no runs recorded yet")
		return nil
	}
	led, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		field("Ledger", fmt.Sprintf("error (%v)", err))
		return nil
	}
	defer led.Close()

	runs, err := led.Recent(limitFlag)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, headingStyle.Render("Recent runs"))
	if len(runs) == 0 {
		fmt.Fprintln(out, "  none")
	}
	for _, run := range runs {
		style, ok := statusStyles[run.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		line := fmt.Sprintf("  %s  %-11s %-12s %s", run.StartedAt.Local().Format("2006-01-02 15:04"), run.Mode, style.Render(run.Status), run.InputSet)
		if run.Strategy != "" {
			line += fmt.Sprintf("  %s/%s", run.Strategy, run.Risk)
		}
		if run.ReportPath != "" {
			line += "  " + filepath.Base(run.ReportPath)
		}
		fmt.Fprintln(out, line)
		if run.Error != "" {
			fmt.Fprintf(out, "    %s\n", run.Error)
		}
	}

	if cfg.Mode == config.ModeReport {
		return printProgress(out, cfg, led)
	}
	return nil
}

func printProgress(out io.Writer, cfg *config.Config, led *ledger.Ledger) error {
	re, err := cfg.EntityRegexp()
	if err != nil {
		return err
	}
	audiences := make([]string, 0, len(cfg.Report.Audiences))
	for _, a := range cfg.Report.Audiences {
		audiences = append(audiences, a.Name)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, headingStyle.Render("Report progress"))
	for _, root := range cfg.Inputs.Roots {
		entities, err := aggregate.DiscoverEntities(root, re)
		if err != nil {
			fmt.Fprintf(out, "  %s: %v\n", root, err)
			continue
		}
		names := make([]string, 0, len(entities))
		for _, e := range entities {
			names = append(names, e.Folder)
		}
		p, err := led.EntityProgress(names, audiences)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s: %d/%d complete\n", root, p.Complete, p.Total)
		for _, name := range p.Pending {
			fmt.Fprintf(out, "    pending: %s\n", name)
		}
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func runSchedule(cmd *cobra.Command, args []string) error {
	return runScheduleWithOptions(cmd.Context(), Options{})
}

func runScheduleWithOptions(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	cfg, set, err := prepare()
	if err != nil {
		return err
	}
	spec := specFlag
	if spec == "" {
		spec = cfg.Schedule.Spec
	}
	if err := cron.ParseSpec(spec); err != nil {
		return err
	}
	logger := newLogger(opts.Stderr, cfg.Log.Level)

	runner, cleanup, err := buildRunner(cfg, set, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	statePath := filepath.Join(filepath.Dir(cfg.LedgerPath()), "schedule.json")
	svc := cron.NewService(spec, statePath, func(ctx context.Context) error {
		sum, err := runner.Run(ctx)
		printSummary(opts.Stdout, sum)
		if err != nil {
			return err
		}
		return sum.Err()
	}, logger)

	if onceFlag {
		return svc.RunNow(ctx)
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info().Str("spec", spec).Msg("scheduler started")
	<-ctx.Done()
	svc.Stop()
	st := svc.State()
	logger.Info().Int("runs", st.Runs).Int("skipped", st.Skipped).Msg("scheduler stopped")
	return nil
}
