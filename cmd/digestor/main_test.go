package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	chassis "github.com/ai8future/chassis-go/v5"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/config"
	"github.com/stellarlinkco/digestor/internal/directive"
	"github.com/stellarlinkco/digestor/internal/llm"
	"github.com/stellarlinkco/digestor/internal/pipeline"
)

func TestMain(m *testing.M) {
	chassis.RequireMajor(5)
	os.Exit(m.Run())
}

// mockGenerator counts calls and returns a fixed text
type mockGenerator struct {
	calls  int
	output string
}

func (m *mockGenerator) Generate(_ context.Context, prompt string) (string, error) {
	m.calls++
	if m.output != "" {
		return m.output, nil
	}
	return "stub output for " + strings.SplitN(prompt, "\n", 2)[0], nil
}

func resetFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		configFlag, modeFlag, reportFlag, referenceFlag, specFlag = "", "", "", "", ""
		rootsFlag = nil
		onceFlag = false
		limitFlag = 10
	}
	reset()
	t.Cleanup(reset)
}

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, k := range []string{
		"DIGESTOR_API_KEY", "DIGESTOR_BASE_URL", "DIGESTOR_PROVIDER", "DIGESTOR_MODEL",
		"DIGESTOR_OUTPUT_DIR", "DIGESTOR_LOG_LEVEL", "DIGESTOR_DIRECT_FRACTION",
		"DIGESTOR_TWO_STEP_FRACTION", "DIGESTOR_TELEGRAM_TOKEN",
		"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "OPENAI_API_KEY",
	} {
		t.Setenv(k, "")
	}
	return home
}

// writeTestConfig writes a config rooted in dir and points configFlag at it.
// Default directive templates are written unless skipTemplates is set.
func writeTestConfig(t *testing.T, dir string, skipTemplates bool, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Model.Name = "test/model"
	cfg.Provider.APIKey = "test-key"
	prompts := filepath.Join(dir, "prompts")
	cfg.Directives = config.DirectivesConfig{
		IndividualSummary:     filepath.Join(prompts, "individual_summary.md"),
		ComprehensiveAnalysis: filepath.Join(prompts, "comprehensive_analysis.md"),
		IntegrationAnalysis:   filepath.Join(prompts, "integration_analysis.md"),
		IntegrationReport:     filepath.Join(prompts, "integration_report.md"),
	}
	for i := range cfg.Report.Audiences {
		cfg.Report.Audiences[i].Template = filepath.Join(prompts, cfg.Report.Audiences[i].Name+"_report.md")
	}
	cfg.Feedback.Template = filepath.Join(prompts, "feedback.md")
	cfg.Inputs.Roots = []string{filepath.Join(dir, "data", "lab")}
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Output.Dir = filepath.Join(dir, "reports")
	cfg.Ledger.Path = filepath.Join(dir, "runs.db")
	if mutate != nil {
		mutate(cfg)
	}

	if !skipTemplates {
		if _, err := directive.WriteDefaults(cfg); err != nil {
			t.Fatalf("WriteDefaults error: %v", err)
		}
	}
	path := filepath.Join(dir, "config.json")
	if err := config.SaveConfigFile(path, cfg); err != nil {
		t.Fatalf("SaveConfigFile error: %v", err)
	}
	configFlag = path
	return cfg
}

func writeDoc(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
}

func testOptions(gen llm.Generator, stdout *bytes.Buffer) Options {
	return Options{
		GeneratorFactory: func(*config.Config, zerolog.Logger) (llm.Generator, error) { return gen, nil },
		TokenizerFactory: func(*config.Config) llm.Tokenizer {
			return llm.TokenizerFunc(func(context.Context, string, string) (int, error) { return 100, nil })
		},
		Stdout: stdout,
		Stderr: &bytes.Buffer{},
	}
}

func TestRunInit(t *testing.T) {
	resetFlags(t)
	home := isolateEnv(t)
	work := t.TempDir()
	t.Chdir(work)

	var out bytes.Buffer
	if err := runInitWithOptions(Options{Stdout: &out}); err != nil {
		t.Fatalf("runInit error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, ".digestor", "config.json")); err != nil {
		t.Fatalf("config not created: %v", err)
	}
	tplPath := filepath.Join(work, "prompts", "individual_summary.md")
	if _, err := os.Stat(tplPath); err != nil {
		t.Fatalf("template not created: %v", err)
	}
	if !strings.Contains(out.String(), "Created config") {
		t.Errorf("unexpected output: %s", out.String())
	}

	if err := os.WriteFile(tplPath, []byte("custom {document_content}"), 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	out.Reset()
	if err := runInitWithOptions(Options{Stdout: &out}); err != nil {
		t.Fatalf("second runInit error: %v", err)
	}
	if !strings.Contains(out.String(), "Config already exists") {
		t.Errorf("unexpected output: %s", out.String())
	}
	data, _ := os.ReadFile(tplPath)
	if string(data) != "custom {document_content}" {
		t.Errorf("template overwritten: %q", data)
	}
}

func TestRunRun_Summary(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir, false, nil)
	writeDoc(t, filepath.Join(cfg.Inputs.Roots[0], "a.md"), "alpha")
	writeDoc(t, filepath.Join(cfg.Inputs.Roots[0], "nested", "b.md"), "beta")

	gen := &mockGenerator{}
	var out bytes.Buffer
	if err := runRunWithOptions(context.Background(), testOptions(gen, &out)); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if gen.calls != 3 {
		t.Errorf("calls = %d, want 3", gen.calls)
	}
	for _, id := range []string{"a", "nested/b"} {
		if _, err := os.Stat(filepath.Join(cfg.Cache.Dir, "lab", id+"_summary.md")); err != nil {
			t.Errorf("summary for %s missing: %v", id, err)
		}
	}
	matches, _ := filepath.Glob(filepath.Join(cfg.Output.Dir, "*_test-model_lab_summary_1.md"))
	if len(matches) != 1 {
		t.Fatalf("reports = %v", matches)
	}
	if !strings.Contains(out.String(), "lab [succeeded]") || !strings.Contains(out.String(), "report: ") {
		t.Errorf("unexpected output: %s", out.String())
	}

	out.Reset()
	if err := runStatusWithOptions(Options{Stdout: &out}); err != nil {
		t.Fatalf("status error: %v", err)
	}
	status := out.String()
	for _, want := range []string{"Recent runs", "summary", "succeeded", "test/model", "API Key:"} {
		if !strings.Contains(status, want) {
			t.Errorf("status missing %q:\n%s", want, status)
		}
	}
}

func TestRunRun_MissingTemplateFailsBeforeSideEffects(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir, true, nil)
	writeDoc(t, filepath.Join(cfg.Inputs.Roots[0], "a.md"), "alpha")

	gen := &mockGenerator{}
	factoryCalled := false
	opts := testOptions(gen, &bytes.Buffer{})
	opts.GeneratorFactory = func(*config.Config, zerolog.Logger) (llm.Generator, error) {
		factoryCalled = true
		return gen, nil
	}

	err := runRunWithOptions(context.Background(), opts)
	if !errors.Is(err, directive.ErrTemplateMissing) {
		t.Fatalf("err = %v, want ErrTemplateMissing", err)
	}
	if factoryCalled || gen.calls != 0 {
		t.Error("generator used before validation")
	}
	for _, p := range []string{cfg.Cache.Dir, cfg.Output.Dir, cfg.Ledger.Path} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s created before validation", p)
		}
	}
}

func TestRunRun_InvalidModeOverride(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	writeTestConfig(t, t.TempDir(), false, nil)
	modeFlag = "digest"

	err := runRunWithOptions(context.Background(), testOptions(&mockGenerator{}, &bytes.Buffer{}))
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestRunRun_RootFailureReported(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir, false, nil)
	good := cfg.Inputs.Roots[0]
	writeDoc(t, filepath.Join(good, "a.md"), "alpha")
	missing := filepath.Join(dir, "data", "missing")
	rootsFlag = []string{missing, good}

	var out bytes.Buffer
	err := runRunWithOptions(context.Background(), testOptions(&mockGenerator{}, &out))
	var rootErr *pipeline.RootError
	if !errors.As(err, &rootErr) || rootErr.Root != missing {
		t.Fatalf("err = %v, want RootError for %s", err, missing)
	}
	if !strings.Contains(out.String(), "lab [succeeded]") {
		t.Errorf("good root not processed: %s", out.String())
	}
}

func TestRunRun_Report(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir, false, func(c *config.Config) {
		c.Mode = config.ModeReport
		c.Inputs.Roots = []string{filepath.Join(dir, "data", "class")}
	})
	root := cfg.Inputs.Roots[0]
	writeDoc(t, filepath.Join(root, "Lee_20240001", "w1.txt"), "week one")
	writeDoc(t, filepath.Join(root, "Park_20240002", "w1.txt"), "week one")
	writeDoc(t, filepath.Join(root, "README", "info.txt"), "not an entity")

	gen := &mockGenerator{}
	if err := runRunWithOptions(context.Background(), testOptions(gen, &bytes.Buffer{})); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if gen.calls != 4 {
		t.Errorf("calls = %d, want 2 entities x 2 audiences", gen.calls)
	}
	for _, a := range cfg.Report.Audiences {
		matches, _ := filepath.Glob(filepath.Join(cfg.Output.Dir, a.Subdir, "*_test-model_Lee_20240001_"+a.Name+"_1.md"))
		if len(matches) != 1 {
			t.Errorf("%s reports = %v", a.Name, matches)
		}
	}

	var out bytes.Buffer
	if err := runStatusWithOptions(Options{Stdout: &out}); err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out.String(), "2/2 complete") {
		t.Errorf("status progress missing:\n%s", out.String())
	}
}

func TestRunFeedback(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	dir := t.TempDir()
	writeTestConfig(t, dir, false, nil)
	report := filepath.Join(dir, "reports", "20250307_m_lab_summary_1.md")
	writeDoc(t, report, "# Report")
	reference := filepath.Join(dir, "pi.md")
	writeDoc(t, reference, "lab facts")
	reportFlag = report
	referenceFlag = reference

	var out bytes.Buffer
	gen := &mockGenerator{output: "looks good"}
	if err := runFeedbackWithOptions(context.Background(), testOptions(gen, &out)); err != nil {
		t.Fatalf("feedback error: %v", err)
	}
	want := filepath.Join(dir, "reports", "20250307_m_lab_summary_1_feedback_1.md")
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "looks good" {
		t.Fatalf("feedback = %q, %v", data, err)
	}
	if !strings.Contains(out.String(), want) {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestRunRender(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	md := filepath.Join(dir, "report.md")
	writeDoc(t, md, "# Title\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")

	var out, errOut bytes.Buffer
	err := runRenderWithOptions([]string{md, filepath.Join(dir, "missing.md")}, Options{Stdout: &out, Stderr: &errOut})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	html, readErr := os.ReadFile(filepath.Join(dir, "report.html"))
	if readErr != nil {
		t.Fatalf("html not written: %v", readErr)
	}
	if !strings.Contains(string(html), "<table>") {
		t.Errorf("html missing table")
	}
	if !strings.Contains(errOut.String(), "missing.md") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRunSchedule_Once(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir, false, nil)
	writeDoc(t, filepath.Join(cfg.Inputs.Roots[0], "a.md"), "alpha")
	onceFlag = true

	gen := &mockGenerator{}
	if err := runScheduleWithOptions(context.Background(), testOptions(gen, &bytes.Buffer{})); err != nil {
		t.Fatalf("schedule error: %v", err)
	}
	if gen.calls != 2 {
		t.Errorf("calls = %d, want 2", gen.calls)
	}
	if _, err := os.Stat(filepath.Join(dir, "schedule.json")); err != nil {
		t.Errorf("schedule state not saved: %v", err)
	}
}

func TestRunSchedule_InvalidSpec(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	writeTestConfig(t, t.TempDir(), false, nil)
	specFlag = "every day"

	gen := &mockGenerator{}
	if err := runScheduleWithOptions(context.Background(), testOptions(gen, &bytes.Buffer{})); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if gen.calls != 0 {
		t.Errorf("calls = %d, want 0", gen.calls)
	}
}

func TestRunStatus_NoLedger(t *testing.T) {
	resetFlags(t)
	isolateEnv(t)
	writeTestConfig(t, t.TempDir(), false, nil)

	var out bytes.Buffer
	if err := runStatusWithOptions(Options{Stdout: &out}); err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out.String(), "no runs recorded yet") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-ant-123456789", "sk-a...6789"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}
	if newLogger(&buf, "bogus").GetLevel() != zerolog.InfoLevel {
		t.Error("invalid level should fall back to info")
	}
}
