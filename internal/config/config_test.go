package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	chassis "github.com/ai8future/chassis-go/v5"
	"github.com/ai8future/chassis-go/v5/testkit"
)

func TestMain(m *testing.M) {
	chassis.RequireMajor(5)
	os.Exit(m.Run())
}

func clearEnv(t *testing.T) {
	t.Helper()
	testkit.SetEnv(t, map[string]string{
		"DIGESTOR_API_KEY":           "",
		"DIGESTOR_BASE_URL":          "",
		"DIGESTOR_PROVIDER":          "",
		"DIGESTOR_MODEL":             "",
		"DIGESTOR_OUTPUT_DIR":        "",
		"DIGESTOR_LOG_LEVEL":         "",
		"DIGESTOR_DIRECT_FRACTION":   "",
		"DIGESTOR_TWO_STEP_FRACTION": "",
		"DIGESTOR_TELEGRAM_TOKEN":    "",
		"ANTHROPIC_API_KEY":          "",
		"ANTHROPIC_AUTH_TOKEN":       "",
		"OPENAI_API_KEY":             "",
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode != ModeSummary {
		t.Errorf("mode = %q, want %q", cfg.Mode, ModeSummary)
	}
	if cfg.Model.Name != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Model.Name, DefaultModel)
	}
	if cfg.Budget.DirectFraction != 0.6 || cfg.Budget.TwoStepFraction != 0.85 {
		t.Errorf("fractions = %v/%v, want 0.6/0.85", cfg.Budget.DirectFraction, cfg.Budget.TwoStepFraction)
	}
	if cfg.Model.DefaultLimit != 8192 {
		t.Errorf("default limit = %d, want 8192", cfg.Model.DefaultLimit)
	}
	if len(cfg.Report.Audiences) != 2 {
		t.Errorf("audiences = %d, want 2", len(cfg.Report.Audiences))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfigFile_NoFile(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfigFile error: %v", err)
	}
	if cfg.Model.Name != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Model.Name, DefaultModel)
	}
	if cfg.Inputs.Extension != ".md" {
		t.Errorf("extension = %q, want .md", cfg.Inputs.Extension)
	}
}

func TestLoadConfigFile_JSONWithComments(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  // integration runs against the lab corpus
  "mode": "integration",
  "model": {"name": "gpt-4o", "maxTokens": 4000, "limits": [{"pattern": "gpt-4o", "limit": 128000}]},
  "inputs": {"roots": ["corpus/a", "corpus/b"], "extension": "txt"},
  "output": {"dir": "out", "extension": ".markdown"},
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile error: %v", err)
	}
	if cfg.Mode != ModeIntegration {
		t.Errorf("mode = %q, want integration", cfg.Mode)
	}
	if cfg.Model.Name != "gpt-4o" || cfg.Model.MaxTokens != 4000 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if len(cfg.Model.Limits) != 1 || cfg.Model.Limits[0].Limit != 128000 {
		t.Errorf("limits = %+v", cfg.Model.Limits)
	}
	if len(cfg.Inputs.Roots) != 2 {
		t.Errorf("roots = %v", cfg.Inputs.Roots)
	}
	if cfg.Inputs.Extension != ".txt" {
		t.Errorf("extension = %q, want .txt", cfg.Inputs.Extension)
	}
	if cfg.Output.Extension != "markdown" {
		t.Errorf("output extension = %q, want markdown", cfg.Output.Extension)
	}
	// untouched sections keep defaults
	if cfg.Budget.DirectFraction != DefaultDirectFraction {
		t.Errorf("direct fraction = %v, want default", cfg.Budget.DirectFraction)
	}
}

func TestLoadConfigFile_YAML(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `mode: report
provider:
  type: openai
model:
  name: gpt-4o-mini
report:
  entityPattern: '^(.+)_(\d{6})$'
  audiences:
    - name: parent
      template: prompts/parent.md
      subdir: parents
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile error: %v", err)
	}
	if cfg.Mode != ModeReport {
		t.Errorf("mode = %q, want report", cfg.Mode)
	}
	if cfg.Provider.Type != "openai" {
		t.Errorf("provider = %q, want openai", cfg.Provider.Type)
	}
	if len(cfg.Report.Audiences) != 1 || cfg.Report.Audiences[0].Subdir != "parents" {
		t.Errorf("audiences = %+v", cfg.Report.Audiences)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate error: %v", err)
	}
}

func TestLoadConfigFile_InvalidJSON(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigFile_EnvOverrides(t *testing.T) {
	clearEnv(t)
	testkit.SetEnv(t, map[string]string{
		"DIGESTOR_API_KEY":           "env-key",
		"DIGESTOR_MODEL":             "claude-3-5-haiku",
		"DIGESTOR_DIRECT_FRACTION":   "0.5",
		"DIGESTOR_TWO_STEP_FRACTION": "0.9",
		"DIGESTOR_LOG_LEVEL":         "debug",
	})

	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfigFile error: %v", err)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("api key = %q, want env-key", cfg.Provider.APIKey)
	}
	if cfg.Model.Name != "claude-3-5-haiku" {
		t.Errorf("model = %q", cfg.Model.Name)
	}
	if cfg.Budget.DirectFraction != 0.5 || cfg.Budget.TwoStepFraction != 0.9 {
		t.Errorf("fractions = %v/%v, want 0.5/0.9", cfg.Budget.DirectFraction, cfg.Budget.TwoStepFraction)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadConfigFile_BadFractionEnv(t *testing.T) {
	clearEnv(t)
	testkit.SetEnv(t, map[string]string{"DIGESTOR_DIRECT_FRACTION": "sixty"})

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for unparsable fraction")
	}
}

func TestLoadConfigFile_ProviderKeyFallback(t *testing.T) {
	clearEnv(t)
	testkit.SetEnv(t, map[string]string{
		"DIGESTOR_PROVIDER": "openai",
		"OPENAI_API_KEY":    "sk-openai",
	})

	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfigFile error: %v", err)
	}
	if cfg.Provider.APIKey != "sk-openai" {
		t.Errorf("api key = %q, want sk-openai", cfg.Provider.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "chunked" }},
		{"unknown provider", func(c *Config) { c.Provider.Type = "gemini" }},
		{"direct above two-step", func(c *Config) { c.Budget.DirectFraction = 0.9 }},
		{"two-step above one", func(c *Config) { c.Budget.TwoStepFraction = 1.2 }},
		{"no roots", func(c *Config) { c.Inputs.Roots = nil }},
		{"bad limit", func(c *Config) { c.Model.Limits = []ModelLimit{{Pattern: "gpt", Limit: 0}} }},
		{"one group pattern", func(c *Config) {
			c.Mode = ModeReport
			c.Report.EntityPattern = `^(.+)$`
		}},
		{"bad regexp", func(c *Config) {
			c.Mode = ModeReport
			c.Report.EntityPattern = `^((.+)_(\d+)$`
		}},
		{"no audiences", func(c *Config) {
			c.Mode = ModeReport
			c.Report.Audiences = nil
		}},
		{"duplicate audience", func(c *Config) {
			c.Mode = ModeReport
			c.Report.Audiences = []AudienceConfig{{Name: "a"}, {Name: "a"}}
		}},
		{"roots sharing a cache name", func(c *Config) {
			c.Inputs.Roots = []string{filepath.Join("a", "lab"), filepath.Join("b", "lab")}
		}},
		{"telegram without chat", func(c *Config) {
			c.Notify.Telegram = TelegramConfig{Enabled: true, Token: "t"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestValidate_DistinctRootNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inputs.Roots = []string{filepath.Join("a", "lab"), filepath.Join("a", "lab") + string(filepath.Separator), filepath.Join("b", "field")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	cfg.Mode = ModeIntegration
	cfg.Inputs.Roots = []string{filepath.Join("a", "lab"), filepath.Join("b", "lab")}
	if err := cfg.Validate(); err != nil {
		t.Errorf("integration mode has no summary cache, Validate error: %v", err)
	}
}

func TestEntityRegexp_Default(t *testing.T) {
	re, err := DefaultConfig().EntityRegexp()
	if err != nil {
		t.Fatalf("EntityRegexp error: %v", err)
	}
	m := re.FindStringSubmatch("Kim Minsu_20230045")
	if m == nil {
		t.Fatal("expected match")
	}
	if m[1] != "Kim Minsu" || m[2] != "20230045" {
		t.Errorf("groups = %q, %q", m[1], m[2])
	}
	if re.MatchString("README") {
		t.Error("README should not match")
	}
}

func TestSaveConfigFile_RoundTrip(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Mode = ModeIntegration
	if err := SaveConfigFile(path, cfg); err != nil {
		t.Fatalf("SaveConfigFile error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %o, want 0600", info.Mode().Perm())
	}
	loaded, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile error: %v", err)
	}
	if loaded.Mode != ModeIntegration {
		t.Errorf("mode = %q, want integration", loaded.Mode)
	}
}

func TestLedgerPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := DefaultConfig()
	if got, want := cfg.LedgerPath(), filepath.Join(ConfigDir(), "data", "runs.db"); got != want {
		t.Errorf("LedgerPath = %q, want %q", got, want)
	}
	cfg.Ledger.Path = "/tmp/x.db"
	if cfg.LedgerPath() != "/tmp/x.db" {
		t.Errorf("LedgerPath = %q", cfg.LedgerPath())
	}
}
