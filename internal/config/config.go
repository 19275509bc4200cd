package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ai8future/chassis-go/v5/config"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProvider        = "anthropic"
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens       = 8192
	DefaultTemperature     = 0.7
	DefaultContextLimit    = 8192
	DefaultDirectFraction  = 0.6
	DefaultTwoStepFraction = 0.85
	DefaultTokenizer       = "auto"
	DefaultExtension       = ".md"
	DefaultReportExtension = "md"
	DefaultEntityPattern   = `^(.+)_(\d{8})$`
	DefaultEntityFileGlob  = "*.txt"
	DefaultLogLevel        = "info"
	DefaultScheduleSpec    = "0 0 3 * * *"
)

const (
	ModeSummary     = "summary"
	ModeIntegration = "integration"
	ModeReport      = "report"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Mode       string           `json:"mode" yaml:"mode"`
	Provider   ProviderConfig   `json:"provider" yaml:"provider"`
	Model      ModelConfig      `json:"model" yaml:"model"`
	Budget     BudgetConfig     `json:"budget" yaml:"budget"`
	Inputs     InputsConfig     `json:"inputs" yaml:"inputs"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Output     OutputConfig     `json:"output" yaml:"output"`
	Directives DirectivesConfig `json:"directives" yaml:"directives"`
	Report     ReportConfig     `json:"report" yaml:"report"`
	Feedback   FeedbackConfig   `json:"feedback" yaml:"feedback"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger"`
	Schedule   ScheduleConfig   `json:"schedule" yaml:"schedule"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" (default), "openai" or "compatible"
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

type ModelConfig struct {
	Name         string       `json:"name" yaml:"name"`
	Temperature  float64      `json:"temperature" yaml:"temperature"`
	MaxTokens    int          `json:"maxTokens" yaml:"maxTokens"`
	DefaultLimit int          `json:"defaultLimit,omitempty" yaml:"defaultLimit,omitempty"`
	Limits       []ModelLimit `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// ModelLimit maps a model-name fragment to its context window in tokens.
type ModelLimit struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Limit   int    `json:"limit" yaml:"limit"`
}

type BudgetConfig struct {
	DirectFraction  float64 `json:"directFraction" yaml:"directFraction"`
	TwoStepFraction float64 `json:"twoStepFraction" yaml:"twoStepFraction"`
	Tokenizer       string  `json:"tokenizer,omitempty" yaml:"tokenizer,omitempty"` // auto, anthropic, tiktoken, none
}

type InputsConfig struct {
	Roots     []string `json:"roots" yaml:"roots"`
	Extension string   `json:"extension,omitempty" yaml:"extension,omitempty"`
}

type CacheConfig struct {
	Dir                   string `json:"dir" yaml:"dir"`
	PreserveDocumentOrder bool   `json:"preserveDocumentOrder" yaml:"preserveDocumentOrder"`
}

type OutputConfig struct {
	Dir        string `json:"dir" yaml:"dir"`
	Extension  string `json:"extension,omitempty" yaml:"extension,omitempty"`
	RenderHTML bool   `json:"renderHtml" yaml:"renderHtml"`
}

type DirectivesConfig struct {
	IndividualSummary     string `json:"individualSummary,omitempty" yaml:"individualSummary,omitempty"`
	ComprehensiveAnalysis string `json:"comprehensiveAnalysis,omitempty" yaml:"comprehensiveAnalysis,omitempty"`
	IntegrationAnalysis   string `json:"integrationAnalysis,omitempty" yaml:"integrationAnalysis,omitempty"`
	IntegrationReport     string `json:"integrationReport,omitempty" yaml:"integrationReport,omitempty"`
}

type ReportConfig struct {
	EntityPattern string           `json:"entityPattern,omitempty" yaml:"entityPattern,omitempty"`
	FileGlob      string           `json:"fileGlob,omitempty" yaml:"fileGlob,omitempty"`
	Audiences     []AudienceConfig `json:"audiences,omitempty" yaml:"audiences,omitempty"`
}

type AudienceConfig struct {
	Name     string `json:"name" yaml:"name"`
	Template string `json:"template" yaml:"template"`
	Subdir   string `json:"subdir,omitempty" yaml:"subdir,omitempty"`
}

type FeedbackConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Template      string `json:"template,omitempty" yaml:"template,omitempty"`
	ReferenceInfo string `json:"referenceInfo,omitempty" yaml:"referenceInfo,omitempty"`
}

type LedgerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

type ScheduleConfig struct {
	Spec string `json:"spec,omitempty" yaml:"spec,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	ChatID  int64  `json:"chatId" yaml:"chatId"`
	Proxy   string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

// EnvOverrides is applied after the config file. Only non-empty values apply.
type EnvOverrides struct {
	APIKey          string `env:"DIGESTOR_API_KEY" required:"false"`
	BaseURL         string `env:"DIGESTOR_BASE_URL" required:"false"`
	Provider        string `env:"DIGESTOR_PROVIDER" required:"false"`
	Model           string `env:"DIGESTOR_MODEL" required:"false"`
	OutputDir       string `env:"DIGESTOR_OUTPUT_DIR" required:"false"`
	LogLevel        string `env:"DIGESTOR_LOG_LEVEL" required:"false"`
	DirectFraction  string `env:"DIGESTOR_DIRECT_FRACTION" required:"false"`
	TwoStepFraction string `env:"DIGESTOR_TWO_STEP_FRACTION" required:"false"`
	TelegramToken   string `env:"DIGESTOR_TELEGRAM_TOKEN" required:"false"`
}

func DefaultConfig() *Config {
	return &Config{
		Mode:     ModeSummary,
		Provider: ProviderConfig{Type: DefaultProvider},
		Model: ModelConfig{
			Name:         DefaultModel,
			Temperature:  DefaultTemperature,
			MaxTokens:    DefaultMaxTokens,
			DefaultLimit: DefaultContextLimit,
		},
		Budget: BudgetConfig{
			DirectFraction:  DefaultDirectFraction,
			TwoStepFraction: DefaultTwoStepFraction,
			Tokenizer:       DefaultTokenizer,
		},
		Inputs: InputsConfig{
			Roots:     []string{"data"},
			Extension: DefaultExtension,
		},
		Cache: CacheConfig{
			Dir: filepath.Join("outputs", "summaries"),
		},
		Output: OutputConfig{
			Dir:       filepath.Join("outputs", "reports"),
			Extension: DefaultReportExtension,
		},
		Directives: DirectivesConfig{
			IndividualSummary:     filepath.Join("prompts", "individual_summary.md"),
			ComprehensiveAnalysis: filepath.Join("prompts", "comprehensive_analysis.md"),
			IntegrationAnalysis:   filepath.Join("prompts", "integration_analysis.md"),
			IntegrationReport:     filepath.Join("prompts", "integration_report.md"),
		},
		Report: ReportConfig{
			EntityPattern: DefaultEntityPattern,
			FileGlob:      DefaultEntityFileGlob,
			Audiences: []AudienceConfig{
				{Name: "student", Template: filepath.Join("prompts", "student_report.md"), Subdir: "student"},
				{Name: "instructor", Template: filepath.Join("prompts", "instructor_report.md"), Subdir: "instructor"},
			},
		},
		Feedback: FeedbackConfig{
			Template: filepath.Join("prompts", "feedback.md"),
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
		Schedule: ScheduleConfig{Spec: DefaultScheduleSpec},
		Log:      LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".digestor")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LedgerPath returns the configured ledger database path or the default under ConfigDir.
func (c *Config) LedgerPath() string {
	if p := strings.TrimSpace(c.Ledger.Path); p != "" {
		return expandHome(p)
	}
	return filepath.Join(ConfigDir(), "data", "runs.db")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads path (JSON with comments, or YAML by extension) over the
// defaults. A missing file yields the defaults plus environment overrides.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyFallbacks(cfg)

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
}

func applyEnvOverrides(cfg *Config) error {
	env := config.MustLoad[EnvOverrides]()

	if env.APIKey != "" {
		cfg.Provider.APIKey = env.APIKey
	}
	if env.BaseURL != "" {
		cfg.Provider.BaseURL = env.BaseURL
	}
	if env.Provider != "" {
		cfg.Provider.Type = env.Provider
	}
	if env.Model != "" {
		cfg.Model.Name = env.Model
	}
	if env.OutputDir != "" {
		cfg.Output.Dir = expandHome(env.OutputDir)
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	if env.DirectFraction != "" {
		parsed, err := strconv.ParseFloat(env.DirectFraction, 64)
		if err != nil {
			return fmt.Errorf("parse DIGESTOR_DIRECT_FRACTION: %w", err)
		}
		cfg.Budget.DirectFraction = parsed
	}
	if env.TwoStepFraction != "" {
		parsed, err := strconv.ParseFloat(env.TwoStepFraction, 64)
		if err != nil {
			return fmt.Errorf("parse DIGESTOR_TWO_STEP_FRACTION: %w", err)
		}
		cfg.Budget.TwoStepFraction = parsed
	}
	if env.TelegramToken != "" {
		cfg.Notify.Telegram.Token = env.TelegramToken
	}

	if cfg.Provider.APIKey == "" {
		switch cfg.Provider.Type {
		case "openai", "compatible":
			cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
				cfg.Provider.APIKey = key
			} else {
				cfg.Provider.APIKey = os.Getenv("ANTHROPIC_AUTH_TOKEN")
			}
		}
	}
	return nil
}

func applyFallbacks(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeSummary
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProvider
	}
	if cfg.Model.DefaultLimit <= 0 {
		cfg.Model.DefaultLimit = DefaultContextLimit
	}
	if cfg.Budget.DirectFraction <= 0 {
		cfg.Budget.DirectFraction = DefaultDirectFraction
	}
	if cfg.Budget.TwoStepFraction <= 0 {
		cfg.Budget.TwoStepFraction = DefaultTwoStepFraction
	}
	if cfg.Budget.Tokenizer == "" {
		cfg.Budget.Tokenizer = DefaultTokenizer
	}
	if cfg.Inputs.Extension == "" {
		cfg.Inputs.Extension = DefaultExtension
	}
	if !strings.HasPrefix(cfg.Inputs.Extension, ".") {
		cfg.Inputs.Extension = "." + cfg.Inputs.Extension
	}
	if cfg.Output.Extension == "" {
		cfg.Output.Extension = DefaultReportExtension
	}
	cfg.Output.Extension = strings.TrimPrefix(cfg.Output.Extension, ".")
	if cfg.Report.EntityPattern == "" {
		cfg.Report.EntityPattern = DefaultEntityPattern
	}
	if cfg.Report.FileGlob == "" {
		cfg.Report.FileGlob = DefaultEntityFileGlob
	}
	if cfg.Schedule.Spec == "" {
		cfg.Schedule.Spec = DefaultScheduleSpec
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	for i, root := range cfg.Inputs.Roots {
		cfg.Inputs.Roots[i] = expandHome(root)
	}
	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)
	cfg.Output.Dir = expandHome(cfg.Output.Dir)
}

// Validate reports configuration errors that must stop a run before any side effect.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSummary, ModeIntegration, ModeReport:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	switch c.Provider.Type {
	case "anthropic", "openai", "compatible":
	default:
		return fmt.Errorf("%w: unknown provider type %q", ErrInvalidConfig, c.Provider.Type)
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidConfig)
	}
	d, t := c.Budget.DirectFraction, c.Budget.TwoStepFraction
	if d <= 0 || t > 1 || d > t {
		return fmt.Errorf("%w: thresholds must satisfy 0 < direct (%.2f) <= twoStep (%.2f) <= 1", ErrInvalidConfig, d, t)
	}
	for _, l := range c.Model.Limits {
		if strings.TrimSpace(l.Pattern) == "" || l.Limit <= 0 {
			return fmt.Errorf("%w: model limit entry %q=%d", ErrInvalidConfig, l.Pattern, l.Limit)
		}
	}
	if len(c.Inputs.Roots) == 0 {
		return fmt.Errorf("%w: no input roots configured", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("%w: output dir is empty", ErrInvalidConfig)
	}
	if c.Mode == ModeSummary {
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return fmt.Errorf("%w: cache dir is empty", ErrInvalidConfig)
		}
		// Summaries are cached under the root's base name.
		seen := make(map[string]string, len(c.Inputs.Roots))
		for _, root := range c.Inputs.Roots {
			name := filepath.Base(filepath.Clean(root))
			if prev, dup := seen[name]; dup && filepath.Clean(prev) != filepath.Clean(root) {
				return fmt.Errorf("%w: input roots %q and %q share the cache name %q", ErrInvalidConfig, prev, root, name)
			}
			seen[name] = root
		}
	}
	if c.Mode == ModeReport {
		if _, err := c.EntityRegexp(); err != nil {
			return err
		}
		if len(c.Report.Audiences) == 0 {
			return fmt.Errorf("%w: report mode needs at least one audience", ErrInvalidConfig)
		}
		seen := make(map[string]struct{}, len(c.Report.Audiences))
		for _, a := range c.Report.Audiences {
			if strings.TrimSpace(a.Name) == "" {
				return fmt.Errorf("%w: audience without name", ErrInvalidConfig)
			}
			if _, dup := seen[a.Name]; dup {
				return fmt.Errorf("%w: duplicate audience %q", ErrInvalidConfig, a.Name)
			}
			seen[a.Name] = struct{}{}
		}
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0) {
		return fmt.Errorf("%w: telegram notify needs token and chatId", ErrInvalidConfig)
	}
	return nil
}

// EntityRegexp compiles the report-mode folder pattern; it must have exactly two groups.
func (c *Config) EntityRegexp() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.Report.EntityPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: entity pattern: %v", ErrInvalidConfig, err)
	}
	if re.NumSubexp() != 2 {
		return nil, fmt.Errorf("%w: entity pattern %q must have exactly two groups, has %d", ErrInvalidConfig, c.Report.EntityPattern, re.NumSubexp())
	}
	return re, nil
}

func SaveConfig(cfg *Config) error {
	return SaveConfigFile(ConfigPath(), cfg)
}

func SaveConfigFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
