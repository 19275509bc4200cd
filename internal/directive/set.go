package directive

import (
	"fmt"

	"github.com/stellarlinkco/digestor/internal/config"
)

// Audience is one report-mode output stream.
type Audience struct {
	Name     string
	Subdir   string
	Template *Template
}

// Set holds the templates needed by the configured mode. IntegrationReport is
// nil when the two-step template is not configured; callers then run a single
// integration call.
type Set struct {
	IndividualSummary     *Template
	ComprehensiveAnalysis *Template
	IntegrationAnalysis   *Template
	IntegrationReport     *Template
	Audiences             []Audience
	Feedback              *Template
}

// LoadSet loads every template cfg.Mode depends on. Any required template that
// is absent or lacks a required placeholder is an error.
func LoadSet(cfg *config.Config) (*Set, error) {
	s := &Set{}
	var err error
	d := cfg.Directives

	switch cfg.Mode {
	case config.ModeSummary:
		if s.IndividualSummary, err = Load(KindIndividualSummary, d.IndividualSummary); err != nil {
			return nil, err
		}
		if s.ComprehensiveAnalysis, err = Load(KindComprehensiveAnalysis, d.ComprehensiveAnalysis); err != nil {
			return nil, err
		}
	case config.ModeIntegration:
		if s.IntegrationAnalysis, err = Load(KindIntegrationAnalysis, d.IntegrationAnalysis); err != nil {
			return nil, err
		}
		if s.IntegrationReport, err = LoadOptional(KindIntegrationReport, d.IntegrationReport); err != nil {
			return nil, err
		}
	case config.ModeReport:
		for _, a := range cfg.Report.Audiences {
			t, err := Load(KindAudienceReport, a.Template)
			if err != nil {
				return nil, fmt.Errorf("audience %q: %w", a.Name, err)
			}
			subdir := a.Subdir
			if subdir == "" {
				subdir = a.Name
			}
			s.Audiences = append(s.Audiences, Audience{Name: a.Name, Subdir: subdir, Template: t})
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", config.ErrInvalidConfig, cfg.Mode)
	}

	if cfg.Feedback.Enabled && cfg.Mode != config.ModeReport {
		if s.Feedback, err = Load(KindFeedback, cfg.Feedback.Template); err != nil {
			return nil, err
		}
	}
	return s, nil
}
