package directive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/stellarlinkco/digestor/internal/config"
)

const defaultIndividualSummary = `---
name: individual_summary
description: Summarize one source document.
---
Summarize the following document. Keep the key findings, figures and open
questions. Write in Markdown.

{document_content}
`

const defaultComprehensiveAnalysis = `---
name: comprehensive_analysis
description: Synthesize all document summaries into one report.
---
The sections below are summaries of individual documents, each introduced by a
"--- DOCUMENT: <id> ---" header. Write a comprehensive analysis that compares
them, identifies common themes and disagreements, and ends with conclusions.

{documents_concatenated}
`

const defaultIntegrationAnalysis = `---
name: integration_analysis
description: Analyze the full documents together.
---
Analyze the documents below as one body of work. Identify the shared structure,
the relationships between documents, and any contradictions.

{documents_concatenated}
`

const defaultIntegrationReport = `---
name: integration_report
description: Turn an integration analysis into the final report.
---
Using the analysis below, write the final integrated report in Markdown with an
executive summary, detailed findings and recommendations.

{integration_analysis}
`

const defaultAudienceReport = `---
name: %[1]s_report
description: Report on one entity for the %[1]s audience.
---
Write a report about {entity_name} ({entity_id}) for a %[1]s reader, based only
on the material below.

{entity_content}
`

const defaultFeedback = `---
name: feedback
description: Review a finished report against reference information.
---
Review the report below against the reference information. List factual
errors, missing points and concrete improvements.

## Report

{report_content}

## Reference information

{reference_info}
`

// WriteDefaults writes a default template for every directive path in cfg,
// leaving existing files untouched. It returns the paths it created.
func WriteDefaults(cfg *config.Config) ([]string, error) {
	files := []struct {
		path string
		body string
	}{
		{cfg.Directives.IndividualSummary, defaultIndividualSummary},
		{cfg.Directives.ComprehensiveAnalysis, defaultComprehensiveAnalysis},
		{cfg.Directives.IntegrationAnalysis, defaultIntegrationAnalysis},
		{cfg.Directives.IntegrationReport, defaultIntegrationReport},
		{cfg.Feedback.Template, defaultFeedback},
	}
	for _, a := range cfg.Report.Audiences {
		files = append(files, struct {
			path string
			body string
		}{a.Template, fmt.Sprintf(defaultAudienceReport, a.Name)})
	}

	var created []string
	for _, f := range files {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return created, fmt.Errorf("stat directive %q: %w", f.path, err)
		}
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return created, fmt.Errorf("create directive dir: %w", err)
		}
		if err := os.WriteFile(f.path, []byte(f.body), 0o644); err != nil {
			return created, fmt.Errorf("write directive %q: %w", f.path, err)
		}
		created = append(created, f.path)
	}
	return created, nil
}
