// Package directive loads the prompt templates consumed by the generator.
package directive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindIndividualSummary     Kind = "individual_summary"
	KindComprehensiveAnalysis Kind = "comprehensive_analysis"
	KindIntegrationAnalysis   Kind = "integration_analysis"
	KindIntegrationReport     Kind = "integration_report"
	KindAudienceReport        Kind = "audience_report"
	KindFeedback              Kind = "feedback"
)

// Placeholder names substituted into templates as {name}.
const (
	VarDocumentContent       = "document_content"
	VarDocumentID            = "document_id"
	VarDocumentsConcatenated = "documents_concatenated"
	VarIntegrationAnalysis   = "integration_analysis"
	VarEntityContent         = "entity_content"
	VarEntityName            = "entity_name"
	VarEntityID              = "entity_id"
	VarReportContent         = "report_content"
	VarReferenceInfo         = "reference_info"
)

var (
	ErrTemplateMissing    = errors.New("directive template missing")
	ErrPlaceholderMissing = errors.New("directive placeholder missing")
	errInvalidFrontmatter = errors.New("invalid directive YAML frontmatter")
)

var required = map[Kind][]string{
	KindIndividualSummary:     {VarDocumentContent},
	KindComprehensiveAnalysis: {VarDocumentsConcatenated},
	KindIntegrationAnalysis:   {VarDocumentsConcatenated},
	KindIntegrationReport:     {VarIntegrationAnalysis},
	KindAudienceReport:        {VarEntityContent},
	KindFeedback:              {VarReportContent, VarReferenceInfo},
}

// Required lists the placeholders a template of kind must contain.
func Required(kind Kind) []string {
	return append([]string(nil), required[kind]...)
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Template is a parsed directive. Body excludes any frontmatter.
type Template struct {
	Kind        Kind
	Name        string
	Description string
	Path        string
	Body        string
}

// Render substitutes {name} placeholders in a single pass, so substituted
// content is never expanded again. Unknown placeholders are left as-is.
func (t *Template) Render(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(t.Body)
}

// Load reads and validates the template at path.
func Load(kind Kind, path string) (*Template, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: no path configured for %s", ErrTemplateMissing, kind)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrTemplateMissing, path, kind)
		}
		return nil, fmt.Errorf("read directive %q: %w", path, err)
	}
	t, err := Parse(kind, string(content))
	if err != nil {
		return nil, fmt.Errorf("parse directive %q: %w", path, err)
	}
	t.Path = path
	return t, nil
}

// LoadOptional returns nil without error when path is unset or absent.
func LoadOptional(kind Kind, path string) (*Template, error) {
	t, err := Load(kind, path)
	if errors.Is(err, ErrTemplateMissing) {
		return nil, nil
	}
	return t, err
}

// Parse builds a template from raw text with optional YAML frontmatter.
func Parse(kind Kind, content string) (*Template, error) {
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	for _, name := range required[kind] {
		if !strings.Contains(body, "{"+name+"}") {
			return nil, fmt.Errorf("%w: %s template needs {%s}", ErrPlaceholderMissing, kind, name)
		}
	}
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name = string(kind)
	}
	return &Template{
		Kind:        kind,
		Name:        name,
		Description: strings.TrimSpace(meta.Description),
		Body:        body,
	}, nil
}

func parseFrontmatter(content string) (frontmatter, string, error) {
	text := strings.TrimPrefix(content, "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return frontmatter{}, text, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("%w: %v", errInvalidFrontmatter, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}
