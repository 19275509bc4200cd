package aggregate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/stellarlinkco/digestor/internal/directive"
	"github.com/stellarlinkco/digestor/internal/llm"
)

// Entity is a folder whose name matched the entity pattern.
type Entity struct {
	Name   string
	ID     string
	Folder string
	Dir    string
}

// MatchEntity applies a two-group pattern to a folder name.
func MatchEntity(re *regexp.Regexp, folder string) (Entity, bool) {
	m := re.FindStringSubmatch(folder)
	if m == nil || len(m) < 3 {
		return Entity{}, false
	}
	return Entity{Name: strings.TrimSpace(m[1]), ID: m[2], Folder: folder}, true
}

// DiscoverEntities walks root and returns matching folders in lexical order.
// Matched folders are not descended into; non-matching ones are skipped.
func DiscoverEntities(root string, re *regexp.Regexp) ([]Entity, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat input root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input root is not a directory: %s", root)
	}

	var out []Entity
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() || path == root {
			return nil
		}
		e, ok := MatchEntity(re, d.Name())
		if !ok {
			return nil
		}
		e.Dir = path
		out = append(out, e)
		return fs.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("walk input root %q: %w", root, err)
	}
	return out, nil
}

// EntityContent concatenates the entity's files matching glob, sorted by name.
func EntityContent(e Entity, glob string) (string, []string, error) {
	entries, err := os.ReadDir(e.Dir)
	if err != nil {
		return "", nil, fmt.Errorf("read entity dir %q: %w", e.Dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ok, err := filepath.Match(glob, entry.Name())
		if err != nil {
			return "", nil, fmt.Errorf("match %q: %w", glob, err)
		}
		if ok {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	sections := make([]Section, 0, len(names))
	files := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(e.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("read entity file %q: %w", path, err)
		}
		sections = append(sections, Section{ID: strings.TrimSuffix(name, filepath.Ext(name)), Content: string(data)})
		files = append(files, path)
	}
	return Concatenate(sections), files, nil
}

// AudienceReport is one audience's output for an entity. Err is set when
// that audience's generation failed; other audiences are unaffected.
type AudienceReport struct {
	Audience directive.Audience
	Content  string
	Err      error
}

// ReportEntity generates one report per audience from the same content. The
// reports are independent of each other. Only cancellation is returned as an
// error; per-audience failures are reported in the slice.
func (o *Orchestrator) ReportEntity(ctx context.Context, e Entity, content string) ([]AudienceReport, error) {
	out := make([]AudienceReport, 0, len(o.set.Audiences))
	for _, a := range o.set.Audiences {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		prompt := a.Template.Render(map[string]string{
			directive.VarEntityContent: content,
			directive.VarEntityName:    e.Name,
			directive.VarEntityID:      e.ID,
		})
		o.log.Info().Str("entity", e.Folder).Str("audience", a.Name).Msg("generating audience report")
		text, err := o.generator.Generate(ctx, prompt)
		if err != nil {
			if f, ok := llm.IsFailure(err); ok && f.Kind == llm.FailureCanceled {
				return out, err
			}
			o.log.Error().Err(err).Str("entity", e.Folder).Str("audience", a.Name).Msg("audience report failed")
			out = append(out, AudienceReport{Audience: a, Err: fmt.Errorf("generate %s report for %s: %w", a.Name, e.Folder, err)})
			continue
		}
		out = append(out, AudienceReport{Audience: a, Content: text})
	}
	return out, nil
}
