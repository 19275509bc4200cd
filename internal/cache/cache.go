// Package cache keeps one generated summary per document on disk so that
// re-runs only generate what is missing.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/corpus"
	"github.com/stellarlinkco/digestor/internal/directive"
	"github.com/stellarlinkco/digestor/internal/llm"
)

// ArtifactSuffix is appended to the document identifier to name its artifact.
const ArtifactSuffix = "_summary.md"

type Origin string

const (
	OriginCached    Origin = "cached"
	OriginGenerated Origin = "generated"
)

type SummaryArtifact struct {
	DocumentID string
	Path       string
	Content    string
	Origin     Origin
}

// DocumentFailure records a document whose summary could not be generated.
// Its artifact is left unwritten so the next run retries it.
type DocumentFailure struct {
	DocumentID string
	Err        error
}

// DocumentError aggregates the per-document failures of one Ensure call.
type DocumentError struct {
	Failures []DocumentFailure
}

func (e *DocumentError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.DocumentID)
	}
	return fmt.Sprintf("summarize %d document(s): %s", len(e.Failures), strings.Join(ids, ", "))
}

func (e *DocumentError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

type Manager struct {
	dir           string
	directive     *directive.Template
	generator     llm.Generator
	preserveOrder bool
	log           zerolog.Logger
}

// NewManager stores artifacts under dir. With preserveOrder false, Ensure
// returns cached artifacts before generated ones, each group in document
// order; with true, artifacts follow document order.
func NewManager(dir string, tpl *directive.Template, gen llm.Generator, preserveOrder bool, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:           dir,
		directive:     tpl,
		generator:     gen,
		preserveOrder: preserveOrder,
		log:           logger.With().Str("component", "cache").Logger(),
	}
}

// Path derives the artifact location for a document of inputSet.
func (m *Manager) Path(inputSet, documentID string) string {
	return filepath.Join(m.dir, inputSet, filepath.FromSlash(documentID)+ArtifactSuffix)
}

// Ensure returns an artifact for every document it could summarize. Existing
// artifacts are reused without a freshness check. Generation failures are
// collected into a *DocumentError returned alongside the successful
// artifacts; a canceled context stops the loop and is returned as is.
func (m *Manager) Ensure(ctx context.Context, inputSet string, docs []corpus.Document) ([]SummaryArtifact, error) {
	var cached, pending []corpus.Document
	for _, doc := range docs {
		if m.exists(m.Path(inputSet, doc.ID)) {
			cached = append(cached, doc)
		} else {
			pending = append(pending, doc)
		}
	}
	m.log.Info().
		Str("input_set", inputSet).
		Int("cached", len(cached)).
		Int("pending", len(pending)).
		Msg("summary cache partitioned")

	byID := make(map[string]SummaryArtifact, len(docs))
	var out []SummaryArtifact
	var failures []DocumentFailure

	for _, doc := range cached {
		path := m.Path(inputSet, doc.ID)
		data, err := os.ReadFile(path)
		if err != nil {
			m.log.Error().Err(err).Str("document", doc.ID).Msg("read cached summary")
			failures = append(failures, DocumentFailure{DocumentID: doc.ID, Err: fmt.Errorf("read summary %q: %w", path, err)})
			continue
		}
		a := SummaryArtifact{DocumentID: doc.ID, Path: path, Content: string(data), Origin: OriginCached}
		byID[doc.ID] = a
		out = append(out, a)
	}

	for _, doc := range pending {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("summarize %s: %w", inputSet, err)
		}
		a, err := m.generate(ctx, inputSet, doc)
		if err != nil {
			if f, ok := llm.IsFailure(err); ok && f.Kind == llm.FailureCanceled {
				return nil, fmt.Errorf("summarize %s: %w", inputSet, err)
			}
			m.log.Error().Err(err).Str("document", doc.ID).Msg("summary not generated, will retry next run")
			failures = append(failures, DocumentFailure{DocumentID: doc.ID, Err: err})
			continue
		}
		byID[doc.ID] = a
		out = append(out, a)
	}

	if m.preserveOrder {
		out = out[:0]
		for _, doc := range docs {
			if a, ok := byID[doc.ID]; ok {
				out = append(out, a)
			}
		}
	}

	if len(failures) > 0 {
		return out, &DocumentError{Failures: failures}
	}
	return out, nil
}

func (m *Manager) generate(ctx context.Context, inputSet string, doc corpus.Document) (SummaryArtifact, error) {
	prompt := m.directive.Render(map[string]string{
		directive.VarDocumentContent: doc.Content,
		directive.VarDocumentID:      doc.ID,
	})
	m.log.Debug().Str("document", doc.ID).Msg("generating summary")
	text, err := m.generator.Generate(ctx, prompt)
	if err != nil {
		return SummaryArtifact{}, fmt.Errorf("generate summary for %s: %w", doc.ID, err)
	}

	path := m.Path(inputSet, doc.ID)
	if err := writeAtomic(path, text); err != nil {
		return SummaryArtifact{}, err
	}
	return SummaryArtifact{DocumentID: doc.ID, Path: path, Content: text, Origin: OriginGenerated}, nil
}

func (m *Manager) exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.log.Warn().Err(err).Str("path", path).Msg("stat summary")
		}
		return false
	}
	return !info.IsDir()
}

// writeAtomic renames a fully written temp file into place; a partial
// artifact would otherwise be reused as cached on the next run.
func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create summary dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".summary-*")
	if err != nil {
		return fmt.Errorf("create temp summary: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close summary: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename summary: %w", err)
	}
	return nil
}
