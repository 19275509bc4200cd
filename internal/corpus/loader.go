// Package corpus discovers the source documents under an input root.
package corpus

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

var ErrNotDirectory = errors.New("input root is not a directory")

// Document is immutable once loaded. ID is the slash-separated path relative
// to the root with the extension stripped.
type Document struct {
	ID      string
	Path    string
	Content string
}

// Loader walks a root recursively in lexical order, keeping files with Extension.
type Loader struct {
	Extension string
	log       zerolog.Logger
}

func NewLoader(extension string, logger zerolog.Logger) *Loader {
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	return &Loader{
		Extension: extension,
		log:       logger.With().Str("component", "corpus").Logger(),
	}
}

// Load returns the documents under root in discovery order. A missing or
// unreadable root is an error; an unreadable file is logged and skipped.
func (l *Loader) Load(root string) ([]Document, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat input root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	var docs []Document
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			l.log.Error().Err(walkErr).Str("path", path).Msg("skip unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), l.Extension) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			l.log.Error().Err(err).Str("path", path).Msg("skip unreadable document")
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		docs = append(docs, Document{
			ID:      DocumentID(rel),
			Path:    path,
			Content: string(data),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk input root %q: %w", root, err)
	}
	return docs, nil
}

// DocumentID strips the extension and normalises separators.
func DocumentID(rel string) string {
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, filepath.Ext(rel))
}

// InputSetName names a corpus by the last element of its root.
func InputSetName(root string) string {
	name := filepath.Base(filepath.Clean(root))
	if name == "." || name == string(filepath.Separator) {
		return "corpus"
	}
	return name
}
