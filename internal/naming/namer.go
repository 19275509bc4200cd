// Package naming allocates versioned, collision-free report paths.
package naming

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const dateLayout = "20060102"

// maxSequence bounds probing so a broken filesystem cannot loop forever.
const maxSequence = 100000

var ErrExhausted = errors.New("no free report sequence number")

// Key identifies a family of reports sharing everything but the sequence number.
type Key struct {
	Date     time.Time
	Model    string
	InputSet string
	Mode     string
}

// ReportRecord is the outcome of a persisted report.
type ReportRecord struct {
	Path     string
	Sequence int
	Mode     string
}

var unsafeChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-", "?", "-",
	"\"", "-", "<", "-", ">", "-", "|", "-", " ", "_",
)

// Sanitize makes a key component usable as part of a file name.
func Sanitize(s string) string {
	return unsafeChars.Replace(strings.TrimSpace(s))
}

// Namer places reports in Dir with extension Ext. It assumes a single writer
// per directory; concurrent writers may still race between probe and create,
// which Write resolves by moving to the next number rather than overwriting.
type Namer struct {
	Dir string
	Ext string
}

func NewNamer(dir, ext string) *Namer {
	return &Namer{Dir: dir, Ext: strings.TrimPrefix(ext, ".")}
}

// Stem composes {dir}/{yyyymmdd}_{model}_{inputSet}_{mode}.
func (n *Namer) Stem(key Key) string {
	name := fmt.Sprintf("%s_%s_%s_%s",
		key.Date.Format(dateLayout),
		Sanitize(key.Model),
		Sanitize(key.InputSet),
		Sanitize(key.Mode),
	)
	return filepath.Join(n.Dir, name)
}

// Path is Stem(key) followed by _{seq}.{ext}.
func (n *Namer) Path(key Key, seq int) string {
	return versioned(n.Stem(key), n.Ext, seq)
}

// Allocate returns the smallest sequence number whose path does not exist.
func (n *Namer) Allocate(key Key) (ReportRecord, error) {
	path, seq, err := Allocate(n.Stem(key), n.Ext)
	if err != nil {
		return ReportRecord{}, err
	}
	return ReportRecord{Path: path, Sequence: seq, Mode: key.Mode}, nil
}

// Write allocates a path and creates it exclusively. Existing reports are
// never opened for writing.
func (n *Namer) Write(key Key, content string) (ReportRecord, error) {
	path, seq, err := WriteVersioned(n.Stem(key), n.Ext, content)
	if err != nil {
		return ReportRecord{}, err
	}
	return ReportRecord{Path: path, Sequence: seq, Mode: key.Mode}, nil
}

func versioned(stem, ext string, seq int) string {
	return fmt.Sprintf("%s_%d.%s", stem, seq, ext)
}

// Allocate probes {stem}_{n}.{ext} from n = 1 and returns the first free path.
func Allocate(stem, ext string) (string, int, error) {
	ext = strings.TrimPrefix(ext, ".")
	for seq := 1; seq <= maxSequence; seq++ {
		path := versioned(stem, ext, seq)
		_, err := os.Lstat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return path, seq, nil
		}
		if err != nil {
			return "", 0, fmt.Errorf("probe report path %q: %w", path, err)
		}
	}
	return "", 0, fmt.Errorf("%w for %s", ErrExhausted, stem)
}

// WriteVersioned writes content to the first free {stem}_{n}.{ext}, creating
// the file exclusively and moving on if another writer took the number.
func WriteVersioned(stem, ext, content string) (string, int, error) {
	ext = strings.TrimPrefix(ext, ".")
	if err := os.MkdirAll(filepath.Dir(stem), 0o755); err != nil {
		return "", 0, fmt.Errorf("create report dir: %w", err)
	}
	for {
		path, seq, err := Allocate(stem, ext)
		if err != nil {
			return "", 0, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", 0, fmt.Errorf("create report %q: %w", path, err)
		}
		if _, err := f.WriteString(content); err != nil {
			f.Close()
			return "", 0, fmt.Errorf("write report %q: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", 0, fmt.Errorf("close report %q: %w", path, err)
		}
		return path, seq, nil
	}
}
