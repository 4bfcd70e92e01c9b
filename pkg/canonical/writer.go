package canonical

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileWriter persists canonical files. Writes go to a temporary sibling that
// is renamed over the target, so a reader sees either the old or the new file.
type FileWriter struct {
	// Perm is the mode of written files; zero means 0o644.
	Perm fs.FileMode
}

// NewFileWriter returns a writer with default permissions.
func NewFileWriter() *FileWriter {
	return &FileWriter{Perm: 0o644}
}

// Staged is an encoded period file waiting next to its target. Nothing at
// the target changes until Commit.
type Staged struct {
	Path   string
	SHA256 string
	Size   int64
	Rows   []Row

	tmp string
}

// Commit renames the staged bytes over the target.
func (s *Staged) Commit() error {
	if s.tmp == "" {
		return errors.New("canonical: staged file already committed or discarded")
	}
	if err := os.Rename(s.tmp, s.Path); err != nil {
		s.Discard()
		return fmt.Errorf("canonical: rename into %s: %w", s.Path, err)
	}
	s.tmp = ""
	return nil
}

// Discard removes the staged bytes. It is a no-op after Commit.
func (s *Staged) Discard() {
	if s.tmp != "" {
		_ = os.Remove(s.tmp)
		s.tmp = ""
	}
}

// Stage sorts and encodes rows into a temporary sibling of path.
func (w *FileWriter) Stage(path string, rows []Row) (*Staged, error) {
	out := make([]Row, len(rows))
	copy(out, rows)
	SortRows(out)
	if err := CheckUnique(out); err != nil {
		return nil, err
	}
	data, err := Encode(out)
	if err != nil {
		return nil, err
	}
	tmp, err := w.writeTemp(path, data)
	if err != nil {
		return nil, err
	}
	return &Staged{Path: path, SHA256: hashOf(data), Size: int64(len(data)), Rows: out, tmp: tmp}, nil
}

// StageDate stages the file at path with every row of date replaced by rows.
// Rows for other dates are carried over untouched; a missing file counts as
// empty.
func (w *FileWriter) StageDate(path, date string, rows []Row) (*Staged, error) {
	for _, r := range rows {
		if r.DeliveryDate != date {
			return nil, fmt.Errorf("canonical: row %s does not belong to %s", r.Timestamp, date)
		}
	}
	existing, err := ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	merged := make([]Row, 0, len(existing)+len(rows))
	for _, r := range existing {
		if r.DeliveryDate != date {
			merged = append(merged, r)
		}
	}
	merged = append(merged, rows...)
	return w.Stage(path, merged)
}

// WritePeriod replaces the whole file at path with rows. It returns the SHA-256
// of the written bytes.
func (w *FileWriter) WritePeriod(path string, rows []Row) (string, error) {
	s, err := w.Stage(path, rows)
	if err != nil {
		return "", err
	}
	if err := s.Commit(); err != nil {
		return "", err
	}
	return s.SHA256, nil
}

// ReplaceDate rewrites the file at path with the rows of date replaced.
func (w *FileWriter) ReplaceDate(path, date string, rows []Row) (string, error) {
	s, err := w.StageDate(path, date, rows)
	if err != nil {
		return "", err
	}
	if err := s.Commit(); err != nil {
		return "", err
	}
	return s.SHA256, nil
}

// ReadFile decodes the canonical file at path.
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from the data root
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	rows, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

func (w *FileWriter) writeTemp(path string, data []byte) (string, error) {
	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("canonical: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("canonical: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("canonical: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("canonical: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return "", err
	}
	return tmpName, nil
}
