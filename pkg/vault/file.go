package vault

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/lock"
)

const maxRecordBytes = 8 << 20

// FileBackend is a JSON-Lines log. Lines are only ever appended.
type FileBackend struct {
	path   string
	locker lock.Locker
	mu     sync.Mutex
}

// NewFileBackend returns a log at path. locker guards appends across
// processes; nil means a lock file next to the log.
func NewFileBackend(path string, locker lock.Locker) *FileBackend {
	if locker == nil {
		locker = lock.NewFileLock(filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".lock"))
	}
	return &FileBackend{path: path, locker: locker}
}

// Path returns the log file path.
func (f *FileBackend) Path() string { return f.path }

type lineHeader struct {
	EventIndex *int64 `json:"event_index"`
	ChainHash  string `json:"chain_hash"`
}

func (f *FileBackend) Append(ctx context.Context, next func(head *Line) (Line, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	release, err := f.locker.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	lines, err := f.read()
	if err != nil {
		return err
	}
	var head *Line
	if n := len(lines); n > 0 {
		head = &lines[n-1]
		if head.Index < 0 {
			return fmt.Errorf("vault %s: last record is unreadable, refusing to extend", f.path)
		}
	}

	line, err := next(head)
	if err != nil {
		return err
	}
	if bytes.ContainsAny(line.Data, "\n\r") {
		return errors.New("vault: record must be a single line")
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // path is under the data root
	if err != nil {
		return err
	}
	if _, err := out.Write(append(line.Data, '\n')); err != nil {
		_ = out.Close()
		return fmt.Errorf("vault append: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (f *FileBackend) Lines(ctx context.Context) ([]Line, error) {
	return f.read()
}

// read returns every non-empty line. Index is -1 for lines whose header does
// not parse; the data is kept so verification can report the position.
func (f *FileBackend) read() ([]Line, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		return nil, fmt.Errorf("vault %s: truncated final record", f.path)
	}

	var out []Line
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	for sc.Scan() {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		l := Line{Index: -1, Data: append([]byte(nil), b...)}
		var h lineHeader
		if err := json.Unmarshal(b, &h); err == nil && h.EventIndex != nil {
			l.Index = *h.EventIndex
			l.ChainHash = h.ChainHash
		}
		out = append(out, l)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileBackend) Close() error { return nil }
