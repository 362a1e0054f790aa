package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FileStore keeps the checkpoint in a small JSON file.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFile returns a FileStore writing to path.
func NewFile(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Load implements Store. A missing file, a malformed file or a negative
// value all mean nothing has been committed.
func (s *FileStore) Load(_ context.Context) (int, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "checkpoint: read %s", s.path)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		zap.L().Warn("checkpoint: malformed checkpoint file, starting from 0",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return 0, nil
	}
	if rec.LastLine < 0 {
		zap.L().Warn("checkpoint: negative last_line, starting from 0",
			zap.String("path", s.path),
			zap.Int("last_line", rec.LastLine),
		)
		return 0, nil
	}
	return rec.LastLine, nil
}

// Save implements Store. The file is replaced atomically: a synced temp file
// in the same directory is renamed over the old one.
func (s *FileStore) Save(_ context.Context, lineNo int) error {
	data, err := json.Marshal(Record{LastLine: lineNo, UpdatedAt: s.now().UTC()})
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "checkpoint: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) } //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: close temp file")
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: chmod temp file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return eris.Wrapf(err, "checkpoint: rename to %s", s.path)
	}
	syncDir(dir)
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// syncDir flushes the directory entry after a rename. Not every platform
// supports fsync on directories, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
