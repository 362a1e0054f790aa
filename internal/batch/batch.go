// Package batch stores fixed-size groups of resolved records as individually
// named CSV artifacts in a blob bucket.
package batch

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // gs:// buckets
	_ "gocloud.dev/blob/memblob" // mem:// buckets
	_ "gocloud.dev/blob/s3blob"  // s3:// buckets
	"gocloud.dev/gcerrors"

	"github.com/sells-group/zipgeo/internal/model"
)

// Compression codecs for batch artifacts.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

const keyPrefix = "batch_"

// keyPattern matches both zero-padded and legacy unpadded artifact names.
var keyPattern = regexp.MustCompile(`^batch_(\d+)\.csv(\.zst)?$`)

// Artifact identifies one stored batch.
type Artifact struct {
	Index      int
	Key        string
	Compressed bool
}

// Store reads and writes batch artifacts.
type Store struct {
	bucket      *blob.Bucket
	compression string
	dir         string                  // local directory backing bucket, if any
	syncFile    func(path string) error // fsyncs a committed local artifact
}

// Option configures a Store.
type Option func(*Store)

// WithCompression selects the codec used by Flush. Reading always detects
// the codec from the artifact name.
func WithCompression(c string) Option {
	return func(s *Store) {
		if c != "" {
			s.compression = c
		}
	}
}

// Open opens the bucket at location. A plain path is treated as a local
// directory and created if missing; anything with a scheme is passed to
// blob.OpenBucket.
func Open(ctx context.Context, location string, opts ...Option) (*Store, error) {
	var (
		bucket *blob.Bucket
		err    error
	)
	if strings.Contains(location, "://") {
		bucket, err = blob.OpenBucket(ctx, location)
		if err != nil {
			return nil, eris.Wrapf(err, "batch: open bucket %s", location)
		}
	} else {
		if err := os.MkdirAll(location, 0o755); err != nil {
			return nil, eris.Wrapf(err, "batch: create dir %s", location)
		}
		bucket, err = fileblob.OpenBucket(location, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "batch: open dir %s", location)
		}
		s := NewStore(bucket, opts...)
		s.dir = location
		return s, nil
	}
	return NewStore(bucket, opts...), nil
}

// NewStore wraps an already opened bucket. The Store takes ownership of it.
func NewStore(bucket *blob.Bucket, opts ...Option) *Store {
	s := &Store{bucket: bucket, compression: CompressionNone, syncFile: syncFile}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the artifact name for index under the given codec.
func Key(index int, compressed bool) string {
	k := fmt.Sprintf("%s%06d.csv", keyPrefix, index)
	if compressed {
		k += ".zst"
	}
	return k
}

// ParseKey extracts the batch index from an artifact name.
func ParseKey(key string) (Artifact, bool) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return Artifact{}, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return Artifact{}, false
	}
	return Artifact{Index: idx, Key: key, Compressed: m[2] != ""}, true
}

// Flush writes records as the artifact for index, replacing whatever was
// stored there before. The write is committed only if every row is written.
func (s *Store) Flush(ctx context.Context, index int, records []model.ResolvedRecord) error {
	if index < 0 {
		return eris.Errorf("batch: negative index %d", index)
	}
	compressed := s.compression == CompressionZstd
	key := Key(index, compressed)

	// Cancelling the writer context discards the partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "text/csv"})
	if err != nil {
		return eris.Wrapf(err, "batch: create writer for %s", key)
	}

	if err := writeRows(w, records, compressed); err != nil {
		cancel()
		w.Close() //nolint:errcheck
		return eris.Wrapf(err, "batch: write %s", key)
	}
	if err := w.Close(); err != nil {
		return eris.Wrapf(err, "batch: commit %s", key)
	}

	// A store reconfigured between runs may hold the same index under the
	// other codec; drop it so the index maps to exactly one artifact.
	stale := Key(index, !compressed)
	if err := s.bucket.Delete(ctx, stale); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return eris.Wrapf(err, "batch: remove stale %s", stale)
	}
	return s.sync(key)
}

// sync makes a local artifact and its directory entry durable. fileblob
// renames its temp file into place without fsync, so a power loss could
// otherwise leave a committed index empty behind an advanced checkpoint.
func (s *Store) sync(key string) error {
	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, key)
	if err := s.syncFile(path); err != nil {
		return eris.Wrapf(err, "batch: sync %s", key)
	}
	if err := s.syncFile(s.dir); err != nil {
		return eris.Wrapf(err, "batch: sync dir %s", s.dir)
	}
	return nil
}

// syncFile fsyncs path, which may be a regular file or a directory.
func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		if fi, statErr := os.Stat(path); statErr == nil && fi.IsDir() {
			return nil // not every platform can fsync a directory
		}
		return err
	}
	return f.Close()
}

func writeRows(w io.Writer, records []model.ResolvedRecord, compressed bool) error {
	var zw *zstd.Encoder
	if compressed {
		var err error
		zw, err = zstd.NewWriter(w)
		if err != nil {
			return eris.Wrap(err, "create zstd encoder")
		}
		w = zw
	}

	cw := csv.NewWriter(w)
	for _, r := range records {
		if err := cw.Write(r.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	if zw != nil {
		return zw.Close()
	}
	return nil
}

// List returns every batch artifact ordered by numeric index. Two artifacts
// sharing an index are reported as an error.
func (s *Store) List(ctx context.Context) ([]Artifact, error) {
	var out []Artifact
	seen := make(map[int]string)

	iter := s.bucket.List(&blob.ListOptions{Prefix: keyPrefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "batch: list")
		}
		if obj.IsDir {
			continue
		}
		a, ok := ParseKey(obj.Key)
		if !ok {
			continue
		}
		if prev, dup := seen[a.Index]; dup {
			return nil, eris.Errorf("batch: index %d stored twice (%s, %s)", a.Index, prev, a.Key)
		}
		seen[a.Index] = a.Key
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Read returns the records stored in a.
func (s *Store) Read(ctx context.Context, a Artifact) ([]model.ResolvedRecord, error) {
	var records []model.ResolvedRecord
	err := s.Each(ctx, a, func(r model.ResolvedRecord) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Each streams the records stored in a to fn, stopping at the first error.
func (s *Store) Each(ctx context.Context, a Artifact, fn func(model.ResolvedRecord) error) error {
	r, err := s.bucket.NewReader(ctx, a.Key, nil)
	if err != nil {
		return eris.Wrapf(err, "batch: open %s", a.Key)
	}
	defer r.Close() //nolint:errcheck

	var src io.Reader = r
	if a.Compressed {
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return eris.Wrapf(err, "batch: zstd decoder for %s", a.Key)
		}
		defer dec.Close()
		src = dec
	}

	cr := csv.NewReader(src)
	cr.FieldsPerRecord = 4
	for line := 1; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "batch: read %s", a.Key)
		}
		rec, err := model.ParseRow(row)
		if err != nil {
			return eris.Wrapf(err, "batch: %s row %d", a.Key, line)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close closes the underlying bucket.
func (s *Store) Close() error {
	if err := s.bucket.Close(); err != nil {
		return eris.Wrap(err, "batch: close bucket")
	}
	return nil
}
