package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/sells-group/zipgeo/internal/batch"
	"github.com/sells-group/zipgeo/internal/model"
	"github.com/sells-group/zipgeo/internal/source"
	"github.com/sells-group/zipgeo/pkg/geocode"
)

const addrPrefix = "東京都千代田区町"

// writeInput writes n KEN_ALL-shaped rows. Row i has postal code %07d and
// address addrPrefix+i.
func writeInput(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "13101,\"100  \",\"%07d\",\"ﾄｳｷｮｳﾄ\",\"ﾁﾖﾀﾞｸ\",\"ﾏﾁ\",\"東京都\",\"千代田区\",\"町%d\",0,0,0,0,0,0\n", i, i)
	}
	path := filepath.Join(t.TempDir(), "utf_ken_all.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func fileSource(path string) source.File {
	return source.File{Path: path}
}

// lineOf recovers the row number from an address built by writeInput.
func lineOf(addr string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(addr, addrPrefix))
	if err != nil {
		return -1
	}
	return n
}

func coordsFor(i int) (float64, float64) {
	return 35 + float64(i)/10000, 139 + float64(i)/10000
}

// stubGeocoder answers lookups with fn(row number).
type stubGeocoder struct {
	fn    func(i int) (*geocode.Result, error)
	calls atomic.Int32
	mu    sync.Mutex
	lines []int
}

func newStubGeocoder() *stubGeocoder {
	return &stubGeocoder{fn: func(i int) (*geocode.Result, error) {
		lat, lon := coordsFor(i)
		return &geocode.Result{Latitude: lat, Longitude: lon, Matched: true, Source: "stub"}, nil
	}}
}

func (s *stubGeocoder) Geocode(_ context.Context, addr string) (*geocode.Result, error) {
	s.calls.Add(1)
	i := lineOf(addr)
	s.mu.Lock()
	s.lines = append(s.lines, i)
	s.mu.Unlock()
	return s.fn(i)
}

// mockGeocoder is a testify mock for call-level expectations.
type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) Geocode(ctx context.Context, addr string) (*geocode.Result, error) {
	args := m.Called(ctx, addr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*geocode.Result), args.Error(1)
}

// memCheckpoint records every save. failOn makes the nth Save (1-based)
// fail; check runs before each save is accepted.
type memCheckpoint struct {
	value   int
	saves   []int
	loadErr error
	failOn  int
	check   func(lineNo int)
}

func (c *memCheckpoint) Load(context.Context) (int, error) {
	if c.loadErr != nil {
		return 0, c.loadErr
	}
	return c.value, nil
}

func (c *memCheckpoint) Save(_ context.Context, lineNo int) error {
	if c.check != nil {
		c.check(lineNo)
	}
	if c.failOn > 0 && len(c.saves)+1 == c.failOn {
		c.failOn = 0
		return errors.New("disk full")
	}
	c.saves = append(c.saves, lineNo)
	c.value = lineNo
	return nil
}

func (c *memCheckpoint) Close() error { return nil }

// trackingWriter wraps a batch.Store, remembers batch sizes, and can fail a
// chosen index once.
type trackingWriter struct {
	store   *batch.Store
	sizes   map[int]int
	flushes []int
	failIdx int
}

func newTrackingWriter(t *testing.T) *trackingWriter {
	t.Helper()
	s := batch.NewStore(memblob.OpenBucket(nil))
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return &trackingWriter{store: s, sizes: map[int]int{}, failIdx: -1}
}

func (w *trackingWriter) Flush(ctx context.Context, index int, records []model.ResolvedRecord) error {
	if index == w.failIdx {
		w.failIdx = -1
		return errors.New("bucket unavailable")
	}
	if err := w.store.Flush(ctx, index, records); err != nil {
		return err
	}
	w.sizes[index] = len(records)
	w.flushes = append(w.flushes, index)
	return nil
}

// persisted returns the number of records held across all stored batches.
func (w *trackingWriter) persisted() int {
	n := 0
	for _, size := range w.sizes {
		n += size
	}
	return n
}

// all reads every stored batch in index order.
func (w *trackingWriter) all(t *testing.T) []model.ResolvedRecord {
	t.Helper()
	ctx := context.Background()
	arts, err := w.store.List(ctx)
	require.NoError(t, err)
	var out []model.ResolvedRecord
	for _, a := range arts {
		recs, err := w.store.Read(ctx, a)
		require.NoError(t, err)
		out = append(out, recs...)
	}
	return out
}

// fakeSource reports count records but streams the given rows.
type fakeSource struct {
	count     int
	rows      []model.InputRecord
	streamErr error
}

func (f *fakeSource) Count(context.Context) (int, error) { return f.count, nil }

func (f *fakeSource) Stream(ctx context.Context) (<-chan model.InputRecord, <-chan error, error) {
	rowCh := make(chan model.InputRecord)
	errCh := make(chan error, 1)
	go func() {
		defer close(rowCh)
		defer close(errCh)
		for _, r := range f.rows {
			select {
			case rowCh <- r:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if f.streamErr != nil {
			errCh <- f.streamErr
		}
	}()
	return rowCh, errCh, nil
}

func testConfig(size int) Config {
	return Config{BatchSize: size, Projection: model.DefaultProjection()}
}
