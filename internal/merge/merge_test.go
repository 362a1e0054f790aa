package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/sells-group/zipgeo/internal/batch"
	"github.com/sells-group/zipgeo/internal/model"
)

// seedStore writes n single-record batches whose postal code is the index.
func seedStore(t *testing.T, n int) *batch.Store {
	t.Helper()
	s := batch.NewStore(memblob.OpenBucket(nil))
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	ctx := context.Background()
	// Write in reverse so storage order differs from index order.
	for i := n - 1; i >= 0; i-- {
		rec := model.NewResolved(fmt.Sprintf("%07d", i), fmt.Sprintf("addr-%d", i), 35+float64(i)/100, 139)
		if i%3 == 0 {
			rec = model.NewUnresolved(fmt.Sprintf("%07d", i), fmt.Sprintf("addr-%d", i))
		}
		require.NoError(t, s.Flush(ctx, i, []model.ResolvedRecord{rec}))
	}
	return s
}

func TestMergeCSVNumericOrder(t *testing.T) {
	s := seedStore(t, 12)
	out := filepath.Join(t.TempDir(), "merged.csv")

	res, err := New(s, FormatCSV).Merge(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Batches)
	assert.Equal(t, 12, res.Records)
	assert.Equal(t, 8, res.Resolved)

	got, err := ReadOutput(out, FormatCSV)
	require.NoError(t, err)
	require.Len(t, got, 12)
	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("%07d", i), r.PostalCode)
		assert.Equal(t, i%3 != 0, r.Resolved())
	}
}

func TestMergeParquet(t *testing.T) {
	s := seedStore(t, 5)
	out := filepath.Join(t.TempDir(), "merged.parquet")

	res, err := New(s, FormatParquet).Merge(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Records)

	got, err := ReadOutput(out, FormatParquet)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "0000000", got[0].PostalCode)
	assert.Nil(t, got[0].Latitude)
	require.NotNil(t, got[1].Latitude)
	assert.InDelta(t, 35.01, *got[1].Latitude, 1e-9)
	assert.Equal(t, "addr-4", got[4].Address)
}

func TestMergeEmptyStore(t *testing.T) {
	s := seedStore(t, 0)
	out := filepath.Join(t.TempDir(), "merged.csv")

	res, err := New(s, "").Merge(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batches)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestMergeReplacesOutputAtomically(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "merged.csv")
	require.NoError(t, os.WriteFile(out, []byte("stale\n"), 0o644))

	_, err := New(seedStore(t, 2), FormatCSV).Merge(context.Background(), out)
	require.NoError(t, err)

	got, err := ReadOutput(out, FormatCSV)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMergeUnknownFormatLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "merged.xlsx")

	_, err := New(seedStore(t, 1), "xlsx").Merge(context.Background(), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMergeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := filepath.Join(t.TempDir(), "merged.csv")
	_, err := New(seedStore(t, 3), FormatCSV).Merge(ctx, out)
	require.Error(t, err)
	assert.NoFileExists(t, out)
}

func TestReadOutputMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.csv")
	require.NoError(t, os.WriteFile(path, []byte("1000001,addr,35.6,139.7\n1000002,addr,x,139.7\n"), 0o644))

	_, err := ReadOutput(path, FormatCSV)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
