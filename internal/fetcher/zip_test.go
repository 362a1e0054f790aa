package fetcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, createTestZIP(t, files), 0o644))
	return path
}

func TestExtractCSV(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{
		"KEN_ALL.CSV": kenAllRows,
		"readme.txt":  "not data",
	})
	dest := filepath.Join(t.TempDir(), "utf_ken_all.csv")

	n, err := ExtractCSV(zipPath, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(kenAllRows)), n)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, kenAllRows, string(data))
}

func TestExtractCSV_NestedEntry(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{"zipcode/utf_ken_all.csv": kenAllRows})
	dir := t.TempDir()
	dest := filepath.Join(dir, "in.csv")

	_, err := ExtractCSV(zipPath, dest)
	require.NoError(t, err)

	// Entry names never choose the destination.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "in.csv", entries[0].Name())
}

func TestExtractCSV_NoCSV(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{"readme.txt": "x"})
	_, err := ExtractCSV(zipPath, filepath.Join(t.TempDir(), "out.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 0")
}

func TestExtractCSV_MultipleCSV(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{"a.csv": "1", "b.csv": "2"})
	_, err := ExtractCSV(zipPath, filepath.Join(t.TempDir(), "out.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 2")
}

func TestExtractCSV_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	_, err := ExtractCSV(path, filepath.Join(t.TempDir(), "out.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open archive")
}

func TestIsZIP(t *testing.T) {
	assert.True(t, isZIP([]byte("PK\x03\x04rest")))
	assert.False(t, isZIP([]byte("PK")))
	assert.False(t, isZIP([]byte("01101,")))
}
