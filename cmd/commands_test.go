package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/zipgeo/internal/checkpoint"
	"github.com/sells-group/zipgeo/internal/merge"
	"github.com/sells-group/zipgeo/internal/points"
)

// setupWorkspace prepares a working directory with n registry rows and a fake
// GSI endpoint, and points the configuration at both.
func setupWorkspace(t *testing.T, n int) string {
	t.Helper()
	dir := chdirTemp(t)

	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "13101,\"100  \",\"%07d\",\"ﾄｳｷｮｳﾄ\",\"ﾁﾖﾀﾞｸ\",\"ﾏﾁ\",\"東京都\",\"千代田区\",\"町%d\",0,0,0,0,0,0\n", n-i, i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "utf_ken_all.csv"), []byte(b.String()), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		q := r.URL.Query().Get("q")
		var i int
		_, _ = fmt.Sscanf(strings.TrimPrefix(q, "東京都千代田区町"), "%d", &i)
		if i == 1 {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = fmt.Fprintf(w, `[{"geometry":{"coordinates":[%g,%g],"type":"Point"},"properties":{"title":"%s"}}]`,
			139.0+float64(i)*0.1, 35.0+float64(i)*0.1, q)
	}))
	t.Cleanup(srv.Close)

	t.Setenv("ZIPGEO_GEOCODE_BASE_URL", srv.URL)
	t.Setenv("ZIPGEO_GEOCODE_RATE_LIMIT", "0")
	t.Setenv("ZIPGEO_BATCH_SIZE", "2")
	t.Setenv("ZIPGEO_LOG_LEVEL", "error")

	oldCfg := cfg
	t.Cleanup(func() { cfg = oldCfg })
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands_EndToEnd(t *testing.T) {
	dir := setupWorkspace(t, 5)

	out, err := execute(t, "geocode")
	require.NoError(t, err)

	var sum struct {
		Total     int  `json:"total"`
		Processed int  `json:"processed"`
		Resolved  int  `json:"resolved"`
		Batches   int  `json:"batches"`
		Complete  bool `json:"complete"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 5, sum.Processed)
	assert.Equal(t, 4, sum.Resolved)
	assert.Equal(t, 3, sum.Batches)
	assert.True(t, sum.Complete)

	n, err := checkpoint.NewFile(filepath.Join(dir, "checkpoint.json")).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, name := range []string{"batch_000000.csv", "batch_000001.csv", "batch_000002.csv"} {
		assert.FileExists(t, filepath.Join(dir, "batches", name))
	}

	recs, err := merge.ReadOutput(filepath.Join(dir, "zip_latlon_mapping.csv"), merge.FormatCSV)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.Equal(t, "0000005", recs[0].PostalCode)
	assert.False(t, recs[1].Resolved())

	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETE    true")
	assert.Contains(t, out, "BATCHES     3")

	_, err = execute(t, "assort")
	require.NoError(t, err)
	pts, err := points.Read(filepath.Join(dir, "postal_codes.json"))
	require.NoError(t, err)
	require.Len(t, pts, 4)
	assert.Equal(t, "0000001", pts[0].PostalCode)
	assert.Equal(t, "0000002", pts[1].PostalCode)
	assert.InDelta(t, 139.4, pts[0].Longitude, 1e-9)
	assert.InDelta(t, 35.4, pts[0].Latitude, 1e-9)

	_, err = execute(t, "segments")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "all_segments.json"))
	assert.FileExists(t, filepath.Join(dir, "major_segments.json"))
}

func TestCommands_GeocodeResumes(t *testing.T) {
	dir := setupWorkspace(t, 5)
	require.NoError(t, checkpoint.NewFile(filepath.Join(dir, "checkpoint.json")).Save(context.Background(), 4))

	out, err := execute(t, "geocode", "--no-merge")
	t.Cleanup(func() { geocodeNoMerge = false })
	require.NoError(t, err)
	assert.Contains(t, out, `"start": 4`)
	assert.Contains(t, out, `"processed": 1`)
	assert.NoFileExists(t, filepath.Join(dir, "zip_latlon_mapping.csv"))
}

func TestCommands_MergeRefusesIncompleteRun(t *testing.T) {
	dir := setupWorkspace(t, 5)

	_, err := execute(t, "merge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run incomplete")
	assert.NoFileExists(t, filepath.Join(dir, "zip_latlon_mapping.csv"))

	_, err = execute(t, "merge", "--force")
	t.Cleanup(func() { mergeForce = false })
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "zip_latlon_mapping.csv"))
}

func TestCommands_GeocodeMissingInput(t *testing.T) {
	dir := setupWorkspace(t, 0)
	require.NoError(t, os.Remove(filepath.Join(dir, "utf_ken_all.csv")))

	_, err := execute(t, "geocode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration")
}

func registryServer(t *testing.T, rows string) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("utf_ken_all.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(rows))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCommands_Fetch(t *testing.T) {
	dir := setupWorkspace(t, 0)
	rows := "13101,\"100  \",\"1000001\",\"ﾄｳｷｮｳﾄ\",\"ﾁﾖﾀﾞｸ\",\"ﾁﾖﾀﾞ\",\"東京都\",\"千代田区\",\"千代田\",0,0,0,0,0,0\n"
	t.Setenv("ZIPGEO_INPUT_URL", registryServer(t, rows).URL)

	out, err := execute(t, "fetch")
	require.NoError(t, err)
	assert.Contains(t, out, "fetched utf_ken_all.csv")

	data, err := os.ReadFile(filepath.Join(dir, "utf_ken_all.csv"))
	require.NoError(t, err)
	assert.Equal(t, rows, string(data))
}

func TestCommands_FetchRefusesMidRun(t *testing.T) {
	dir := setupWorkspace(t, 4)
	require.NoError(t, checkpoint.NewFile(filepath.Join(dir, "checkpoint.json")).Save(context.Background(), 2))
	srv := registryServer(t, "x,y,z\n")

	_, err := execute(t, "fetch", "--url", srv.URL)
	t.Cleanup(func() { fetchURL = "" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint is at record 2")

	_, err = execute(t, "fetch", "--url", srv.URL, "--force")
	t.Cleanup(func() { fetchForce = false })
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "utf_ken_all.csv"))
	require.NoError(t, err)
	assert.Equal(t, "x,y,z\n", string(data))
}

func TestCommands_PublishRequiresDatabaseURL(t *testing.T) {
	setupWorkspace(t, 0)

	_, err := execute(t, "publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish.database_url")
}

func TestPublishOutput(t *testing.T) {
	setupWorkspace(t, 3)
	_, err := execute(t, "geocode")
	require.NoError(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "postal_code_coordinates"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_postal_code_coordinates"}, []string{"postal_code", "address", "latitude", "longitude"}).
		WillReturnResult(3)
	mock.ExpectExec(`INSERT INTO "postal_code_coordinates"`).WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectCommit()

	var out bytes.Buffer
	require.NoError(t, publishOutput(context.Background(), &out, mock))
	assert.Contains(t, out.String(), "published 3 records to postal_code_coordinates")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarnBatchCount_LeftoverArtifacts(t *testing.T) {
	dir := setupWorkspace(t, 4)
	_, err := execute(t, "geocode", "--no-merge")
	t.Cleanup(func() { geocodeNoMerge = false })
	require.NoError(t, err)

	// A leftover from an earlier run with a smaller batch size.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batches", "batch_000007.csv"), []byte("9999999,x,,\n"), 0o644))

	env, err := initPipeline(context.Background())
	require.NoError(t, err)
	defer env.Close()

	core, logs := observer.New(zap.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	warnBatchCount(context.Background(), env)

	entries := logs.FilterMessage("batch store does not match input").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(3), fields["batches"])
	assert.Equal(t, int64(2), fields["expected"])
}
