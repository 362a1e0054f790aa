// Package merge concatenates stored batches into the final output table.
package merge

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/zipgeo/internal/batch"
	"github.com/sells-group/zipgeo/internal/model"
)

// Output formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Result summarizes a merge.
type Result struct {
	Path     string
	Batches  int
	Records  int
	Resolved int
}

// Merger joins every batch artifact of a Store in index order.
type Merger struct {
	store  *batch.Store
	format string
}

// New returns a Merger writing the given format ("csv" when empty).
func New(store *batch.Store, format string) *Merger {
	if format == "" {
		format = FormatCSV
	}
	return &Merger{store: store, format: format}
}

// rowSink receives records in output order.
type rowSink interface {
	write(model.ResolvedRecord) error
	close() error
}

// Merge writes all batches to outPath. The file appears only once complete;
// an existing output is replaced. Completeness of the batch set is the
// caller's concern.
func (m *Merger) Merge(ctx context.Context, outPath string) (*Result, error) {
	arts, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "merge: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outPath)+"-*.tmp")
	if err != nil {
		return nil, eris.Wrap(err, "merge: create temp file")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()        //nolint:errcheck
			os.Remove(tmpPath) //nolint:errcheck
		}
	}()

	sink, err := m.newSink(tmp)
	if err != nil {
		return nil, err
	}

	res := &Result{Path: outPath, Batches: len(arts)}
	for _, a := range arts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := m.store.Each(ctx, a, func(r model.ResolvedRecord) error {
			res.Records++
			if r.Resolved() {
				res.Resolved++
			}
			return sink.write(r)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "merge: batch %d", a.Index)
		}
		zap.L().Debug("merge: appended batch", zap.Int("index", a.Index), zap.String("key", a.Key))
	}

	if err := sink.close(); err != nil {
		return nil, eris.Wrap(err, "merge: finish output")
	}
	if err := tmp.Sync(); err != nil {
		return nil, eris.Wrap(err, "merge: sync output")
	}
	if err := tmp.Close(); err != nil {
		return nil, eris.Wrap(err, "merge: close output")
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return nil, eris.Wrap(err, "merge: chmod output")
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, eris.Wrapf(err, "merge: rename to %s", outPath)
	}
	committed = true

	zap.L().Info("merge: output written",
		zap.String("path", outPath),
		zap.String("format", m.format),
		zap.Int("batches", res.Batches),
		zap.Int("records", res.Records),
	)
	return res, nil
}

func (m *Merger) newSink(w io.Writer) (rowSink, error) {
	switch m.format {
	case FormatCSV:
		return &csvSink{w: csv.NewWriter(w)}, nil
	case FormatParquet:
		return &parquetSink{w: parquet.NewGenericWriter[model.ResolvedRecord](w)}, nil
	default:
		return nil, eris.Errorf("merge: unknown format %q", m.format)
	}
}

type csvSink struct {
	w *csv.Writer
}

func (s *csvSink) write(r model.ResolvedRecord) error {
	return s.w.Write(r.Row())
}

func (s *csvSink) close() error {
	s.w.Flush()
	return s.w.Error()
}

// parquetSink buffers rows into row groups of parquetRowGroup records.
type parquetSink struct {
	w   *parquet.GenericWriter[model.ResolvedRecord]
	buf []model.ResolvedRecord
}

const parquetRowGroup = 4096

func (s *parquetSink) write(r model.ResolvedRecord) error {
	s.buf = append(s.buf, r)
	if len(s.buf) >= parquetRowGroup {
		return s.flush()
	}
	return nil
}

func (s *parquetSink) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	if _, err := s.w.Write(s.buf); err != nil {
		return err
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *parquetSink) close() error {
	if err := s.flush(); err != nil {
		return err
	}
	return s.w.Close()
}

// ReadOutput loads a merged table written by Merge.
func ReadOutput(path, format string) ([]model.ResolvedRecord, error) {
	switch format {
	case "", FormatCSV:
		return readCSV(path)
	case FormatParquet:
		rows, err := parquet.ReadFile[model.ResolvedRecord](path)
		if err != nil {
			return nil, eris.Wrapf(err, "merge: read parquet %s", path)
		}
		return rows, nil
	default:
		return nil, eris.Errorf("merge: unknown format %q", format)
	}
}

func readCSV(path string) ([]model.ResolvedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = 4
	var out []model.ResolvedRecord
	for line := 1; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "merge: read %s", path)
		}
		rec, err := model.ParseRow(row)
		if err != nil {
			return nil, eris.Wrapf(err, "merge: %s line %d", path, line)
		}
		out = append(out, rec)
	}
}
