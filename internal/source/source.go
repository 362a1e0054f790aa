// Package source streams records from the postal-code registry CSV.
package source

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sells-group/zipgeo/internal/model"
)

// Options configures how the registry file is decoded and parsed.
type Options struct {
	Encoding   string // WHATWG label, e.g. "utf-8" or "shift_jis"; default utf-8
	Comment    rune   // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// File is a registry CSV on local disk. Each Count or Stream call is an
// independent read pass.
type File struct {
	Path    string
	Options Options
}

// Open returns the file decoded to UTF-8. A leading UTF-8 byte order mark is
// dropped.
func (f File) Open() (io.ReadCloser, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", f.Path)
	}
	r, err := decodeReader(fh, f.Options.Encoding)
	if err != nil {
		fh.Close() //nolint:errcheck
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{r, fh}, nil
}

// Count reads the whole file and returns the number of CSV records in it.
func (f File) Count(ctx context.Context) (int, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck
	return Count(ctx, rc, f.Options)
}

// Stream opens the file and streams its records. The file is closed when the
// stream ends or ctx is cancelled.
func (f File) Stream(ctx context.Context) (<-chan model.InputRecord, <-chan error, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, nil, err
	}
	rowCh, errCh := stream(ctx, rc, f.Options, rc)
	return rowCh, errCh, nil
}

func decodeReader(r io.Reader, encoding string) (io.Reader, error) {
	label := strings.ToLower(strings.TrimSpace(encoding))
	if label == "" || label == "utf-8" || label == "utf8" {
		return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, eris.Wrapf(err, "source: unsupported encoding %q", encoding)
	}
	return enc.NewDecoder().Reader(r), nil
}

func newCSVReader(r io.Reader, opts Options) *csv.Reader {
	reader := csv.NewReader(r)
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1 // allow variable fields
	return reader
}

// Count returns the number of CSV records in r.
func Count(ctx context.Context, r io.Reader, opts Options) (int, error) {
	reader := newCSVReader(r, opts)
	n := 0
	for {
		if n%4096 == 0 && ctx.Err() != nil {
			return n, eris.Wrap(ctx.Err(), "source: count cancelled")
		}
		_, err := reader.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, eris.Wrapf(err, "source: count record %d", n)
		}
		n++
	}
}

// Stream reads CSV records from r and sends them to a channel.
// Caller must consume the returned row channel. Errors are sent on the error
// channel. Both channels are closed when processing completes.
func Stream(ctx context.Context, r io.Reader, opts Options) (<-chan model.InputRecord, <-chan error) {
	return stream(ctx, r, opts, nil)
}

func stream(ctx context.Context, r io.Reader, opts Options, closer io.Closer) (<-chan model.InputRecord, <-chan error) {
	rowCh := make(chan model.InputRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)
		if closer != nil {
			defer closer.Close() //nolint:errcheck
		}

		reader := newCSVReader(r, opts)
		for n := 0; ; n++ {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "source: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "source: read record %d", n)
				return
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			select {
			case rowCh <- model.InputRecord(record):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "source: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
