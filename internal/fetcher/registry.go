package fetcher

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultRegistryURL is the UTF-8 edition of the Japan Post postal-code
// registry.
const DefaultRegistryURL = "https://www.post.japanpost.jp/zipcode/utf/zip/utf_ken_all.zip"

// RegistryResult describes a FetchRegistry call.
type RegistryResult struct {
	Path    string
	Bytes   int64
	ETag    string
	Changed bool
}

// FetchRegistry downloads the registry at rawURL to destPath. A ZIP archive
// is unpacked to its single CSV. The ETag is kept next to destPath so an
// unchanged registry is not downloaded again.
func FetchRegistry(ctx context.Context, f *HTTPFetcher, rawURL, destPath string) (*RegistryResult, error) {
	etagPath := destPath + ".etag"
	etag := ""
	if _, err := os.Stat(destPath); err == nil {
		etag = readETag(etagPath)
	}

	body, newETag, changed, err := f.DownloadIfChanged(ctx, rawURL, etag)
	if err != nil {
		return nil, err
	}
	if !changed {
		zap.L().Info("fetcher: registry unchanged", zap.String("url", rawURL), zap.String("etag", etag))
		return &RegistryResult{Path: destPath, ETag: etag}, nil
	}
	defer body.Close() //nolint:errcheck

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "fetcher: create dir %s", dir)
	}
	archive, err := os.CreateTemp(dir, ".registry-*.download")
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create temp file")
	}
	archivePath := archive.Name()
	defer os.Remove(archivePath) //nolint:errcheck

	_, err = io.Copy(archive, body)
	if closeErr := archive.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: save download")
	}

	n, err := installRegistry(archivePath, destPath)
	if err != nil {
		return nil, err
	}

	if newETag != "" {
		if err := os.WriteFile(etagPath, []byte(newETag), 0o644); err != nil {
			zap.L().Warn("fetcher: could not record etag", zap.String("path", etagPath), zap.Error(err))
		}
	} else if err := os.Remove(etagPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		zap.L().Warn("fetcher: could not remove stale etag", zap.String("path", etagPath), zap.Error(err))
	}

	zap.L().Info("fetcher: registry downloaded",
		zap.String("url", rawURL),
		zap.String("path", destPath),
		zap.Int64("bytes", n),
	)
	return &RegistryResult{Path: destPath, Bytes: n, ETag: newETag, Changed: true}, nil
}

// installRegistry moves a downloaded file into place, unpacking it first
// when it is a ZIP archive.
func installRegistry(downloadPath, destPath string) (int64, error) {
	src, err := os.Open(downloadPath)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: reopen download")
	}
	head := make([]byte, 4)
	n, _ := io.ReadFull(src, head)

	if isZIP(head[:n]) {
		src.Close() //nolint:errcheck
		return ExtractCSV(downloadPath, destPath)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		src.Close() //nolint:errcheck
		return 0, eris.Wrap(err, "fetcher: rewind download")
	}
	defer src.Close() //nolint:errcheck
	return writeAtomic(destPath, src)
}

func readETag(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
