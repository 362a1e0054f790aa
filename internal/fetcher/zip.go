package fetcher

import (
	"archive/zip"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractCSV writes the only CSV entry of the archive at zipPath to destPath.
// The Japan Post archives hold exactly one, named KEN_ALL.CSV or
// utf_ken_all.csv depending on the edition.
func ExtractCSV(zipPath, destPath string) (int64, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var csvs []*zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(f.Name), ".csv") {
			csvs = append(csvs, f)
		}
	}
	if len(csvs) != 1 {
		return 0, eris.Errorf("zip: expected exactly 1 csv entry, got %d", len(csvs))
	}

	rc, err := csvs[0].Open()
	if err != nil {
		return 0, eris.Wrapf(err, "zip: open entry %s", csvs[0].Name)
	}
	defer rc.Close() //nolint:errcheck

	return writeAtomic(destPath, rc)
}

// isZIP reports whether head starts with a ZIP local file header.
func isZIP(head []byte) bool {
	return len(head) >= 4 && string(head[:4]) == "PK\x03\x04"
}
