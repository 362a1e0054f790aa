package db

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/zipgeo/internal/model"
)

// DefaultTable receives published records unless configured otherwise.
const DefaultTable = "postal_code_coordinates"

var publishColumns = []string{"postal_code", "address", "latitude", "longitude"}

// Migrate creates table if it does not exist. A postal code can cover
// several towns, so rows are keyed by code and address together.
func Migrate(ctx context.Context, pool Pool, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	postal_code TEXT NOT NULL,
	address     TEXT NOT NULL,
	latitude    DOUBLE PRECISION,
	longitude   DOUBLE PRECISION,
	PRIMARY KEY (postal_code, address)
)`, sanitizeTable(table))
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "db: migrate %s", table)
	}
	return nil
}

// Publish upserts records into table, creating it first if needed. Repeated
// (postal code, address) pairs keep the last occurrence.
func Publish(ctx context.Context, pool Pool, table string, records []model.ResolvedRecord) (int64, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := Migrate(ctx, pool, table); err != nil {
		return 0, err
	}

	rows := publishRows(records)
	n, err := BulkUpsert(ctx, pool, UpsertConfig{
		Table:        table,
		Columns:      publishColumns,
		ConflictKeys: []string{"postal_code", "address"},
	}, rows)
	if err != nil {
		return 0, err
	}

	zap.L().Info("db: published records",
		zap.String("table", table),
		zap.Int("records", len(records)),
		zap.Int("rows", len(rows)),
		zap.Int64("affected", n),
	)
	return n, nil
}

// publishRows converts records to COPY rows, dropping earlier duplicates so
// a single upsert never touches the same key twice.
func publishRows(records []model.ResolvedRecord) [][]any {
	type key struct{ code, address string }
	pos := make(map[key]int, len(records))
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		row := []any{r.PostalCode, r.Address, r.Latitude, r.Longitude}
		k := key{r.PostalCode, r.Address}
		if i, ok := pos[k]; ok {
			rows[i] = row
			continue
		}
		pos[k] = len(rows)
		rows = append(rows, row)
	}
	return rows
}
