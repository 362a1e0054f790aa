// Package model defines the records that flow through the geocoding pipeline.
package model

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// InputRecord is one row of the postal-code registry, in source column order.
type InputRecord []string

// Field returns the column at idx, or "" when the row is too short.
func (r InputRecord) Field(idx int) string {
	if idx < 0 || idx >= len(r) {
		return ""
	}
	return r[idx]
}

// Projection selects the columns the pipeline uses from an InputRecord.
type Projection struct {
	PostalCodeColumn int
	AddressColumns   []int
}

// DefaultProjection matches the Japan Post KEN_ALL layout: postal code in
// column 2, prefecture/city/town in columns 6-8.
func DefaultProjection() Projection {
	return Projection{PostalCodeColumn: 2, AddressColumns: []int{6, 7, 8}}
}

// PostalCode returns the projected postal code.
func (p Projection) PostalCode(r InputRecord) string {
	return r.Field(p.PostalCodeColumn)
}

// Address concatenates the projected address fragments.
func (p Projection) Address(r InputRecord) string {
	var b strings.Builder
	for _, col := range p.AddressColumns {
		b.WriteString(r.Field(col))
	}
	return b.String()
}

// Missing reports the configured columns absent from r.
func (p Projection) Missing(r InputRecord) []int {
	var missing []int
	if p.PostalCodeColumn >= len(r) {
		missing = append(missing, p.PostalCodeColumn)
	}
	for _, col := range p.AddressColumns {
		if col >= len(r) {
			missing = append(missing, col)
		}
	}
	return missing
}

// ResolvedRecord is a postal code with the coordinates its address resolved
// to. Latitude and Longitude are nil when resolution failed.
type ResolvedRecord struct {
	PostalCode string   `parquet:"postal_code" json:"postal_code"`
	Address    string   `parquet:"address" json:"address"`
	Latitude   *float64 `parquet:"latitude,optional" json:"latitude,omitempty"`
	Longitude  *float64 `parquet:"longitude,optional" json:"longitude,omitempty"`
}

// NewResolved builds a record with coordinates.
func NewResolved(postalCode, address string, lat, lon float64) ResolvedRecord {
	return ResolvedRecord{PostalCode: postalCode, Address: address, Latitude: &lat, Longitude: &lon}
}

// NewUnresolved builds a record whose coordinates are absent.
func NewUnresolved(postalCode, address string) ResolvedRecord {
	return ResolvedRecord{PostalCode: postalCode, Address: address}
}

// Resolved reports whether both coordinates are present.
func (r ResolvedRecord) Resolved() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Row renders the record as a table row; absent coordinates are empty cells.
func (r ResolvedRecord) Row() []string {
	return []string{r.PostalCode, r.Address, formatCoord(r.Latitude), formatCoord(r.Longitude)}
}

// ParseRow is the inverse of Row.
func ParseRow(row []string) (ResolvedRecord, error) {
	if len(row) != 4 {
		return ResolvedRecord{}, eris.Errorf("model: expected 4 columns, got %d", len(row))
	}
	lat, err := parseCoord(row[2])
	if err != nil {
		return ResolvedRecord{}, eris.Wrapf(err, "model: parse latitude %q", row[2])
	}
	lon, err := parseCoord(row[3])
	if err != nil {
		return ResolvedRecord{}, eris.Wrapf(err, "model: parse longitude %q", row[3])
	}
	return ResolvedRecord{PostalCode: row[0], Address: row[1], Latitude: lat, Longitude: lon}, nil
}

func formatCoord(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parseCoord(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
