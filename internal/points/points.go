// Package points turns the merged output into the sorted coordinate list
// consumed by segment derivation.
package points

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/zipgeo/internal/model"
)

// Point is one resolved postal code. It serializes as the JSON array
// [longitude, latitude, postal_code, address].
type Point struct {
	Longitude  float64
	Latitude   float64
	PostalCode string
	Address    string
}

// MarshalJSON implements json.Marshaler.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Longitude, p.Latitude, p.PostalCode, p.Address})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "points: decode point")
	}
	if len(raw) != 4 {
		return eris.Errorf("points: expected 4 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Longitude); err != nil {
		return eris.Wrap(err, "points: decode longitude")
	}
	if err := json.Unmarshal(raw[1], &p.Latitude); err != nil {
		return eris.Wrap(err, "points: decode latitude")
	}
	if err := json.Unmarshal(raw[2], &p.PostalCode); err != nil {
		return eris.Wrap(err, "points: decode postal code")
	}
	if err := json.Unmarshal(raw[3], &p.Address); err != nil {
		return eris.Wrap(err, "points: decode address")
	}
	return nil
}

// Assort keeps the records that resolved to coordinates and orders them by
// postal code. Records sharing a postal code keep their input order.
func Assort(records []model.ResolvedRecord) []Point {
	out := make([]Point, 0, len(records))
	for _, r := range records {
		if !r.Resolved() {
			continue
		}
		out = append(out, Point{
			Longitude:  *r.Longitude,
			Latitude:   *r.Latitude,
			PostalCode: r.PostalCode,
			Address:    r.Address,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostalCode < out[j].PostalCode })
	return out
}

// Write stores pts at path as indented JSON.
func Write(path string, pts []Point) error {
	if pts == nil {
		pts = []Point{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(pts); err != nil {
		return eris.Wrap(err, "points: encode")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return eris.Wrapf(err, "points: write %s", path)
	}
	return nil
}

// Read loads a points file written by Write.
func Read(path string) ([]Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "points: read %s", path)
	}
	var pts []Point
	if err := json.Unmarshal(data, &pts); err != nil {
		return nil, eris.Wrapf(err, "points: parse %s", path)
	}
	return pts, nil
}
