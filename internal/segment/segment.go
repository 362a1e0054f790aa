// Package segment connects consecutive postal-code points into line segments
// and exports them as GeoJSON.
package segment

import (
	"bytes"
	"encoding/json"
	"math"
	"os"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/zipgeo/internal/points"
)

// EarthRadiusKM is the mean Earth radius used for great-circle distances.
const EarthRadiusKM = 6371.0

// DefaultThresholdKM is the minimum length of a major segment.
const DefaultThresholdKM = 10.0

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Segment joins two consecutive points.
type Segment struct {
	From     points.Point
	To       points.Point
	LengthKM float64
}

// Build links each point to the next one in order.
func Build(pts []points.Point) []Segment {
	if len(pts) < 2 {
		return nil
	}
	segs := make([]Segment, 0, len(pts)-1)
	for i := 0; i+1 < len(pts); i++ {
		a, b := pts[i], pts[i+1]
		segs = append(segs, Segment{
			From:     a,
			To:       b,
			LengthKM: Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude),
		})
	}
	return segs
}

// Major returns the segments at least thresholdKM long.
func Major(segs []Segment, thresholdKM float64) []Segment {
	var out []Segment
	for _, s := range segs {
		if s.LengthKM >= thresholdKM {
			out = append(out, s)
		}
	}
	return out
}

// Feature renders s as a GeoJSON LineString feature.
func (s Segment) Feature() *geojson.Feature {
	line := geom.NewLineStringFlat(geom.XY, []float64{
		s.From.Longitude, s.From.Latitude,
		s.To.Longitude, s.To.Latitude,
	})
	return &geojson.Feature{
		Geometry: line,
		Properties: map[string]any{
			"length_km": math.Round(s.LengthKM*1000) / 1000,
			"from":      s.From.PostalCode,
			"to":        s.To.PostalCode,
		},
	}
}

// Collection renders segs as a FeatureCollection.
func Collection(segs []Segment) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(segs))}
	for _, s := range segs {
		fc.Features = append(fc.Features, s.Feature())
	}
	return fc
}

// WriteCollection stores segs at path as an indented FeatureCollection.
func WriteCollection(path string, segs []Segment) error {
	raw, err := json.Marshal(Collection(segs))
	if err != nil {
		return eris.Wrap(err, "segment: encode geojson")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return eris.Wrap(err, "segment: indent geojson")
	}
	buf.WriteByte('\n')
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return eris.Wrapf(err, "segment: write %s", path)
	}
	return nil
}

// Result counts the features written by Derive.
type Result struct {
	Points int
	All    int
	Major  int
}

// Derive reads a points file and writes the full and major segment
// collections.
func Derive(pointsPath, allPath, majorPath string, thresholdKM float64) (*Result, error) {
	pts, err := points.Read(pointsPath)
	if err != nil {
		return nil, err
	}
	all := Build(pts)
	major := Major(all, thresholdKM)

	if err := WriteCollection(allPath, all); err != nil {
		return nil, err
	}
	if err := WriteCollection(majorPath, major); err != nil {
		return nil, err
	}
	return &Result{Points: len(pts), All: len(all), Major: len(major)}, nil
}
