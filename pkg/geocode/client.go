// Package geocode resolves Japanese addresses to coordinates through the GSI
// (Geospatial Information Authority of Japan) address search API.
package geocode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/zipgeo/internal/resilience"
)

// DefaultBaseURL is the GSI address search endpoint.
const DefaultBaseURL = "https://msearch.gsi.go.jp/address-search/AddressSearch"

// Client resolves one address per call.
type Client interface {
	// Geocode looks up a single address. A lookup that completes but finds
	// nothing usable returns Matched=false and no error; transport, status and
	// body failures return an error. Implementations never retry.
	Geocode(ctx context.Context, address string) (*Result, error)
}

// Result holds the lookup output for an address.
type Result struct {
	Latitude  float64
	Longitude float64
	Title     string // address title reported by the service
	Source    string // "gsi"
	Matched   bool
	Cached    bool
}

// Option configures the client.
type Option func(*gsiClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *gsiClient) {
		g.httpClient = hc
	}
}

// WithBaseURL points the client at a different search endpoint.
func WithBaseURL(u string) Option {
	return func(g *gsiClient) {
		if u != "" {
			g.baseURL = u
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(g *gsiClient) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header sent with each request.
func WithUserAgent(ua string) Option {
	return func(g *gsiClient) {
		g.userAgent = ua
	}
}

type gsiClient struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	userAgent  string
}

// NewClient creates a GSI-backed Client with the given options.
func NewClient(opts ...Option) Client {
	g := &gsiClient{
		baseURL: DefaultBaseURL,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{Timeout: g.timeout}
	}
	return g
}

// gsiFeature is one element of the AddressSearch response.
type gsiFeature struct {
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // [lon, lat]
	} `json:"geometry"`
	Properties struct {
		Title string `json:"title"`
	} `json:"properties"`
}

// Geocode implements Client.
func (g *gsiClient) Geocode(ctx context.Context, address string) (*Result, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return &Result{Matched: false, Source: "gsi"}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reqURL := g.baseURL + "?" + url.Values{"q": {address}}.Encode()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: gsi build request")
	}
	req.Header.Set("Accept", "application/json")
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: gsi request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("geocode: gsi returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: gsi read body")
	}

	features, err := decodeFeatures(body)
	if err != nil {
		return nil, err
	}
	return firstMatch(features), nil
}

// decodeFeatures accepts either a bare JSON array of features or an object
// carrying them under "results".
func decodeFeatures(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, eris.New("geocode: gsi empty response body")
	}

	switch body[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, eris.Wrap(err, "geocode: gsi parse response")
		}
		return list, nil
	case '{':
		var wrapped struct {
			Results []json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, eris.Wrap(err, "geocode: gsi parse response")
		}
		return wrapped.Results, nil
	default:
		return nil, eris.Errorf("geocode: gsi unexpected response %.32q", body)
	}
}

// firstMatch reads the coordinates of the first feature. Missing results or
// unusable geometry are a non-match, not an error.
func firstMatch(features []json.RawMessage) *Result {
	if len(features) == 0 {
		return &Result{Matched: false, Source: "gsi"}
	}

	var f gsiFeature
	if err := json.Unmarshal(features[0], &f); err != nil || len(f.Geometry.Coordinates) < 2 {
		return &Result{Matched: false, Source: "gsi"}
	}

	return &Result{
		Latitude:  f.Geometry.Coordinates[1],
		Longitude: f.Geometry.Coordinates[0],
		Title:     f.Properties.Title,
		Source:    "gsi",
		Matched:   true,
	}
}
