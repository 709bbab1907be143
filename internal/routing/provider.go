package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ridesync/internal/geo"
)

// errNoResult is returned by providers that answered but found nothing.
var errNoResult = errors.New("provider returned no result")

// errMalformedReply is returned for provider answers that cannot describe a real route.
var errMalformedReply = errors.New("provider returned a malformed reply")

// maxReplyBytes caps how much of a provider response is decoded.
const maxReplyBytes = 4 << 20

// ProviderRoute is what an external routing service reports for one origin/destination pair.
type ProviderRoute struct {
	DistanceKm      float64
	DurationSeconds float64
	Path            []geo.Point
}

// Provider is the external routing and geocoding capability.
type Provider interface {
	Route(ctx context.Context, origin, destination geo.Point) (ProviderRoute, error)
	Nearest(ctx context.Context, p geo.Point) (geo.Point, error)
	Search(ctx context.Context, address string) (geo.Point, string, error)
	Reverse(ctx context.Context, p geo.Point) (string, error)
}

// HTTPProvider speaks the OSRM route/nearest API and the Nominatim search/reverse API.
type HTTPProvider struct {
	RoutingURL   string
	GeocodingURL string
	Profile      string
	UserAgent    string
	HTTPClient   *http.Client
}

func NewHTTPProvider(routingURL, geocodingURL string) *HTTPProvider {
	return &HTTPProvider{
		RoutingURL:   strings.TrimRight(routingURL, "/"),
		GeocodingURL: strings.TrimRight(geocodingURL, "/"),
		Profile:      "driving",
		UserAgent:    "ridesync",
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

type osrmRouteResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

type osrmNearestResponse struct {
	Code      string `json:"code"`
	Waypoints []struct {
		Location []float64 `json:"location"`
	} `json:"waypoints"`
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

func (p *HTTPProvider) Route(ctx context.Context, origin, destination geo.Point) (ProviderRoute, error) {
	endpoint := fmt.Sprintf("%s/route/v1/%s/%s;%s?overview=full&geometries=geojson",
		p.RoutingURL, p.Profile, lngLat(origin), lngLat(destination))
	var body osrmRouteResponse
	if err := p.getJSON(ctx, endpoint, &body); err != nil {
		return ProviderRoute{}, err
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return ProviderRoute{}, fmt.Errorf("%w: code %q", errNoResult, body.Code)
	}
	r := body.Routes[0]
	if !finiteNonNegative(r.Distance) || !finiteNonNegative(r.Duration) {
		return ProviderRoute{}, fmt.Errorf("malformed route: distance %v duration %v", r.Distance, r.Duration)
	}
	path := make([]geo.Point, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		pt, err := fromLngLat(c)
		if err != nil {
			return ProviderRoute{}, err
		}
		path = append(path, pt)
	}
	return ProviderRoute{DistanceKm: r.Distance / 1000, DurationSeconds: r.Duration, Path: path}, nil
}

func (p *HTTPProvider) Nearest(ctx context.Context, pt geo.Point) (geo.Point, error) {
	endpoint := fmt.Sprintf("%s/nearest/v1/%s/%s", p.RoutingURL, p.Profile, lngLat(pt))
	var body osrmNearestResponse
	if err := p.getJSON(ctx, endpoint, &body); err != nil {
		return geo.Point{}, err
	}
	if body.Code != "Ok" || len(body.Waypoints) == 0 {
		return geo.Point{}, fmt.Errorf("%w: code %q", errNoResult, body.Code)
	}
	return fromLngLat(body.Waypoints[0].Location)
}

func (p *HTTPProvider) Search(ctx context.Context, address string) (geo.Point, string, error) {
	q := url.Values{"q": {address}, "format": {"json"}, "limit": {"1"}}
	var places []nominatimPlace
	if err := p.getJSON(ctx, p.GeocodingURL+"/search?"+q.Encode(), &places); err != nil {
		return geo.Point{}, "", err
	}
	if len(places) == 0 {
		return geo.Point{}, "", errNoResult
	}
	pt, err := places[0].point()
	if err != nil {
		return geo.Point{}, "", err
	}
	return pt, places[0].DisplayName, nil
}

func (p *HTTPProvider) Reverse(ctx context.Context, pt geo.Point) (string, error) {
	q := url.Values{
		"lat":    {strconv.FormatFloat(pt.Lat, 'f', -1, 64)},
		"lon":    {strconv.FormatFloat(pt.Lng, 'f', -1, 64)},
		"format": {"json"},
	}
	var place nominatimPlace
	if err := p.getJSON(ctx, p.GeocodingURL+"/reverse?"+q.Encode(), &place); err != nil {
		return "", err
	}
	if place.Error != "" || strings.TrimSpace(place.DisplayName) == "" {
		return "", errNoResult
	}
	return place.DisplayName, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Path)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (n nominatimPlace) point() (geo.Point, error) {
	lat, err := strconv.ParseFloat(n.Lat, 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("malformed latitude %q", n.Lat)
	}
	lng, err := strconv.ParseFloat(n.Lon, 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("malformed longitude %q", n.Lon)
	}
	pt := geo.Point{Lat: lat, Lng: lng}
	return pt, pt.Validate()
}

func lngLat(p geo.Point) string {
	return strconv.FormatFloat(p.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
}

func fromLngLat(c []float64) (geo.Point, error) {
	if len(c) < 2 {
		return geo.Point{}, fmt.Errorf("malformed coordinate %v", c)
	}
	pt := geo.Point{Lat: c[1], Lng: c[0]}
	return pt, pt.Validate()
}

// check rejects replies no real route produces, whichever provider built them.
func (r ProviderRoute) check() error {
	if !finiteNonNegative(r.DistanceKm) || !finiteNonNegative(r.DurationSeconds) {
		return fmt.Errorf("%w: distance %v duration %v", errMalformedReply, r.DistanceKm, r.DurationSeconds)
	}
	for _, p := range r.Path {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: path %v", errMalformedReply, err)
		}
	}
	return nil
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
