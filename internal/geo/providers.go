// internal/geo/providers.go - third-party geolocation provider adapters
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"darn/internal/store"
)

// Provider resolves one IP against one third-party service. Adapters are
// tried in order by the Resolver; adding or reordering providers never
// touches the resolution logic.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ip string) (*store.Location, error)
}

// NewProvider builds a provider adapter by its configured name.
func NewProvider(name string, client *http.Client) (Provider, error) {
	switch name {
	case "ip-api":
		return &ipAPIProvider{client: client, baseURL: "http://ip-api.com"}, nil
	case "ipwhois":
		return &ipWhoisProvider{client: client, baseURL: "https://ipwho.is"}, nil
	case "ipinfo":
		return &ipInfoProvider{client: client, baseURL: "https://ipinfo.io"}, nil
	default:
		return nil, fmt.Errorf("unknown geo provider: %s", name)
	}
}

func validCoords(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ip-api.com free JSON endpoint.
type ipAPIProvider struct {
	client  *http.Client
	baseURL string
}

func (p *ipAPIProvider) Name() string { return "ip-api" }

func (p *ipAPIProvider) Resolve(ctx context.Context, ip string) (*store.Location, error) {
	var payload struct {
		Status     string  `json:"status"`
		Message    string  `json:"message"`
		Lat        float64 `json:"lat"`
		Lon        float64 `json:"lon"`
		City       string  `json:"city"`
		RegionName string  `json:"regionName"`
		Country    string  `json:"country"`
	}
	if err := getJSON(ctx, p.client, p.baseURL+"/json/"+ip, &payload); err != nil {
		return nil, err
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("lookup failed: %s", payload.Message)
	}
	if !validCoords(payload.Lat, payload.Lon) {
		return nil, fmt.Errorf("invalid coordinates %v,%v", payload.Lat, payload.Lon)
	}
	return &store.Location{
		Lat:     payload.Lat,
		Lon:     payload.Lon,
		City:    payload.City,
		Region:  payload.RegionName,
		Country: payload.Country,
	}, nil
}

// ipwho.is free JSON endpoint.
type ipWhoisProvider struct {
	client  *http.Client
	baseURL string
}

func (p *ipWhoisProvider) Name() string { return "ipwhois" }

func (p *ipWhoisProvider) Resolve(ctx context.Context, ip string) (*store.Location, error) {
	var payload struct {
		Success   bool    `json:"success"`
		Message   string  `json:"message"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		City      string  `json:"city"`
		Region    string  `json:"region"`
		Country   string  `json:"country"`
	}
	if err := getJSON(ctx, p.client, p.baseURL+"/"+ip, &payload); err != nil {
		return nil, err
	}
	if !payload.Success {
		return nil, fmt.Errorf("lookup failed: %s", payload.Message)
	}
	if !validCoords(payload.Latitude, payload.Longitude) {
		return nil, fmt.Errorf("invalid coordinates %v,%v", payload.Latitude, payload.Longitude)
	}
	return &store.Location{
		Lat:     payload.Latitude,
		Lon:     payload.Longitude,
		City:    payload.City,
		Region:  payload.Region,
		Country: payload.Country,
	}, nil
}

// ipinfo.io free JSON endpoint; coordinates arrive as a "lat,lon" string.
type ipInfoProvider struct {
	client  *http.Client
	baseURL string
}

func (p *ipInfoProvider) Name() string { return "ipinfo" }

func (p *ipInfoProvider) Resolve(ctx context.Context, ip string) (*store.Location, error) {
	var payload struct {
		Loc     string `json:"loc"`
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
	}
	if err := getJSON(ctx, p.client, p.baseURL+"/"+ip+"/json", &payload); err != nil {
		return nil, err
	}

	parts := strings.SplitN(payload.Loc, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed loc field: %q", payload.Loc)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("malformed latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("malformed longitude: %w", err)
	}
	if !validCoords(lat, lon) {
		return nil, fmt.Errorf("invalid coordinates %v,%v", lat, lon)
	}
	return &store.Location{
		Lat:     lat,
		Lon:     lon,
		City:    payload.City,
		Region:  payload.Region,
		Country: payload.Country,
	}, nil
}
