// internal/store/models.go
package store

import (
	"time"
)

// Endpoint is the cumulative knowledge about a single host, keyed by IP.
// Rows are created on first verification attempt and mutated in place
// afterwards; they are never deleted.
type Endpoint struct {
	IP           string     `json:"ip"`
	OK           bool       `json:"ok"`
	Models       []string   `json:"models"`
	LatencyMS    *int64     `json:"latency_ms"`
	Error        string     `json:"error,omitempty"`
	CheckedAt    time.Time  `json:"checked_at"`
	LastProbedAt *time.Time `json:"last_probed_at,omitempty"`
	Location     *Location  `json:"location,omitempty"`
	FirstSeen    time.Time  `json:"first_seen"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasModel reports whether the endpoint currently advertises the model.
func (e *Endpoint) HasModel(model string) bool {
	for _, m := range e.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ProbeRecord is one immutable latency/success observation for (ip, model).
type ProbeRecord struct {
	ID         string    `json:"id"`
	IP         string    `json:"ip"`
	Model      string    `json:"model"`
	Success    bool      `json:"success"`
	LatencyMS  *int64    `json:"latency_ms"`
	StatusCode *int      `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	Body       string    `json:"body,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Location is a resolved geographic position for a host.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	City    string  `json:"city,omitempty"`
	Region  string  `json:"region,omitempty"`
	Country string  `json:"country,omitempty"`
}

// GeoCacheEntry records a resolved location and which provider supplied it.
// Entries are immutable once written.
type GeoCacheEntry struct {
	IP         string    `json:"ip"`
	Location   Location  `json:"location"`
	Provider   string    `json:"provider"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type EndpointFilters struct {
	OK     *bool
	Limit  int
	Offset int
}

type ProbeFilters struct {
	IP    string
	Model string
	Limit int
}

// Stats summarizes store contents for the dashboard.
type Stats struct {
	TotalEndpoints    int       `json:"total_endpoints"`
	VerifiedEndpoints int       `json:"verified_endpoints"`
	TotalProbes       int       `json:"total_probes"`
	GeoCacheEntries   int       `json:"geo_cache_entries"`
	OldestProbe       time.Time `json:"oldest_probe,omitempty"`
	NewestProbe       time.Time `json:"newest_probe,omitempty"`
}
