// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the durable record store consumed by the pipeline.
// Implementations must make UpsertEndpoint idempotent per IP and must apply
// MutateEndpoint as a single atomic read-modify-write.
type Store interface {
	// Endpoint operations
	GetEndpoint(ctx context.Context, ip string) (*Endpoint, error)
	UpsertEndpoint(ctx context.Context, ep *Endpoint) error
	MutateEndpoint(ctx context.Context, ip string, fn func(*Endpoint) error) (*Endpoint, error)
	ListEndpoints(ctx context.Context, filters EndpointFilters) ([]Endpoint, error)
	CountEndpoints(ctx context.Context, filters EndpointFilters) (int, error)

	// Probe operations (append-only)
	AppendProbe(ctx context.Context, rec *ProbeRecord) error
	ListProbes(ctx context.Context, filters ProbeFilters) ([]ProbeRecord, error)
	PruneProbesBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Geo cache operations
	GetGeoCache(ctx context.Context, ip string) (*GeoCacheEntry, error)
	PutGeoCache(ctx context.Context, entry *GeoCacheEntry) error

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
