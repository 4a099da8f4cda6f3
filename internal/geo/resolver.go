// internal/geo/resolver.go - ordered provider chain with caching
package geo

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"darn/internal/config"
	"darn/internal/store"
)

// ErrAllProvidersFailed reports that every provider in the chain failed or
// returned malformed data. Callers treat the resulting nil location as a
// valid "unknown" outcome, not an error.
var ErrAllProvidersFailed = errors.New("all geolocation providers failed")

// Resolver resolves an IP to coordinates through an ordered chain of
// unreliable third-party providers. Successful resolutions are cached
// durably and never re-resolved; total failures are cached in-process so the
// chain is not retried until the next scheduled verification cycle.
type Resolver struct {
	store           store.Store
	providers       []Provider
	providerTimeout time.Duration
	negativeTTL     time.Duration

	mu     sync.Mutex
	failed map[string]time.Time
}

func NewResolver(st store.Store, cfg config.GeoConfig, negativeTTL time.Duration) (*Resolver, error) {
	client := &http.Client{}
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		p, err := NewProvider(name, client)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return NewResolverWithProviders(st, providers, cfg.ProviderTimeout, negativeTTL), nil
}

// NewResolverWithProviders wires an explicit chain; used by tests and by any
// caller that needs a non-standard provider order.
func NewResolverWithProviders(st store.Store, providers []Provider, providerTimeout, negativeTTL time.Duration) *Resolver {
	return &Resolver{
		store:           st,
		providers:       providers,
		providerTimeout: providerTimeout,
		negativeTTL:     negativeTTL,
		failed:          make(map[string]time.Time),
	}
}

// Resolve returns the location for ip, or nil when it cannot be determined.
// A cache hit never makes a network call. A nil result with nil error is the
// valid "unknown location" outcome.
func (r *Resolver) Resolve(ctx context.Context, ip string) (*store.Location, error) {
	if entry, err := r.store.GetGeoCache(ctx, ip); err == nil {
		loc := entry.Location
		return &loc, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if r.recentlyFailed(ip) {
		return nil, nil
	}

	loc, provider, err := r.resolveChain(ctx, ip)
	if err != nil {
		r.markFailed(ip)
		logrus.WithField("ip", ip).WithError(err).Debug("Geolocation unavailable")
		return nil, nil
	}

	if err := r.store.PutGeoCache(ctx, &store.GeoCacheEntry{
		IP:         ip,
		Location:   *loc,
		Provider:   provider,
		ResolvedAt: time.Now(),
	}); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"ip":       ip,
		"provider": provider,
	}).Debug("Geolocation resolved")

	return loc, nil
}

// resolveChain tries providers in order; the first syntactically valid
// location wins and later providers are never consulted.
func (r *Resolver) resolveChain(ctx context.Context, ip string) (*store.Location, string, error) {
	for _, p := range r.providers {
		pctx, cancel := context.WithTimeout(ctx, r.providerTimeout)
		loc, err := p.Resolve(pctx, ip)
		cancel()

		if err != nil {
			logrus.WithFields(logrus.Fields{
				"ip":       ip,
				"provider": p.Name(),
			}).WithError(err).Debug("Geolocation provider failed")
			continue
		}
		return loc, p.Name(), nil
	}
	return nil, "", ErrAllProvidersFailed
}

func (r *Resolver) recentlyFailed(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.failed[ip]
	if !ok {
		return false
	}
	if r.negativeTTL > 0 && time.Since(at) > r.negativeTTL {
		delete(r.failed, ip)
		return false
	}
	return true
}

func (r *Resolver) markFailed(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[ip] = time.Now()
}
