package geo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"darn/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeProvider struct {
	name  string
	loc   *store.Location
	err   error
	calls int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Resolve(ctx context.Context, ip string) (*store.Location, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.loc, nil
}

func TestResolveFallsBackToNextProvider(t *testing.T) {
	first := &fakeProvider{name: "first", err: errors.New("rate limited")}
	second := &fakeProvider{name: "second", loc: &store.Location{Lat: 37.7, Lon: -122.4, City: "San Francisco"}}
	third := &fakeProvider{name: "third", loc: &store.Location{Lat: 1, Lon: 1}}

	st := newTestStore(t)
	r := NewResolverWithProviders(st, []Provider{first, second, third}, time.Second, time.Minute)

	loc, err := r.Resolve(context.Background(), "203.0.113.5")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if loc == nil || loc.Lat != 37.7 || loc.Lon != -122.4 {
		t.Fatalf("unexpected location: %+v", loc)
	}

	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected one call each to first and second, got %d/%d", first.calls, second.calls)
	}
	// The first valid answer wins; later providers are never consulted.
	if third.calls != 0 {
		t.Fatalf("third provider should not be consulted, got %d calls", third.calls)
	}

	entry, err := st.GetGeoCache(context.Background(), "203.0.113.5")
	if err != nil {
		t.Fatalf("cache entry missing: %v", err)
	}
	if entry.Provider != "second" {
		t.Fatalf("cached wrong provider: %s", entry.Provider)
	}
}

func TestResolveCacheHitSkipsProviders(t *testing.T) {
	p := &fakeProvider{name: "p", loc: &store.Location{Lat: 48.8, Lon: 2.3}}
	st := newTestStore(t)
	r := NewResolverWithProviders(st, []Provider{p}, time.Second, time.Minute)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "203.0.113.5"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	loc, err := r.Resolve(ctx, "203.0.113.5")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if loc == nil || loc.Lat != 48.8 {
		t.Fatalf("unexpected cached location: %+v", loc)
	}
	if p.calls != 1 {
		t.Fatalf("cache hit must not call providers, got %d calls", p.calls)
	}
}

func TestResolveAllProvidersFailedIsUnknownNotError(t *testing.T) {
	first := &fakeProvider{name: "first", err: errors.New("boom")}
	second := &fakeProvider{name: "second", err: errors.New("boom")}

	st := newTestStore(t)
	r := NewResolverWithProviders(st, []Provider{first, second}, time.Second, time.Minute)

	loc, err := r.Resolve(context.Background(), "203.0.113.5")
	if err != nil {
		t.Fatalf("total failure must not surface as an error, got %v", err)
	}
	if loc != nil {
		t.Fatalf("expected unknown location, got %+v", loc)
	}

	// Nothing is cached durably for a failed lookup.
	if _, err := st.GetGeoCache(context.Background(), "203.0.113.5"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed lookup must not be cached durably, got %v", err)
	}
}

func TestResolveNegativeCacheSuppressesRetry(t *testing.T) {
	p := &fakeProvider{name: "p", err: errors.New("boom")}
	st := newTestStore(t)
	r := NewResolverWithProviders(st, []Provider{p}, time.Second, time.Hour)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "203.0.113.5"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, "203.0.113.5"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("chain must not be retried inside the negative TTL, got %d calls", p.calls)
	}
}

func TestResolveNegativeCacheExpires(t *testing.T) {
	p := &fakeProvider{name: "p", err: errors.New("boom")}
	st := newTestStore(t)
	r := NewResolverWithProviders(st, []Provider{p}, time.Second, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "203.0.113.5"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Resolve(ctx, "203.0.113.5"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.calls != 2 {
		t.Fatalf("chain should be retried after the negative TTL, got %d calls", p.calls)
	}
}
