package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"darn/internal/config"
	"darn/internal/geo"
	"darn/internal/metrics"
	"darn/internal/store"
)

func newTestEngine(t *testing.T, st store.Store) *Engine {
	t.Helper()

	cfg := config.Default()
	cfg.Pipeline.VerifyTimeout = 2 * time.Second
	cfg.Pipeline.ProbeTimeout = 2 * time.Second
	cfg.Pipeline.RelayTimeout = 2 * time.Second

	resolver := geo.NewResolverWithProviders(st, nil, time.Second, time.Minute)
	return NewEngine(cfg, st, metrics.NewCollector(st), resolver, nil)
}

func TestVerifyNowRejectsSecondInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := tagsServer(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
	})

	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	host := serverHost(srv)

	done := make(chan error, 1)
	go func() {
		_, err := eng.VerifyNow(context.Background(), host)
		done <- err
	}()

	<-started
	if _, err := eng.VerifyNow(context.Background(), host); !errors.Is(err, ErrInFlight) {
		t.Fatalf("concurrent verify should be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first verify: %v", err)
	}

	// The lock is released once the first call completes.
	if _, err := eng.VerifyNow(context.Background(), host); err != nil {
		t.Fatalf("verify after completion: %v", err)
	}
}

func TestProbeNowRejectsSecondInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var calls int64
	srv := tagsServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		started <- struct{}{}
		<-release
		w.Write([]byte(`{"response":"ping"}`))
	})

	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	host := serverHost(srv)
	seedVerified(t, st, host, "llama3")

	done := make(chan error, 1)
	go func() {
		_, err := eng.ProbeNow(context.Background(), host, "llama3")
		done <- err
	}()

	<-started
	// Second probe of the same pair rejected while one is executing.
	if _, err := eng.ProbeNow(context.Background(), host, "llama3"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("concurrent probe should be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", got)
	}
	probes, err := st.ListProbes(context.Background(), store.ProbeFilters{IP: host})
	if err != nil {
		t.Fatalf("list probes: %v", err)
	}
	if len(probes) != 1 {
		t.Fatalf("rejected probe must not leave a record, got %d records", len(probes))
	}
}

func TestProbeNowDifferentModelsIndependent(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	srv := tagsServer(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.Write([]byte(`{"response":"ping"}`))
	})

	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	host := serverHost(srv)
	seedVerified(t, st, host, "llama3", "mistral")

	done := make(chan error, 2)
	for _, model := range []string{"llama3", "mistral"} {
		model := model
		go func() {
			_, err := eng.ProbeNow(context.Background(), host, model)
			done <- err
		}()
	}

	// Both probes reach the upstream concurrently; neither blocks the other.
	<-started
	<-started
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
}

func TestEngineChoicesRankedBestFirst(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	ctx := context.Background()

	fast := int64(40)
	slow := int64(6000)
	seeds := []store.Endpoint{
		{IP: "10.0.0.1", OK: true, Models: []string{"llama3", "mistral"}, LatencyMS: &fast},
		{IP: "10.0.0.2", OK: true, Models: []string{"llama3"}, LatencyMS: &slow},
		{IP: "10.0.0.3", OK: false},
	}
	for i := range seeds {
		if err := st.UpsertEndpoint(ctx, &seeds[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	choices, err := eng.Choices(ctx)
	if err != nil {
		t.Fatalf("choices: %v", err)
	}
	if len(choices) != 2 {
		t.Fatalf("expected 2 choices, got %d", len(choices))
	}
	if choices[0].IP != "10.0.0.1" {
		t.Fatalf("expected fastest endpoint first, got %s", choices[0].IP)
	}
}

func TestRefreshSchedulesKnownAndSupplied(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	ctx := context.Background()

	if err := st.UpsertEndpoint(ctx, &store.Endpoint{IP: "10.0.0.1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	summary, err := eng.Refresh(ctx, []string{"10.0.0.2", "not-an-ip", "10.0.0.1"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if summary.Known != 1 {
		t.Errorf("expected 1 known endpoint, got %d", summary.Known)
	}
	// Known ∪ valid candidates, deduplicated: 10.0.0.1 and 10.0.0.2.
	if summary.Scheduled != 2 {
		t.Errorf("expected 2 scheduled jobs, got %d", summary.Scheduled)
	}
	if depth := eng.Scheduler().Status().QueueDepth; depth != 2 {
		t.Errorf("expected queue depth 2, got %d", depth)
	}
}

func TestSweepEnqueuesVerifiedPairs(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	ctx := context.Background()

	endpoints := []store.Endpoint{
		{IP: "10.0.0.1", OK: true, Models: []string{"llama3", "mistral"}},
		{IP: "10.0.0.2", OK: true, Models: []string{"phi"}},
		{IP: "10.0.0.3", OK: false, Models: []string{"llama3"}},
	}
	for i := range endpoints {
		if err := st.UpsertEndpoint(ctx, &endpoints[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	scheduled, err := eng.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if scheduled != 3 {
		t.Fatalf("expected 3 probe jobs (verified pairs only), got %d", scheduled)
	}
}

func TestEngineEventsPublished(t *testing.T) {
	srv := tagsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
	})

	st := newPipelineStore(t)
	eng := newTestEngine(t, st)

	events := make(chan Event, 4)
	eng.Subscribe(func(ev Event) { events <- ev })

	if _, err := eng.VerifyNow(context.Background(), serverHost(srv)); err != nil {
		t.Fatalf("verify: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != "verification" {
			t.Fatalf("unexpected event type %q", ev.Type)
		}
	default:
		t.Fatal("expected a verification event")
	}
}
