package pipeline

import (
	"context"
	"net/http"
	"testing"
	"time"

	"darn/internal/store"
)

func TestEnqueueSkipsHeldKeys(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	s := eng.Scheduler()

	if !s.Enqueue(Job{Kind: JobVerify, IP: "10.0.0.1"}) {
		t.Fatal("enqueue of free key should succeed")
	}

	eng.locks.TryAcquire(verifyKey("10.0.0.2"))
	if s.Enqueue(Job{Kind: JobVerify, IP: "10.0.0.2"}) {
		t.Fatal("enqueue must skip keys already in flight")
	}

	eng.locks.TryAcquire(probeKey("10.0.0.3", "llama3"))
	if s.Enqueue(Job{Kind: JobProbe, IP: "10.0.0.3", Model: "llama3"}) {
		t.Fatal("probe enqueue must skip pairs already in flight")
	}
	if !s.Enqueue(Job{Kind: JobProbe, IP: "10.0.0.3", Model: "mistral"}) {
		t.Fatal("other models of the same host are independent")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	s := NewScheduler(eng, 1, 2, time.Minute, true)

	if !s.Enqueue(Job{Kind: JobVerify, IP: "10.0.0.1"}) {
		t.Fatal("first enqueue should fit")
	}
	if !s.Enqueue(Job{Kind: JobVerify, IP: "10.0.0.2"}) {
		t.Fatal("second enqueue should fit")
	}
	if s.Enqueue(Job{Kind: JobVerify, IP: "10.0.0.3"}) {
		t.Fatal("enqueue beyond capacity should be dropped, not block")
	}
}

func TestProcessScheduleSelectsDueWork(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	s := eng.Scheduler()
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour)
	fresh := time.Now()

	endpoints := []store.Endpoint{
		// Stale verification and one model due for probing: 2 jobs.
		{IP: "10.0.0.1", OK: true, Models: []string{"llama3"}, CheckedAt: stale},
		// Fresh verification, model still due for its first probe: 1 job.
		{IP: "10.0.0.2", OK: true, Models: []string{"phi"}, CheckedAt: fresh},
		// Failed host: re-verified when stale but never probed: 1 job.
		{IP: "10.0.0.3", OK: false, Models: []string{"llama3"}, CheckedAt: stale},
	}
	for i := range endpoints {
		if err := st.UpsertEndpoint(ctx, &endpoints[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	s.processSchedule(ctx)

	if depth := s.Status().QueueDepth; depth != 4 {
		t.Fatalf("expected 4 scheduled jobs, got %d", depth)
	}
}

func TestProcessScheduleHonorsProbeInterval(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	s := eng.Scheduler()
	ctx := context.Background()

	ep := store.Endpoint{IP: "10.0.0.1", OK: true, Models: []string{"llama3"}, CheckedAt: time.Now()}
	if err := st.UpsertEndpoint(ctx, &ep); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A pair probed moments ago is not due yet.
	s.markProbed("10.0.0.1", "llama3")
	s.processSchedule(ctx)

	if depth := s.Status().QueueDepth; depth != 0 {
		t.Fatalf("recently probed pair must not be rescheduled, got %d jobs", depth)
	}
}

func TestSchedulerPauseResume(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	s := eng.Scheduler()

	if !s.Enabled() {
		t.Fatal("scheduler should start enabled by default")
	}

	s.SetEnabled(false)
	if s.Enabled() {
		t.Fatal("expected scheduler disabled")
	}

	// Manual work is unaffected by the pause; only the tick loop consults
	// Enabled. Enqueue still accepts jobs for when scheduling resumes.
	if !s.Enqueue(Job{Kind: JobVerify, IP: "10.0.0.1"}) {
		t.Fatal("enqueue should work while paused")
	}

	s.SetEnabled(true)
	if !s.Enabled() {
		t.Fatal("expected scheduler re-enabled")
	}
}

func TestSchedulerIntervalUpdate(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	s := eng.Scheduler()

	s.SetInterval(10 * time.Second)
	if got := s.Interval(); got != 10*time.Second {
		t.Fatalf("expected 10s interval, got %v", got)
	}

	// Non-positive intervals are ignored.
	s.SetInterval(0)
	if got := s.Interval(); got != 10*time.Second {
		t.Fatalf("interval changed on invalid input: %v", got)
	}
}

func TestSchedulerStopWaitsForExecutingJob(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := tagsServer(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.Write([]byte(`{"response":"ping"}`))
	})

	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	host := serverHost(srv)
	seedVerified(t, st, host, "llama3")

	s := NewScheduler(eng, 1, 8, time.Minute, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !s.Enqueue(Job{Kind: JobProbe, IP: host, Model: "llama3"}) {
		t.Fatal("enqueue failed")
	}
	<-started // the worker is now mid-probe

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a probe was still executing")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the probe completed")
	}

	// The drained probe finished and left its record.
	probes, err := st.ListProbes(context.Background(), store.ProbeFilters{IP: host})
	if err != nil {
		t.Fatalf("list probes: %v", err)
	}
	if len(probes) != 1 || !probes[0].Success {
		t.Fatalf("expected one successful record after drain, got %+v", probes)
	}
}

func TestSchedulerStopDrainsInFlight(t *testing.T) {
	st := newPipelineStore(t)
	eng := newTestEngine(t, st)
	s := NewScheduler(eng, 2, 8, time.Minute, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Stop with an idle pool returns promptly.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with no jobs in flight")
	}
}
