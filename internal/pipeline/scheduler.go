// internal/pipeline/scheduler.go - periodic re-verification and re-probing
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"darn/internal/store"
)

type JobKind string

const (
	JobVerify JobKind = "verify"
	JobProbe  JobKind = "probe"
)

type Job struct {
	Kind  JobKind
	IP    string
	Model string
}

func (j Job) key() string {
	if j.Kind == JobProbe {
		return probeKey(j.IP, j.Model)
	}
	return verifyKey(j.IP)
}

// Scheduler drives periodic re-verification and re-probing over the known
// host set with a bounded worker pool. Work beyond pool capacity queues;
// a pair already in flight is skipped on the next tick, never
// double-scheduled.
type Scheduler struct {
	engine   *Engine
	jobQueue chan Job
	workers  int

	mu       sync.RWMutex
	enabled  bool
	interval time.Duration
	running  bool

	inflight sync.WaitGroup

	lpMu      sync.Mutex
	lastProbe map[string]time.Time
}

type SchedulerStatus struct {
	Enabled    bool          `json:"enabled"`
	Interval   time.Duration `json:"interval"`
	Workers    int           `json:"workers"`
	QueueDepth int           `json:"queue_depth"`
}

func NewScheduler(engine *Engine, workers, queueSize int, interval time.Duration, enabled bool) *Scheduler {
	return &Scheduler{
		engine:    engine,
		jobQueue:  make(chan Job, queueSize),
		workers:   workers,
		enabled:   enabled,
		interval:  interval,
		lastProbe: make(map[string]time.Time),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"workers":  s.workers,
		"interval": s.Interval(),
	}).Info("Starting scheduler")

	for i := 0; i < s.workers; i++ {
		go s.worker(ctx, i)
	}

	go s.tickLoop(ctx)
	return nil
}

// Stop disables scheduling and waits for in-flight jobs to complete, so no
// partial records are written. Workers themselves exit when the context
// passed to Start is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.enabled = false
	s.mu.Unlock()

	logrus.Info("Stopping scheduler, draining in-flight jobs")
	s.inflight.Wait()
}

func (s *Scheduler) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SchedulerStatus{
		Enabled:    s.enabled,
		Interval:   s.interval,
		Workers:    s.workers,
		QueueDepth: len(s.jobQueue),
	}
}

// Enqueue adds a job unless its identity key is currently in flight. A key
// can sit in the queue more than once across ticks; the keyed lock taken at
// execution keeps the duplicates from ever overlapping. Returns whether the
// job was accepted.
func (s *Scheduler) Enqueue(job Job) bool {
	if s.engine.locks.Held(job.key()) {
		return false
	}

	select {
	case s.jobQueue <- job:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"kind": job.Kind,
			"ip":   job.IP,
		}).Warn("Job queue full, dropping job")
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	logrus.WithField("worker", id).Debug("Started worker")

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobQueue:
			if !s.beginJob() {
				continue
			}
			s.executeJob(ctx, job)
			s.inflight.Done()
		}
	}
}

// beginJob admits a dequeued job for execution. The counter is incremented
// under the same lock Stop takes to flip running, so Stop's Wait observes
// every admitted job: a job is either counted before Stop returns or never
// runs at all.
func (s *Scheduler) beginJob() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) executeJob(ctx context.Context, job Job) {
	switch job.Kind {
	case JobVerify:
		if _, err := s.engine.VerifyNow(ctx, job.IP); err != nil && err != ErrInFlight {
			logrus.WithError(err).WithField("ip", job.IP).Error("Scheduled verification failed")
		}
	case JobProbe:
		_, err := s.engine.ProbeNow(ctx, job.IP, job.Model)
		switch err {
		case nil:
			s.markProbed(job.IP, job.Model)
		case ErrInFlight:
			// Raced with a manual probe; the next tick will reschedule.
		default:
			logrus.WithError(err).WithFields(logrus.Fields{
				"ip":    job.IP,
				"model": job.Model,
			}).Error("Scheduled probe failed")
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval()):
			if s.Enabled() {
				s.processSchedule(ctx)
			}
		}
	}
}

func (s *Scheduler) processSchedule(ctx context.Context) {
	endpoints, err := s.engine.store.ListEndpoints(ctx, store.EndpointFilters{})
	if err != nil {
		logrus.WithError(err).Error("Failed to list endpoints")
		return
	}

	cfg := s.engine.config.Pipeline
	now := time.Now()
	scheduled := 0

	for _, ep := range endpoints {
		if ep.CheckedAt.IsZero() || now.Sub(ep.CheckedAt) >= cfg.ReverifyAfter {
			if s.Enqueue(Job{Kind: JobVerify, IP: ep.IP}) {
				scheduled++
			}
		}

		if !ep.OK {
			continue
		}
		for _, model := range ep.Models {
			if now.Sub(s.lastProbed(ep.IP, model)) < cfg.ProbeAfter {
				continue
			}
			if s.Enqueue(Job{Kind: JobProbe, IP: ep.IP, Model: model}) {
				scheduled++
			}
		}
	}

	if scheduled > 0 {
		logrus.WithField("count", scheduled).Debug("Scheduled jobs")
	}
}

func (s *Scheduler) lastProbed(ip, model string) time.Time {
	s.lpMu.Lock()
	defer s.lpMu.Unlock()
	return s.lastProbe[probeKey(ip, model)]
}

func (s *Scheduler) markProbed(ip, model string) {
	s.lpMu.Lock()
	defer s.lpMu.Unlock()
	s.lastProbe[probeKey(ip, model)] = time.Now()
}
