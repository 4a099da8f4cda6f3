// internal/pipeline/engine.go - wires the verification & probing pipeline
package pipeline

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"darn/internal/config"
	"darn/internal/discovery"
	"darn/internal/geo"
	"darn/internal/metrics"
	"darn/internal/store"
)

// Event is pushed to subscribers (the websocket feed) whenever a
// verification or probe completes.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Engine owns the pipeline components and the keyed lock table that
// enforces per-IP and per-(ip, model) exclusivity across scheduled and
// manual work.
type Engine struct {
	config     *config.Config
	store      store.Store
	metrics    *metrics.Collector
	verifier   *Verifier
	prober     *Prober
	relay      *Relay
	resolver   *geo.Resolver
	discoverer discovery.Discoverer
	scheduler  *Scheduler
	locks      *KeyLock

	mu          sync.RWMutex
	running     bool
	subscribers []func(Event)
}

type RefreshSummary struct {
	Discovered int `json:"discovered"`
	Known      int `json:"known"`
	Scheduled  int `json:"scheduled"`
}

func NewEngine(cfg *config.Config, st store.Store, collector *metrics.Collector, resolver *geo.Resolver, discoverer discovery.Discoverer) *Engine {
	p := cfg.Pipeline

	engine := &Engine{
		config:     cfg,
		store:      st,
		metrics:    collector,
		verifier:   NewVerifier(st, p.TargetPort, p.VerifyTimeout),
		prober:     NewProber(st, p.TargetPort, p.ProbeTimeout, p.ProbeBodyLimit),
		relay:      NewRelay(st, p.TargetPort, p.RelayTimeout),
		resolver:   resolver,
		discoverer: discoverer,
		locks:      NewKeyLock(),
	}

	engine.scheduler = NewScheduler(engine, p.Workers, p.QueueSize, p.TickInterval, !p.SchedulerPaused)
	return engine
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	logrus.Info("Starting pipeline engine")
	return e.scheduler.Start(ctx)
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	logrus.Info("Stopping pipeline engine")
	e.scheduler.Stop()
}

func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Subscribe registers a callback for completed verification/probe events.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

func (e *Engine) publish(ev Event) {
	e.mu.RLock()
	subs := e.subscribers
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// VerifyNow verifies one IP immediately, bypassing the schedule but
// respecting the per-IP lock. A second request while one is in flight gets
// ErrInFlight.
func (e *Engine) VerifyNow(ctx context.Context, ip string) (*store.Endpoint, error) {
	key := verifyKey(ip)
	if !e.locks.TryAcquire(key) {
		return nil, ErrInFlight
	}
	defer e.locks.Release(key)

	start := time.Now()
	ep, err := e.verifier.Verify(ctx, ip)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordVerification(ep.OK, time.Since(start))

	if ep.OK && ep.Location == nil {
		ep = e.attachLocation(ctx, ep)
	}

	e.publish(Event{Type: "verification", Data: ep})
	return ep, nil
}

func (e *Engine) attachLocation(ctx context.Context, ep *store.Endpoint) *store.Endpoint {
	loc, err := e.resolver.Resolve(ctx, ep.IP)
	if err != nil {
		logrus.WithError(err).WithField("ip", ep.IP).Warn("Geolocation lookup failed")
		return ep
	}
	e.metrics.RecordGeoResolution(loc != nil)
	if loc == nil {
		return ep
	}

	updated, err := e.store.MutateEndpoint(ctx, ep.IP, func(row *store.Endpoint) error {
		row.Location = loc
		return nil
	})
	if err != nil {
		logrus.WithError(err).WithField("ip", ep.IP).Warn("Failed to store location")
		return ep
	}
	return updated
}

// ProbeNow probes one (ip, model) pair immediately, respecting the per-pair
// lock. A second request while one is in flight gets ErrInFlight.
func (e *Engine) ProbeNow(ctx context.Context, ip, model string) (*store.ProbeRecord, error) {
	key := probeKey(ip, model)
	if !e.locks.TryAcquire(key) {
		return nil, ErrInFlight
	}
	defer e.locks.Release(key)

	rec, err := e.prober.Probe(ctx, ip, model)
	if err != nil {
		return nil, err
	}

	duration := time.Duration(0)
	if rec.LatencyMS != nil {
		duration = time.Duration(*rec.LatencyMS) * time.Millisecond
	}
	e.metrics.RecordProbe(model, rec.Success, duration)

	e.publish(Event{Type: "probe", Data: rec})
	return rec, nil
}

// Relay forwards a prompt to a verified target.
func (e *Engine) Relay(ctx context.Context, req RelayRequest) (*RelayResult, error) {
	res, err := e.relay.Relay(ctx, req)
	e.metrics.RecordRelay(err == nil)
	return res, err
}

// Choices returns the currently verified (ip, model) options, best first.
func (e *Engine) Choices(ctx context.Context) ([]RankedEndpoint, error) {
	ok := true
	endpoints, err := e.store.ListEndpoints(ctx, store.EndpointFilters{OK: &ok})
	if err != nil {
		return nil, err
	}

	verified := endpoints[:0]
	for _, ep := range endpoints {
		if len(ep.Models) > 0 {
			verified = append(verified, ep)
		}
	}
	return Rank(verified), nil
}

// Refresh discovers candidates (when none are supplied) and enqueues
// verification for every known and newly discovered host. It returns
// immediately; verification happens on the worker pool.
func (e *Engine) Refresh(ctx context.Context, ips []string) (*RefreshSummary, error) {
	summary := &RefreshSummary{}

	candidates := make([]string, 0, len(ips))
	for _, ip := range ips {
		if net.ParseIP(ip) != nil {
			candidates = append(candidates, ip)
		}
	}

	if len(candidates) == 0 && e.discoverer != nil {
		discovered, err := e.discoverer.Discover(ctx)
		if err != nil {
			return nil, err
		}
		candidates = discovered
		summary.Discovered = len(discovered)
	}

	known, err := e.store.ListEndpoints(ctx, store.EndpointFilters{})
	if err != nil {
		return nil, err
	}
	summary.Known = len(known)

	pending := make(map[string]struct{}, len(known)+len(candidates))
	for _, ep := range known {
		pending[ep.IP] = struct{}{}
	}
	for _, ip := range candidates {
		pending[ip] = struct{}{}
	}

	for ip := range pending {
		if e.scheduler.Enqueue(Job{Kind: JobVerify, IP: ip}) {
			summary.Scheduled++
		}
	}

	logrus.WithFields(logrus.Fields{
		"discovered": summary.Discovered,
		"known":      summary.Known,
		"scheduled":  summary.Scheduled,
	}).Info("Refresh triggered")

	return summary, nil
}

// Sweep enqueues an immediate probe for every verified (ip, model) pair.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	ok := true
	endpoints, err := e.store.ListEndpoints(ctx, store.EndpointFilters{OK: &ok})
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, ep := range endpoints {
		for _, model := range ep.Models {
			if e.scheduler.Enqueue(Job{Kind: JobProbe, IP: ep.IP, Model: model}) {
				scheduled++
			}
		}
	}

	logrus.WithField("scheduled", scheduled).Info("Probe sweep triggered")
	return scheduled, nil
}
