// internal/pipeline/prober.go - per-model latency/success checks
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"darn/internal/store"
)

const probePrompt = "Reply with exactly the word 'ping'."

// Prober issues a minimal inference request against a verified host and
// records the outcome as an immutable ProbeRecord. Exclusivity per
// (ip, model) is enforced by the caller through the shared KeyLock.
type Prober struct {
	store     store.Store
	client    *http.Client
	port      int
	timeout   time.Duration
	bodyLimit int
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

func NewProber(st store.Store, port int, timeout time.Duration, bodyLimit int) *Prober {
	return &Prober{
		store:     st,
		client:    &http.Client{},
		port:      port,
		timeout:   timeout,
		bodyLimit: bodyLimit,
	}
}

// Probe sends one test request to (ip, model) and appends exactly one
// ProbeRecord. Callers violating the verified-target precondition get a
// failed record with a descriptive error and no network call is made.
func (p *Prober) Probe(ctx context.Context, ip, model string) (*store.ProbeRecord, error) {
	rec := &store.ProbeRecord{
		ID:        uuid.New().String(),
		IP:        ip,
		Model:     model,
		Timestamp: time.Now(),
	}

	if reason := p.checkPrecondition(ctx, ip, model); reason != "" {
		rec.Success = false
		rec.Error = reason
		if err := p.store.AppendProbe(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to append probe record: %w", err)
		}
		return rec, nil
	}

	p.execute(ctx, rec)

	rec.Timestamp = time.Now() // completion time orders records per pair
	if err := p.store.AppendProbe(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append probe record: %w", err)
	}

	// Bookkeeping only; probe outcomes never rewrite capability fields.
	now := rec.Timestamp
	if _, err := p.store.MutateEndpoint(ctx, ip, func(ep *store.Endpoint) error {
		ep.LastProbedAt = &now
		return nil
	}); err != nil {
		logrus.WithError(err).WithField("ip", ip).Warn("Failed to update last-probed timestamp")
	}

	logrus.WithFields(logrus.Fields{
		"ip":      ip,
		"model":   model,
		"success": rec.Success,
	}).Debug("Probe completed")

	return rec, nil
}

func (p *Prober) checkPrecondition(ctx context.Context, ip, model string) string {
	ep, err := p.store.GetEndpoint(ctx, ip)
	if err != nil {
		return fmt.Sprintf("%v: endpoint %s unknown", ErrNotVerified, ip)
	}
	if !ep.OK {
		return fmt.Sprintf("%v: endpoint %s failed its last verification", ErrNotVerified, ip)
	}
	if !ep.HasModel(model) {
		return fmt.Sprintf("%v: model %q not offered by %s", ErrNotVerified, model, ip)
	}
	return ""
}

func (p *Prober) execute(ctx context.Context, rec *store.ProbeRecord) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload, _ := json.Marshal(generateRequest{
		Model:   rec.Model,
		Prompt:  probePrompt,
		Stream:  false,
		Options: generateOptions{Temperature: 0, NumPredict: 5},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL(rec.IP, p.port, generatePath), bytes.NewReader(payload))
	if err != nil {
		rec.Error = err.Error()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		rec.Error = ClassifyFailure(err) + ": " + err.Error()
		return
	}
	defer resp.Body.Close()

	// Latency is end-to-end: dispatch to final byte received.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	latencyMS := time.Since(start).Milliseconds()

	status := resp.StatusCode
	rec.StatusCode = &status
	rec.LatencyMS = &latencyMS
	rec.Body = truncate(string(body), p.bodyLimit)

	if readErr != nil {
		rec.Error = ClassifyFailure(readErr) + ": " + readErr.Error()
		return
	}
	if status != http.StatusOK {
		rec.Error = fmt.Sprintf("status %d", status)
		return
	}
	if !json.Valid(body) {
		rec.Error = FailMalformedResponse
		return
	}

	rec.Success = true
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
