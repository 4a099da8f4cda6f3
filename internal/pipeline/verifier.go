// internal/pipeline/verifier.go - capability probe against candidate hosts
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"darn/internal/store"
)

// Verifier probes a candidate IP once to determine whether it serves an
// inference API and which models it advertises.
type Verifier struct {
	store   store.Store
	client  *http.Client
	port    int
	timeout time.Duration
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func NewVerifier(st store.Store, port int, timeout time.Duration) *Verifier {
	return &Verifier{
		store: st,
		// Timeout is applied per call via context so a caller can tighten it.
		client:  &http.Client{},
		port:    port,
		timeout: timeout,
	}
}

// Verify performs one capability probe and upserts the Endpoint row. Network
// failures are recorded as data on the row, never returned as errors; the
// returned error is non-nil only for store failures.
//
// The model list is replaced on success and left untouched on failure, so a
// stale success never claims capability that no longer exists, while a
// transient failure does not erase what the host was last known to serve.
func (v *Verifier) Verify(ctx context.Context, ip string) (*store.Endpoint, error) {
	models, latencyMS, probeErr := v.fetchTags(ctx, ip)

	now := time.Now()
	ep, err := v.store.MutateEndpoint(ctx, ip, func(ep *store.Endpoint) error {
		ep.CheckedAt = now
		if probeErr != nil {
			ep.OK = false
			ep.Error = probeErr.Error()
			ep.LatencyMS = nil
			return nil
		}
		if len(models) == 0 {
			ep.OK = false
			ep.Error = "no models advertised"
			ep.LatencyMS = nil
			return nil
		}
		ep.OK = true
		ep.Models = models
		ep.LatencyMS = &latencyMS
		ep.Error = ""
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record verification for %s: %w", ip, err)
	}

	if probeErr != nil {
		logrus.WithFields(logrus.Fields{
			"ip":     ip,
			"reason": ClassifyFailure(probeErr),
		}).Debug("Verification failed")
	} else {
		logrus.WithFields(logrus.Fields{
			"ip":         ip,
			"models":     len(ep.Models),
			"latency_ms": latencyMS,
		}).Debug("Verification succeeded")
	}

	return ep, nil
}

func (v *Verifier) fetchTags(ctx context.Context, ip string) ([]string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL(ip, v.port, tagsPath), nil)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	latencyMS := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, latencyMS, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, latencyMS, fmt.Errorf("invalid json: %w", err)
	}

	models := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		if m.Name != "" {
			models = append(models, m.Name)
		}
	}
	return models, latencyMS, nil
}
