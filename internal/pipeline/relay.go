// internal/pipeline/relay.go - ad-hoc prompt forwarding to a verified host
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"darn/internal/store"
)

// Relay forwards a single operator-supplied prompt to a verified (ip, model)
// target and normalizes the heterogeneous reply shapes upstreams return.
type Relay struct {
	store   store.Store
	client  *http.Client
	port    int
	timeout time.Duration
}

// RelayRequest carries one prompt for a verified target. Temperature and
// MaxTokens are optional; nil means the default, so an explicit zero is
// honored.
type RelayRequest struct {
	IP          string   `json:"ip"`
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

type RelayResult struct {
	IP        string `json:"ip"`
	Model     string `json:"model"`
	Text      string `json:"text"`
	LatencyMS int64  `json:"latency_ms"`
	Upstream  string `json:"upstream"`
}

func NewRelay(st store.Store, port int, timeout time.Duration) *Relay {
	return &Relay{
		store:   st,
		client:  &http.Client{},
		port:    port,
		timeout: timeout,
	}
}

// Relay fails fast with ErrNotVerified before any network call when the
// target is not currently known-verified. Upstream failures are surfaced
// verbatim as *UpstreamError.
func (r *Relay) Relay(ctx context.Context, req RelayRequest) (*RelayResult, error) {
	ep, err := r.store.GetEndpoint(ctx, req.IP)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %s unknown", ErrNotVerified, req.IP)
	}
	if !ep.OK {
		return nil, fmt.Errorf("%w: endpoint %s failed its last verification", ErrNotVerified, req.IP)
	}
	if !ep.HasModel(req.Model) {
		return nil, fmt.Errorf("%w: model %q not offered by %s", ErrNotVerified, req.Model, req.IP)
	}

	temperature := 0.7
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := 256
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	url := targetURL(req.IP, r.port, generatePath)
	payload, _ := json.Marshal(generateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Stream:  false,
		Options: generateOptions{Temperature: temperature, NumPredict: maxTokens},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	latencyMS := time.Since(start).Milliseconds()
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	logrus.WithFields(logrus.Fields{
		"ip":         req.IP,
		"model":      req.Model,
		"latency_ms": latencyMS,
	}).Info("Relay completed")

	return &RelayResult{
		IP:        req.IP,
		Model:     req.Model,
		Text:      extractReplyText(body),
		LatencyMS: latencyMS,
		Upstream:  url,
	}, nil
}

// extractReplyText pulls a textual reply from the known field names, in
// priority order. When none match, the raw payload is returned as text: a
// degraded-but-visible result beats an opaque error once the upstream has
// answered at all.
func extractReplyText(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}

	if s, ok := payload["response"].(string); ok && s != "" {
		return s
	}
	if msg, ok := payload["message"].(map[string]interface{}); ok {
		if s, ok := msg["content"].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := payload["message"].(string); ok && s != "" {
		return s
	}
	if s, ok := payload["text"].(string); ok && s != "" {
		return s
	}
	if s, ok := payload["content"].(string); ok && s != "" {
		return s
	}
	return string(body)
}
