// internal/pipeline/errors.go - failure taxonomy for pipeline operations
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrNotVerified is returned when a relay or probe targets an (ip, model)
// pair that is not currently known-verified. No network call is made.
var ErrNotVerified = errors.New("target not verified")

// ErrInFlight is returned when an operation for the same identity key is
// already executing. The second request is rejected as a no-op.
var ErrInFlight = errors.New("operation already in flight")

// UpstreamError reports that the remote host responded with a failure, or
// did not respond at all. Status and body are surfaced verbatim so an
// operator can diagnose a bad host.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream error: %v", e.Err)
	}
	return fmt.Sprintf("upstream error: status %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Failure kind labels used in stored outcomes and metrics.
const (
	FailTimeout           = "timeout"
	FailConnectionRefused = "connection_refused"
	FailMalformedResponse = "malformed_response"
	FailUpstreamError     = "upstream_error"
	FailNetwork           = "network_error"
)

// ClassifyFailure maps an error from a network operation onto the failure
// taxonomy. Used to label recorded failure outcomes, never to abort a batch.
func ClassifyFailure(err error) string {
	if err == nil {
		return ""
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Err == nil {
		return FailUpstreamError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailConnectionRefused
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return FailMalformedResponse
	}

	return FailNetwork
}
