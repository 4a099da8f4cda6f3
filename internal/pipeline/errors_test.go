package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, FailTimeout},
		{"wrapped deadline", fmt.Errorf("request: %w", context.DeadlineExceeded), FailTimeout},
		{"net timeout", fakeTimeoutError{}, FailTimeout},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), FailConnectionRefused},
		{"json syntax", &json.SyntaxError{}, FailMalformedResponse},
		{"wrapped json", fmt.Errorf("invalid json: %w", &json.SyntaxError{}), FailMalformedResponse},
		{"upstream status", &UpstreamError{StatusCode: 500, Body: "boom"}, FailUpstreamError},
		{"other", errors.New("connection reset"), FailNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFailure(tc.err); got != tc.want {
				t.Errorf("ClassifyFailure(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestUpstreamErrorTransportWrapsCause(t *testing.T) {
	cause := context.DeadlineExceeded
	err := &UpstreamError{Err: cause}

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("UpstreamError must unwrap to its transport cause")
	}
	// A transport failure classifies by its cause, not as upstream_error.
	if got := ClassifyFailure(err); got != FailTimeout {
		t.Fatalf("ClassifyFailure = %q, want %q", got, FailTimeout)
	}
}
