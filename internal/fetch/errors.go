package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind partitions fetch failures so callers can branch without matching
// error strings. Connectivity means the request never reached the peer;
// Timeout means the per-attempt deadline aborted an in-flight request.
type ErrorKind string

const (
	KindConnectivity ErrorKind = "connectivity"
	KindTimeout      ErrorKind = "timeout"
	KindHTTP         ErrorKind = "http"
	KindDecode       ErrorKind = "decode"
)

// Error is the failure surfaced after the retry budget is exhausted. It wraps
// the last attempt's error and records how many attempts were made.
type Error struct {
	Kind     ErrorKind
	Status   int
	URL      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("fetch: %s returned status %d after %d attempt(s)", e.URL, e.Status, e.Attempts)
	default:
		return fmt.Sprintf("fetch: %s failed (%s) after %d attempt(s): %v", e.URL, e.Kind, e.Attempts, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsConnectivity reports whether err represents a pure connectivity failure,
// the variant the data access layer converts into fallback data.
func IsConnectivity(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindConnectivity
}

// classifyTransport maps a transport error to its kind. Deadline expiry is a
// timeout; everything else that prevented a response is connectivity.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnectivity
}
