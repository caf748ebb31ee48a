package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a failure that may succeed on another attempt.
// Status is the HTTP status behind it, or 0 for transport failures.
type TransientError struct {
	Err    error
	Status int
}

// Transient wraps err as retryable.
func Transient(err error, status int) *TransientError {
	return &TransientError{Err: err, Status: status}
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// AsTransient returns the first TransientError in err's chain.
func AsTransient(err error) (*TransientError, bool) {
	var te *TransientError
	ok := errors.As(err, &te)
	return te, ok
}

// IsRateLimited reports whether err is a transient HTTP 429.
func IsRateLimited(err error) bool {
	te, ok := AsTransient(err)
	return ok && te.Status == http.StatusTooManyRequests
}

// transportFailures are message fragments of network failures that reach us
// already flattened to strings by HTTP client wrapping.
var transportFailures = []string{
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"tls handshake timeout",
	"client.timeout exceeded",
	"server closed idle connection",
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsTransient(err); ok {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, target := range []error{
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
		io.ErrUnexpectedEOF, context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range transportFailures {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
