package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrPoolExhausted means every credential in the pool was rejected with
	// a rotation-class error. Callers treat it as systemic: every further
	// call would fail the same way.
	ErrPoolExhausted = errors.New("all credentials exhausted")

	// ErrRetriesExhausted means a bounded retry loop gave up. It is a
	// per-call failure.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ExhaustedError reports the final failure of a retry loop. It matches both
// its sentinel (ErrPoolExhausted or ErrRetriesExhausted) and the last
// underlying error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Kind     error
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %v after %d attempts: %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{e.Kind, e.Err} }

// IsPoolExhausted reports whether err carries ErrPoolExhausted.
func IsPoolExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}

// IsNetworkError reports transport-level failures: timeouts, refused or
// reset connections, DNS failures and truncated responses.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "no such host", "network is unreachable", "tls handshake timeout", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
