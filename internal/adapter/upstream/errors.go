package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatstream/internal/domain"
)

// maxErrorBody bounds how much of a non-2xx body is kept for diagnosis.
const maxErrorBody = 4096

// StatusError is a non-2xx upstream response. It unwraps to the domain
// sentinel that classifies the status.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
	sentinel   error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("API error %d", e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.sentinel != nil {
		return e.sentinel.Error() + ": " + msg
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.sentinel }

// mapHTTPError maps an HTTP status code and response body to a domain error.
// This lets the connector and the circuit breaker classify upstream failures.
func mapHTTPError(statusCode int, header http.Header, body []byte) error {
	se := &StatusError{
		StatusCode: statusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now()),
	}

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		se.sentinel = domain.ErrRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		se.sentinel = domain.ErrAuthInvalid
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		se.sentinel = domain.ErrContextOverflow
	case statusCode >= 500:
		se.sentinel = domain.ErrUpstreamFailure
	default:
		se.sentinel = domain.ErrProviderError
	}
	return se
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Anything else,
// including dates in the past, yields zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// statusOf returns the HTTP status carried by err, or zero.
func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// retryAfterOf returns the server-advised delay carried by err, or zero.
func retryAfterOf(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// connErrorKind names a transport failure for retry-reset particles.
func connErrorKind(err error) string {
	if statusOf(err) != 0 {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	if netErr != nil {
		return "network"
	}
	return ""
}
