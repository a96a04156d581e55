package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/sells-group/callpipe/internal/model"
)

// ErrorClass is the recovery-level view of a step error.
type ErrorClass string

const (
	// ClassTransient errors are network or timeout shaped and worth retrying.
	ClassTransient ErrorClass = "transient"
	// ClassData errors come from malformed or unparseable upstream payloads.
	ClassData ErrorClass = "data"
	// ClassOther covers everything the cascade cannot retry or salvage.
	ClassOther ErrorClass = "other"
)

// ClassOf maps a step-level error kind onto a recovery class.
func ClassOf(kind model.ErrorKind, recoverable bool) ErrorClass {
	switch {
	case kind == model.ErrorKindParse:
		return ClassData
	case kind == model.ErrorKindTimeout, recoverable:
		return ClassTransient
	default:
		return ClassOther
	}
}

// ErrorContext records one failed attempt. Previous links to the attempt
// before it so the full history of a step invocation can be logged.
type ErrorContext struct {
	Step      string
	Err       error
	Kind      model.ErrorKind
	Class     ErrorClass
	Attempt   int
	Timestamp time.Time
	Previous  *ErrorContext
}

// Depth returns the number of recorded attempts in the chain.
func (c *ErrorContext) Depth() int {
	n := 0
	for cur := c; cur != nil; cur = cur.Previous {
		n++
	}
	return n
}

// TransientError wraps an error that is safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}
