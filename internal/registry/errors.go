package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap/zapcore"
)

var (
	// ErrCancelled is returned when the caller's context ends before the call
	// settles. It is never retried and never counts as a failure.
	ErrCancelled = errors.New("request cancelled")

	// ErrSuperseded is returned to a Supersede caller whose call was replaced
	// by a newer one under the same key. It is a cancellation.
	ErrSuperseded = fmt.Errorf("%w: superseded", ErrCancelled)

	// ErrMalformed is returned when a response payload cannot be decoded.
	ErrMalformed = errors.New("malformed payload")
)

// HTTPError is a response with a non-2xx status.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Retryable is true for 429 and every 5xx.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// TransportError is a failure before any response status was received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Kind int

const (
	KindTerminal Kind = iota
	KindTransient
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCancelled:
		return "cancelled"
	default:
		return "terminal"
	}
}

// Classify sorts err into the retry taxonomy. Unknown errors are terminal.
func Classify(err error) Kind {
	if err == nil {
		return KindTerminal
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var he *HTTPError
	if errors.As(err, &he) {
		if he.Retryable() {
			return KindTransient
		}
		return KindTerminal
	}
	if errors.Is(err, ErrMalformed) {
		return KindTerminal
	}
	var te *TransportError
	if errors.As(err, &te) {
		return KindTransient
	}
	return KindTerminal
}

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	return Classify(err) == KindCancelled
}

// LogLevel returns the level an error of this kind is logged at.
func (k Kind) LogLevel() zapcore.Level {
	switch k {
	case KindCancelled:
		return zapcore.DebugLevel
	case KindTerminal:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func cancelled(cause error) error {
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}
