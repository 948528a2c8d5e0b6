package registry

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxJitter: time.Millisecond}
}

func TestPolicyDelayBounds(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	for n := range 4 {
		floor := p.BaseDelay << n
		for range 50 {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, floor)
			assert.LessOrEqual(t, d, floor+p.MaxJitter)
		}
	}
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		errs      []error
		wantCalls int32
		wantKind  Kind
		wantOK    bool
	}{
		{
			name:      "success first time",
			wantCalls: 1,
			wantOK:    true,
		},
		{
			name:      "transient then success",
			errs:      []error{&HTTPError{Status: http.StatusTooManyRequests}},
			wantCalls: 2,
			wantOK:    true,
		},
		{
			name: "three 503 exhaust attempts",
			errs: []error{
				&HTTPError{Status: http.StatusServiceUnavailable},
				&HTTPError{Status: http.StatusServiceUnavailable},
				&HTTPError{Status: http.StatusServiceUnavailable},
			},
			wantCalls: 3,
			wantKind:  KindTransient,
		},
		{
			name:      "client error is terminal",
			errs:      []error{&HTTPError{Status: http.StatusBadRequest}},
			wantCalls: 1,
			wantKind:  KindTerminal,
		},
		{
			name:      "malformed payload is terminal",
			errs:      []error{ErrMalformed},
			wantCalls: 1,
			wantKind:  KindTerminal,
		},
		{
			name:      "transport error retried",
			errs:      []error{&TransportError{Err: errors.New("connection reset")}},
			wantCalls: 2,
			wantOK:    true,
		},
		{
			name:      "cancellation is not retried",
			errs:      []error{ErrCancelled},
			wantCalls: 1,
			wantKind:  KindCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			v, err := WithRetry(t.Context(), fastPolicy(), func(ctx context.Context) (string, error) {
				n := calls.Add(1)
				if int(n) <= len(tt.errs) {
					return "", tt.errs[n-1]
				}
				return "ok", nil
			})

			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantOK {
				require.NoError(t, err)
				assert.Equal(t, "ok", v)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, Classify(err))
		})
	}
}

func TestWithRetryStopsWhenContextEndsDuringBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	p := Policy{Attempts: 5, BaseDelay: time.Hour}
	p.OnRetry = func(n int, delay time.Duration, err error) {
		cancel()
	}

	_, err := WithRetry(ctx, p, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, &HTTPError{Status: http.StatusBadGateway}
	})

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRetryReportsEachRetry(t *testing.T) {
	t.Parallel()
	var retries []int
	p := fastPolicy()
	p.OnRetry = func(n int, delay time.Duration, err error) {
		retries = append(retries, n)
		assert.GreaterOrEqual(t, delay, p.BaseDelay<<n)
	}

	_, err := WithRetry(t.Context(), p, func(ctx context.Context) (int, error) {
		return 0, &HTTPError{Status: http.StatusInternalServerError}
	})

	require.Error(t, err)
	assert.Equal(t, []int{0, 1}, retries)
}
