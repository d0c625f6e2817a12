package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestIsRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("only transient statuses are retryable", prop.ForAll(
		func(code int, msg string) bool {
			want := code == http.StatusTooManyRequests || code == http.StatusBadGateway ||
				code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
			return IsRetryable(&HTTPStatusError{StatusCode: code, Message: msg}) == want
		},
		gen.IntRange(400, 599),
		gen.AlphaString(),
	))

	properties.Property("backoff never exceeds the cap", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2.0}
			return backoff(cfg, attempt) <= cfg.MaxBackoff
		},
		gen.IntRange(1, 100),
	))

	properties.Property("backoff grows until the cap", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2.0}
			return backoff(cfg, attempt+1) >= backoff(cfg, attempt)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

type timeoutError struct{ timeout bool }

func (e *timeoutError) Error() string   { return "network" }
func (e *timeoutError) Timeout() bool   { return e.timeout }
func (e *timeoutError) Temporary() bool { return false }

var _ net.Error = (*timeoutError)(nil)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", &timeoutError{timeout: true}, true},
		{"net other", &timeoutError{}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, IsRetryable(c.err))
		})
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		attempts := 0
		permanent := &HTTPStatusError{StatusCode: http.StatusUnauthorized, Message: "bad key"}
		err := Do(context.Background(), fastConfig(5), func(context.Context) error {
			attempts++
			return permanent
		})
		require.Same(t, permanent, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		attempts := 0
		err := Do(context.Background(), fastConfig(4), func(context.Context) error {
			attempts++
			return &HTTPStatusError{StatusCode: http.StatusTooManyRequests}
		})
		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, 4, exhausted.Attempts)
		require.Equal(t, 4, attempts)
		var status *HTTPStatusError
		require.ErrorAs(t, err, &status)
		require.Equal(t, http.StatusTooManyRequests, status.StatusCode)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		attempts := 0
		err := Do(context.Background(), Config{}, func(context.Context) error {
			attempts++
			return context.DeadlineExceeded
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, 1, attempts)
	})

	t.Run("canceled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := fastConfig(3)
		cfg.InitialBackoff = time.Hour
		cfg.MaxBackoff = time.Hour
		err := Do(ctx, cfg, func(context.Context) error {
			cancel()
			return &HTTPStatusError{StatusCode: http.StatusBadGateway}
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}
