// Package retry wraps Docker Engine API calls that can fail transiently —
// a daemon mid-restart, a dropped unix-socket connection, temporary
// resource exhaustion — with bounded exponential backoff. Errors are
// classified by the errdefs classes the Engine API client attaches to its
// responses; a definitively bad request (missing image, invalid
// parameter, name conflict) fails immediately rather than burning
// attempts.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// Config bounds the retry loop.
type Config struct {
	Attempts int           // max attempts (1 = no retry)
	MinDelay time.Duration // initial delay
	MaxDelay time.Duration // delay cap
	Jitter   float64       // jitter factor ±N (0.1 = ±10%)
}

// Defaults covers the common case of a daemon that comes back within a
// few seconds.
func Defaults() Config {
	return Config{
		Attempts: 3,
		MinDelay: 300 * time.Millisecond,
		MaxDelay: 30 * time.Second,
		Jitter:   0.1,
	}
}

// NotifyFunc is called before each retry attempt. attempt is the failed
// attempt number (1-based), maxAttempts is the total.
type NotifyFunc func(attempt, maxAttempts int, err error)

type notifyKey struct{}

// WithNotify injects a retry notification callback into the context. Do
// calls it before sleeping for each retry attempt.
func WithNotify(ctx context.Context, fn NotifyFunc) context.Context {
	return context.WithValue(ctx, notifyKey{}, fn)
}

func notifyFromContext(ctx context.Context) NotifyFunc {
	fn, _ := ctx.Value(notifyKey{}).(NotifyFunc)
	return fn
}

// Retryable reports whether a failed Engine API call is worth repeating.
//
// The daemon's own classification decides first: unavailable, internal,
// resource-exhausted, and deadline errors pass; invalid-parameter,
// not-found (e.g. the agent image is missing), conflict (duplicate
// container name), and permission errors are permanent for an identical
// request and fail fast. Anything reaching the daemon over a broken
// socket surfaces as a net.Error or a bare connection string before the
// client can attach a class, so those are matched last.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errdefs.IsInvalidArgument(err),
		errdefs.IsNotFound(err),
		errdefs.IsConflict(err),
		errdefs.IsAlreadyExists(err),
		errdefs.IsPermissionDenied(err),
		errdefs.IsUnauthorized(err),
		errdefs.IsNotImplemented(err):
		return false
	case errdefs.IsUnavailable(err),
		errdefs.IsInternal(err),
		errdefs.IsResourceExhausted(err),
		errdefs.IsDeadlineExceeded(err):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true // includes dial timeouts to the daemon socket
	}

	errStr := err.Error()
	return strings.Contains(errStr, "Cannot connect to the Docker daemon") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "EOF")
}

// Do executes fn, repeating on Retryable failures with exponential
// backoff and jitter until it succeeds, a permanent error occurs, the
// attempt budget runs out, or ctx is canceled.
func Do[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !Retryable(err) || attempt == cfg.Attempts {
			return zero, err
		}

		delay := backoff(cfg, attempt)
		slog.Debug("retrying engine api call",
			"component", "retry",
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"delay", delay,
			"error", err.Error(),
		)
		if notify := notifyFromContext(ctx); notify != nil {
			notify(attempt, cfg.Attempts, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff computes minDelay * 2^(attempt-1), capped at maxDelay, with
// ±jitter applied.
func backoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.MinDelay) * math.Pow(2, float64(attempt-1))
	if time.Duration(delay) > cfg.MaxDelay {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * cfg.Jitter
	}
	if delay < 0 {
		delay = float64(cfg.MinDelay)
	}
	return time.Duration(delay)
}
