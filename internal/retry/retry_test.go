package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"daemon unavailable", fmt.Errorf("create: %w", errdefs.ErrUnavailable), true},
		{"engine internal", fmt.Errorf("create: %w", errdefs.ErrInternal), true},
		{"resource exhausted", fmt.Errorf("create: %w", errdefs.ErrResourceExhausted), true},
		{"deadline", fmt.Errorf("create: %w", context.DeadlineExceeded), true},
		{"missing image", fmt.Errorf("create: %w", errdefs.ErrNotFound), false},
		{"invalid config", fmt.Errorf("create: %w", errdefs.ErrInvalidArgument), false},
		{"name conflict", fmt.Errorf("create: %w", errdefs.ErrConflict), false},
		{"already exists", fmt.Errorf("create: %w", errdefs.ErrAlreadyExists), false},
		{"permission denied", fmt.Errorf("create: %w", errdefs.ErrPermissionDenied), false},
		{"socket refused", errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock"), true},
		{"connection reset", errors.New("read unix ->/var/run/docker.sock: connection reset by peer"), true},
		{"unclassified", errors.New("something else entirely"), false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("%s: Retryable(%v) = %v, want %v", c.name, c.err, got, c.want)
		}
	}
}

func fastConfig(attempts int) Config {
	return Config{Attempts: attempts, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("create: %w", errdefs.ErrUnavailable)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("expected success on attempt 3, got %q after %d calls", got, calls)
	}
}

func TestDoFailsFastOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		return "", fmt.Errorf("create: %w", errdefs.ErrNotFound)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		return "", fmt.Errorf("create: %w", errdefs.ErrUnavailable)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, Config{Attempts: 5, MinDelay: time.Minute, MaxDelay: time.Minute}, func() (string, error) {
		return "", fmt.Errorf("create: %w", errdefs.ErrUnavailable)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled while backing off, got %v", err)
	}
}

func TestDoCallsNotifyBeforeEachRetry(t *testing.T) {
	var notified []int
	ctx := WithNotify(context.Background(), func(attempt, maxAttempts int, err error) {
		notified = append(notified, attempt)
	})

	_, _ = Do(ctx, fastConfig(3), func() (string, error) {
		return "", fmt.Errorf("create: %w", errdefs.ErrUnavailable)
	})
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Fatalf("expected notifications for attempts 1 and 2, got %v", notified)
	}
}
