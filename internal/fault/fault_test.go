package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: base, want: false},
		{name: "transient", err: Transient(base), want: true},
		{name: "wrapped transient", err: fmt.Errorf("call api: %w", Transient(base)), want: true},
		{name: "deadline", err: fmt.Errorf("poll: %w", context.DeadlineExceeded), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "permanent over transient", err: Permanent(Transient(base)), want: false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
	if !errors.Is(Transient(base), base) || !errors.Is(Permanent(base), base) {
		t.Fatal("expected wrappers to unwrap to the cause")
	}
}

func TestRetry_TransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	cause := errors.New("still down")
	err := Retry(context.Background(), fastPolicy(2), "test", func(context.Context) error {
		calls++
		return Transient(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected last cause, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("unauthorized")
	err := Retry(context.Background(), fastPolicy(5), "test", func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause, got %v", err)
	}
	if IsTransient(err) {
		t.Fatal("expected permanent error to stay permanent")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, Policy{MaxAttempts: 5, InitialInterval: time.Hour}, "test", func(context.Context) error {
		calls++
		return Transient(errors.New("flaky"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 1 {
		t.Fatalf("expected at most one call, got %d", calls)
	}
}
