package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var errTransient = errors.New("transient")

func transientPolicy(attempts int) Policy {
	return Policy{
		Name:         "test",
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Classify:     func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := transientPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
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

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := transientPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	if err == nil {
		t.Fatalf("expected error after exhaustion")
	}
	if !errors.Is(err, errTransient) {
		t.Fatalf("exhaustion error does not wrap cause: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoNonRetryablePropagatesImmediately(t *testing.T) {
	fatal := errors.New("validation failed")
	calls := 0
	err := transientPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error consumed retries: %d calls", calls)
	}
}

func TestDoRespectsContextDuringBackoff(t *testing.T) {
	p := transientPolicy(5)
	p.InitialDelay = time.Second
	p.MaxDelay = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	p := Policy{Name: "test", MaxAttempts: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := p.delay(i); got != w {
			t.Fatalf("delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestDelayJitterStaysWithinInterval(t *testing.T) {
	p := Policy{Name: "test", MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.delay(1) // base 200ms
		if d < 100*time.Millisecond || d >= 200*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms, 200ms)", d)
		}
	}
}

func TestValidate(t *testing.T) {
	bad := []Policy{
		{Name: "a", MaxAttempts: 0, InitialDelay: time.Millisecond, MaxDelay: time.Second},
		{Name: "b", MaxAttempts: 1, InitialDelay: 0, MaxDelay: time.Second},
		{Name: "c", MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Millisecond},
	}
	for _, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("policy %q: expected validation error", p.Name)
		}
	}
	if err := HeartbeatPolicy().Validate(); err != nil {
		t.Fatalf("heartbeat policy invalid: %v", err)
	}
	if err := StorePolicy().Validate(); err != nil {
		t.Fatalf("store policy invalid: %v", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", &net.OpError{Op: "dial", Err: syscall.ETIMEDOUT}, true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"pg connection", &pgconn.PgError{Code: "08006"}, true},
		{"pg shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
