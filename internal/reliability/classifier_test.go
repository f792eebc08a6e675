package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestRetryStopsAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxRetries: 2, Base: time.Millisecond, Cap: time.Millisecond}, func(int) error {
		calls++
		return errors.New("flaky")
	})
	if err == nil {
		t.Fatalf("Retry() error = nil, want flaky")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	err := Retry(context.Background(), Policy{MaxRetries: 5, Base: time.Millisecond, Cap: time.Millisecond}, func(attempt int) error {
		if attempt < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	base := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), Policy{MaxRetries: 5, Base: time.Millisecond, Cap: time.Millisecond}, func(int) error {
		calls++
		return Permanent(base)
	})
	if !errors.Is(err, base) || calls != 1 {
		t.Fatalf("Retry() = %v after %d calls, want base error after 1", err, calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, Policy{MaxRetries: 5, Base: time.Second, Cap: time.Second}, func(int) error {
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
}
