package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
)

var fastPolicy = RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", fastPolicy, func(context.Context) error {
		calls++
		if calls < 3 {
			return faults.FromStatus("test", 503, nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", fastPolicy, func(context.Context) error {
		calls++
		return faults.FromStatus("test", 401, nil)
	})
	if faults.KindOf(err) != faults.Permanent {
		t.Fatalf("kind = %v, want permanent", faults.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryValue(context.Background(), "test", fastPolicy, func(context.Context) (int, error) {
		calls++
		return 0, faults.FromStatus("test", 500, nil)
	})
	if !faults.IsTransient(err) {
		t.Fatalf("err = %v, want the last transient error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{Attempts: 5, Base: time.Hour, Max: time.Hour}
	calls := 0
	err := Retry(ctx, "test", policy, func(context.Context) error {
		calls++
		cancel()
		return faults.FromStatus("test", 502, nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Base: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}
