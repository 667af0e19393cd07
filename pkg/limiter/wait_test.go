package limiter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rohmanhakim/docs-crawler/pkg/limiter"
)

func TestConcurrentRateLimiter_Wait_SerializesPerHost(t *testing.T) {
	rl := limiter.NewConcurrentRateLimiter()
	rl.SetBaseDelay(30 * time.Millisecond)
	rl.SetJitter(0)
	host := "serial.example"

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var order []time.Duration

	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Wait(context.Background(), host); err != nil {
				t.Errorf("Wait returned error: %v", err)
				return
			}
			mu.Lock()
			order = append(order, time.Since(start))
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(order) != callers {
		t.Fatalf("expected %d completions, got %d", callers, len(order))
	}

	// Each caller serializes behind the base delay, so the slowest caller
	// must have waited at least (callers-1) * baseDelay.
	if order[len(order)-1] < time.Duration(callers-1)*30*time.Millisecond {
		t.Errorf("Wait calls did not serialize: last completion at %v", order[len(order)-1])
	}
}

func TestConcurrentRateLimiter_Wait_RespectsContextCancellation(t *testing.T) {
	rl := limiter.NewConcurrentRateLimiter()
	rl.SetBaseDelay(1 * time.Second)
	host := "cancel.example"
	rl.MarkLastFetchAsNow(host)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx, host)
	if err == nil {
		t.Fatal("expected Wait to return an error on context cancellation")
	}
}

func TestConcurrentRateLimiter_Wait_MarksHostAfterReturning(t *testing.T) {
	rl := limiter.NewConcurrentRateLimiter()
	rl.SetBaseDelay(0)
	host := "mark.example"

	if err := rl.Wait(context.Background(), host); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	timing, ok := rl.HostTimings()[host]
	if !ok {
		t.Fatal("expected host to be registered after Wait")
	}
	if timing.LastFetchAt().IsZero() {
		t.Error("expected lastFetchAt to be set after Wait")
	}
}

func TestConcurrentRateLimiter_CanRequest(t *testing.T) {
	rl := limiter.NewConcurrentRateLimiter()
	rl.SetBaseDelay(100 * time.Millisecond)
	rl.SetJitter(0)
	host := "can-request.example"

	if !rl.CanRequest(host) {
		t.Error("expected CanRequest true for unregistered host")
	}

	rl.MarkLastFetchAsNow(host)
	if rl.CanRequest(host) {
		t.Error("expected CanRequest false immediately after a fetch")
	}
}

func TestConcurrentRateLimiter_GetWaitTime_MatchesResolveDelay(t *testing.T) {
	rl := limiter.NewConcurrentRateLimiter()
	rl.SetBaseDelay(50 * time.Millisecond)
	rl.SetJitter(0)
	host := "wait-time.example"
	rl.MarkLastFetchAsNow(host)

	// GetWaitTime runs first, so it can exceed ResolveDelay only by the
	// time that passes between the two calls.
	wait := rl.GetWaitTime(host)
	resolved := rl.ResolveDelay(host)
	if diff := wait - resolved; diff < 0 || diff > 5*time.Millisecond {
		t.Errorf("GetWaitTime should report the same delay ResolveDelay would: got %v, ResolveDelay %v", wait, resolved)
	}
}
