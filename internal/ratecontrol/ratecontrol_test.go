package ratecontrol

import (
	"context"
	"testing"
	"time"
)

func TestDelayForRequest(t *testing.T) {
	limit := RateLimit{RPM: 30, TPM: 60000}
	d := DelayForRequest(limit, 1000)
	if d.Milliseconds() <= 0 {
		t.Fatalf("expected positive delay, got %v", d)
	}
	if DelayForRequest(RateLimit{}, 1000) != 0 {
		t.Fatal("expected zero delay for unlimited")
	}
}

func TestCombineLimits(t *testing.T) {
	a := RateLimit{RPM: 30, TPM: 50000}
	b := RateLimit{RPM: 20, TPM: 100000}
	combined := CombineLimits(a, b)
	if combined.RPM != 20 {
		t.Fatalf("expected RPM 20, got %d", combined.RPM)
	}
	if combined.TPM != 50000 {
		t.Fatalf("expected TPM 50000, got %d", combined.TPM)
	}
	if got := CombineLimits(RateLimit{RPM: 10}, RateLimit{}); got.RPM != 10 {
		t.Fatalf("expected positive side to win, got %d", got.RPM)
	}
}

func TestLimitForProvider(t *testing.T) {
	if got := LimitForProvider("OpenAI", nil); got.RPM != 30 {
		t.Fatalf("expected built-in openai limit, got %+v", got)
	}
	overrides := map[string]RateLimit{"openai": {RPM: 5}}
	if got := LimitForProvider("openai", overrides); got.RPM != 5 {
		t.Fatalf("expected override, got %+v", got)
	}
	if got := LimitForProvider("nobody", nil); got.RPM != 45 {
		t.Fatalf("expected unknown default, got %+v", got)
	}
}

func TestLimiterUnlimitedNeverBlocks(t *testing.T) {
	l := NewLimiter("test", RateLimit{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx, 1000); err != nil {
			t.Fatalf("unlimited limiter blocked: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Wait(ctx, 1); err != nil {
		t.Fatalf("nil limiter returned error: %v", err)
	}
}

func TestLimiterRespectsContext(t *testing.T) {
	l := NewLimiter("test", RateLimit{RPM: 1})
	ctx := context.Background()
	if err := l.Wait(ctx, 0); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(short, 0); err == nil {
		t.Fatal("expected second request to exceed the deadline")
	}
}
