package ratecontrol

import (
	"context"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a requests-per-minute / tokens-per-minute pair. Zero means
// unlimited for that dimension.
type RateLimit struct {
	RPM int `mapstructure:"rpm" yaml:"rpm"`
	TPM int `mapstructure:"tpm" yaml:"tpm"`
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":    {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"tavily":    {RPM: 100},
	"unknown":   {RPM: 45, TPM: 90000},
}

// LimitForProvider returns the override for provider if present, otherwise
// the built-in default.
func LimitForProvider(provider string, overrides map[string]RateLimit) RateLimit {
	key := strings.ToLower(strings.TrimSpace(provider))
	if override, ok := overrides[key]; ok {
		return override
	}
	if limit, ok := builtInProviderLimits[key]; ok {
		return limit
	}
	return builtInProviderLimits["unknown"]
}

// CombineLimits returns the stricter positive value of each dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.TPM = minPositive(a.TPM, b.TPM)
	return limit
}

// DelayForRequest is the spacing a single request of estimatedTokens needs
// to stay inside limit, capped at one minute.
func DelayForRequest(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

// Limiter paces outbound calls to one provider.
type Limiter struct {
	provider string
	limit    RateLimit
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewLimiter builds a limiter for limit. A zero limit never blocks.
func NewLimiter(provider string, limit RateLimit) *Limiter {
	l := &Limiter{provider: provider, limit: limit}
	if limit.RPM > 0 {
		l.requests = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), burstFor(limit.RPM))
	}
	if limit.TPM > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(limit.TPM)/60.0), limit.TPM)
	}
	return l
}

// Wait blocks until a request of estimatedTokens may proceed or ctx ends.
// A nil limiter never blocks.
func (l *Limiter) Wait(ctx context.Context, estimatedTokens int) error {
	if l == nil {
		return nil
	}
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if l.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > l.tokens.Burst() {
			n = l.tokens.Burst()
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Provider returns the provider this limiter was built for.
func (l *Limiter) Provider() string { return l.provider }

// Limit returns the configured limit.
func (l *Limiter) Limit() RateLimit { return l.limit }

// EstimateTokens is a rough 4-characters-per-token estimate.
func EstimateTokens(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n/4 + 1
}

// burstFor allows short bursts of up to a tenth of the per-minute budget.
func burstFor(rpm int) int {
	b := rpm / 10
	if b < 1 {
		b = 1
	}
	return b
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}
