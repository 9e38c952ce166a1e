// Package ratelimit throttles MCP control-surface calls with per-key token buckets.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrLimited is wrapped by the error CheckLimit returns for a throttled call.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter is a per-key token bucket rate limiter. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // bucket capacity and initial token count
	nowFunc func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewLimiter creates a limiter refilling rate tokens per second up to burst.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take refills and consumes one token. When none is available it returns the
// time until the next token; zero means the bucket never refills.
func (l *Limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastCheck: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.tokens+l.rate*elapsed, float64(l.burst))
		b.lastCheck = now
	}

	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, 0
	}
	wait := time.Duration((1.0 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// ToolLimiters maps tool names to their rate limiters.
type ToolLimiters map[string]*Limiter

// NewToolLimiters creates the default set of per-tool rate limiters.
// Status polling is cheap; starting runs and listing history hit storage
// and the asset server, so they are throttled harder.
func NewToolLimiters() ToolLimiters {
	return ToolLimiters{
		"simulation_start":   NewLimiter(10.0/60.0, 2), // 10/minute, burst 2
		"simulation_stop":    NewLimiter(30.0/60.0, 5), // 30/minute, burst 5
		"simulation_status":  NewLimiter(5.0, 20),      // 300/minute, burst 20
		"scenario_editor":    NewLimiter(30.0/60.0, 5), // 30/minute, burst 5
		"simulation_history": NewLimiter(1.0, 10),      // 60/minute, burst 10
	}
}

// CheckLimit returns nil if toolName may run now, or an error wrapping
// ErrLimited with a retry hint. Tools without a limiter are always allowed.
func CheckLimit(limiters ToolLimiters, toolName string) error {
	limiter, ok := limiters[toolName]
	if !ok {
		return nil
	}

	allowed, wait := limiter.take(toolName)
	if allowed {
		return nil
	}
	if wait <= 0 {
		return fmt.Errorf("%w for %s", ErrLimited, toolName)
	}
	return fmt.Errorf("%w for %s, retry in %s", ErrLimited, toolName, wait.Round(100*time.Millisecond))
}
