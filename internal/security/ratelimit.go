package security

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a request exceeds the rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// Rate limit bucket names.
const (
	KindToolCall     = "tool_call"
	KindConfirmation = "confirmation"
	KindAuth         = "auth"
)

// LimitError is the concrete error returned by Allow. It matches
// ErrRateLimited and says how long until a slot frees up.
type LimitError struct {
	Kind       string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s (limit %d, retry after %s)", ErrRateLimited, e.Kind, e.Limit, e.RetryAfter)
}

// Is lets errors.Is match ErrRateLimited.
func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// RateLimitConfig holds configurable rate limits.
type RateLimitConfig struct {
	MaxSessions         int `yaml:"max_sessions"`
	ToolCallsPerMin     int `yaml:"tool_calls_per_min"`
	ConfirmationsPerMin int `yaml:"confirmations_per_min"`
	AuthAttemptsPerMin  int `yaml:"auth_attempts_per_min"`
}

func rateLimitConfigDefaults() RateLimitConfig {
	return RateLimitConfig{
		MaxSessions:         1000,
		ToolCallsPerMin:     600,
		ConfirmationsPerMin: 60,
		AuthAttemptsPerMin:  120,
	}
}

// RateLimiter implements sliding window rate limiting.
// Each bucket tracks timestamps of recent events within its window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  RateLimitConfig
	now     func() time.Time
}

type bucket struct {
	window time.Duration
	limit  int
	events []time.Time
}

// NewRateLimiter creates a rate limiter with the given config.
// Zero-value fields in cfg are replaced with defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	defaults := rateLimitConfigDefaults()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaults.MaxSessions
	}
	if cfg.ToolCallsPerMin <= 0 {
		cfg.ToolCallsPerMin = defaults.ToolCallsPerMin
	}
	if cfg.ConfirmationsPerMin <= 0 {
		cfg.ConfirmationsPerMin = defaults.ConfirmationsPerMin
	}
	if cfg.AuthAttemptsPerMin <= 0 {
		cfg.AuthAttemptsPerMin = defaults.AuthAttemptsPerMin
	}

	return &RateLimiter{
		config: cfg,
		now:    time.Now,
		buckets: map[string]*bucket{
			KindToolCall:     {window: time.Minute, limit: cfg.ToolCallsPerMin},
			KindConfirmation: {window: time.Minute, limit: cfg.ConfirmationsPerMin},
			KindAuth:         {window: time.Minute, limit: cfg.AuthAttemptsPerMin},
		},
	}
}

// SetClock overrides the time source, for tests.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// Allow checks whether an event of the given kind is allowed.
// Returns nil if allowed, a *LimitError if the limit is exceeded.
func (rl *RateLimiter) Allow(kind string) error {
	return rl.AllowN(kind, 1)
}

// AllowN checks whether n events of the given kind are allowed.
func (rl *RateLimiter) AllowN(kind string, n int) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[kind]
	if !ok {
		// Unknown kind = no limit configured.
		return nil
	}

	now := rl.now()
	b.evict(now)

	if len(b.events)+n > b.limit {
		var retry time.Duration
		if len(b.events) > 0 {
			retry = b.events[0].Add(b.window).Sub(now)
		}
		return &LimitError{Kind: kind, Limit: b.limit, RetryAfter: retry}
	}

	for range n {
		b.events = append(b.events, now)
	}
	return nil
}

// MaxSessions returns the configured maximum number of concurrent sessions.
func (rl *RateLimiter) MaxSessions() int {
	return rl.config.MaxSessions
}

// evict removes events outside the sliding window.
func (b *bucket) evict(now time.Time) {
	cutoff := now.Add(-b.window)
	// Events are chronologically ordered.
	i := 0
	for i < len(b.events) && !b.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}
}
