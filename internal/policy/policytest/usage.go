// Package policytest provides test doubles for the policy package.
package policytest

import (
	"sync"
	"time"

	"github.com/flemzord/toolgate/internal/policy"
)

// Usage is an in-memory policy.Usage backed by per-tool timestamps.
type Usage struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

// Compile-time interface check.
var _ policy.Usage = (*Usage)(nil)

// NewUsage creates an empty Usage.
func NewUsage() *Usage {
	return &Usage{calls: make(map[string][]time.Time)}
}

// Record adds an invocation of tool at t.
func (u *Usage) Record(tool string, t time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[tool] = append(u.calls[tool], t)
}

// RecordN adds n invocations of tool at t.
func (u *Usage) RecordN(tool string, n int, t time.Time) {
	for range n {
		u.Record(tool, t)
	}
}

// InvocationsSince implements policy.Usage.
func (u *Usage) InvocationsSince(tool string, since time.Time) (int, time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var (
		n      int
		oldest time.Time
	)
	for _, t := range u.calls[tool] {
		if t.Before(since) {
			continue
		}
		if n == 0 || t.Before(oldest) {
			oldest = t
		}
		n++
	}
	return n, oldest
}
