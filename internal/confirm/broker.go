package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flemzord/toolgate/internal/policy"
)

// Defaults for Config.
const (
	DefaultTimeout   = 120 * time.Second
	DefaultRetention = 10 * time.Minute

	subscriberBuffer = 32
)

// Config configures a Broker.
type Config struct {
	// Timeout is how long a confirmation stays pending before it expires.
	Timeout time.Duration
	// Retention is how long resolved confirmations remain queryable.
	Retention time.Duration
	Logger    *slog.Logger
	// Now overrides time.Now for timestamps in tests.
	Now func() time.Time
}

type pairKey struct {
	session string
	tool    string
}

type entry struct {
	c     Confirmation
	timer *time.Timer
	done  chan struct{}
}

// Broker owns all confirmations. Each pending confirmation has its own
// expiry timer which is stopped when it is resolved first.
type Broker struct {
	mu      sync.Mutex
	entries map[string]*entry
	pending map[pairKey]string
	subs    map[int]chan Event
	nextSub int
	closed  bool

	timeout   time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewBroker creates a broker. Zero-value config fields take defaults.
func NewBroker(cfg Config) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broker{
		entries:   make(map[string]*entry),
		pending:   make(map[pairKey]string),
		subs:      make(map[int]chan Event),
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Timeout returns the configured expiry window.
func (b *Broker) Timeout() time.Duration { return b.timeout }

// Pending describes the call awaiting confirmation.
type Pending struct {
	SessionID string
	Tool      string
	Command   string
	Input     json.RawMessage
	Role      policy.Role
	Reason    string
}

// Request creates a pending confirmation. It fails with ErrAlreadyPending
// when the same session already waits on a confirmation for the tool; the
// existing confirmation is returned alongside the error.
func (b *Broker) Request(p Pending) (Confirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Confirmation{}, ErrClosed
	}

	key := pairKey{session: p.SessionID, tool: p.Tool}
	if id, ok := b.pending[key]; ok {
		return b.entries[id].c, fmt.Errorf("%w: %s", ErrAlreadyPending, id)
	}

	now := b.now()
	e := &entry{
		c: Confirmation{
			ID:        uuid.NewString(),
			SessionID: p.SessionID,
			Tool:      p.Tool,
			Command:   p.Command,
			Input:     p.Input,
			Role:      p.Role,
			Reason:    p.Reason,
			State:     StatePending,
			CreatedAt: now,
			ExpiresAt: now.Add(b.timeout),
		},
		done: make(chan struct{}),
	}
	id := e.c.ID
	e.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })

	b.entries[id] = e
	b.pending[key] = id
	b.publishLocked(Event{Type: EventCreated, Confirmation: e.c})

	b.logger.Info("confirmation requested",
		"request_id", id,
		"session_id", p.SessionID,
		"tool", p.Tool,
		"role", p.Role.String(),
	)
	return e.c, nil
}

// Resolve approves or denies a pending confirmation. Resolving an already
// resolved confirmation has no effect and returns ErrAlreadyResolved with
// the current snapshot.
func (b *Broker) Resolve(id string, approve bool) (Confirmation, error) {
	state := StateDenied
	if approve {
		state = StateApproved
	}
	return b.transition(id, state)
}

func (b *Broker) expire(id string) {
	if _, err := b.transition(id, StateExpired); err == nil {
		b.logger.Info("confirmation expired", "request_id", id)
	}
}

func (b *Broker) transition(id string, to State) (Confirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.c.State.Terminal() {
		return e.c, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, e.c.State)
	}

	e.timer.Stop()
	e.c.State = to
	e.c.ResolvedAt = b.now()
	delete(b.pending, pairKey{session: e.c.SessionID, tool: e.c.Tool})
	close(e.done)
	b.publishLocked(Event{Type: eventFor(to), Confirmation: e.c})

	if to != StateExpired {
		b.logger.Info("confirmation resolved", "request_id", id, "state", to.String())
	}
	return e.c, nil
}

// Await blocks until the confirmation leaves the pending state or ctx ends.
func (b *Broker) Await(ctx context.Context, id string) (Confirmation, error) {
	b.mu.Lock()
	e, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Confirmation{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return e.c, nil
}

// Get returns a snapshot of the confirmation.
func (b *Broker) Get(id string) (Confirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.c, nil
}

// List returns snapshots of all retained confirmations, oldest first.
// When pendingOnly is set, resolved confirmations are omitted.
func (b *Broker) List(pendingOnly bool) []Confirmation {
	b.mu.Lock()
	out := make([]Confirmation, 0, len(b.entries))
	for _, e := range b.entries {
		if pendingOnly && e.c.State.Terminal() {
			continue
		}
		out = append(out, e.c)
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(a, c Confirmation) int { return a.CreatedAt.Compare(c.CreatedAt) })
	return out
}

// PendingCount returns the number of confirmations awaiting a decision.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Sweep drops resolved confirmations older than the retention period and
// returns how many were removed.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.retention)
	removed := 0
	for id, e := range b.entries {
		if e.c.State.Terminal() && e.c.ResolvedAt.Before(cutoff) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}

// Subscribe returns a channel receiving every broker event and a cancel
// function. Slow subscribers miss events rather than block the broker.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *Broker) publishLocked(ev Event) {
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("confirmation subscriber lagging, event dropped", "subscriber", id, "type", string(ev.Type))
		}
	}
}

// Stop expires every pending confirmation, stops their timers and closes
// all subscriptions. Subsequent Request calls fail with ErrClosed.
func (b *Broker) Stop(_ context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ids := make([]string, 0, len(b.pending))
	for _, id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		_, _ = b.transition(id, StateExpired)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
