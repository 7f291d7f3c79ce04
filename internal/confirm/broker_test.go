package confirm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/toolgate/internal/policy"
)

func newTestBroker(timeout time.Duration) *Broker {
	return NewBroker(Config{
		Timeout: timeout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestBroker_RequestAndApprove(t *testing.T) {
	t.Parallel()

	b := newTestBroker(time.Minute)
	c, err := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo systemctl restart docker", Role: policy.RoleOwner, Reason: "needs sudo"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if c.State != StatePending || c.ID == "" {
		t.Fatalf("confirmation = %+v", c)
	}
	if got := c.ExpiresAt.Sub(c.CreatedAt); got != time.Minute {
		t.Errorf("expiry window = %v, want 1m", got)
	}

	resolved, err := b.Resolve(c.ID, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.State != StateApproved {
		t.Errorf("state = %s, want approved", resolved.State)
	}
	if b.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", b.PendingCount())
	}
}

func TestBroker_AlreadyPendingPerSessionTool(t *testing.T) {
	t.Parallel()

	b := newTestBroker(time.Minute)
	first, err := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo apt install htop", Role: policy.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}

	existing, err := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo reboot", Role: policy.RoleAdmin})
	if !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("err = %v, want ErrAlreadyPending", err)
	}
	if existing.ID != first.ID {
		t.Errorf("existing = %s, want %s", existing.ID, first.ID)
	}
	if n := len(b.List(true)); n != 1 {
		t.Errorf("pending entries = %d, want 1", n)
	}

	// Other sessions and other tools are independent.
	if _, err := b.Request(Pending{SessionID: "s2", Tool: "exec", Command: "sudo reboot", Role: policy.RoleAdmin}); err != nil {
		t.Errorf("other session: %v", err)
	}
	if _, err := b.Request(Pending{SessionID: "s1", Tool: "process", Command: "stop exec", Role: policy.RoleAdmin}); err != nil {
		t.Errorf("other tool: %v", err)
	}

	// Once resolved, the pair is free again.
	if _, err := b.Resolve(first.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo reboot", Role: policy.RoleAdmin}); err != nil {
		t.Errorf("after resolve: %v", err)
	}
}

func TestBroker_ConcurrentRequestsCreateOne(t *testing.T) {
	t.Parallel()

	b := newTestBroker(time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo ls", Role: policy.RoleOwner}); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
}

func TestBroker_ResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	b := newTestBroker(time.Minute)
	c, _ := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo reboot", Role: policy.RoleOwner})

	if _, err := b.Resolve(c.ID, false); err != nil {
		t.Fatal(err)
	}
	again, err := b.Resolve(c.ID, true)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
	if again.State != StateDenied {
		t.Errorf("state = %s, want denied to stick", again.State)
	}
}

func TestBroker_ResolveUnknown(t *testing.T) {
	t.Parallel()

	b := newTestBroker(time.Minute)
	if _, err := b.Resolve("missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBroker_Expiry(t *testing.T) {
	t.Parallel()

	b := newTestBroker(20 * time.Millisecond)
	c, _ := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo reboot", Role: policy.RoleOwner})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := b.Await(ctx, c.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.State != StateExpired {
		t.Fatalf("state = %s, want expired", got.State)
	}

	// Expired is terminal: a late approval must not take effect.
	if _, err := b.Resolve(c.ID, true); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("late resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestBroker_AwaitRespectsContext(t *testing.T) {
	t.Parallel()

	b := newTestBroker(time.Minute)
	c, _ := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo reboot", Role: policy.RoleOwner})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Await(ctx, c.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	got, _ := b.Get(c.ID)
	if got.State != StatePending {
		t.Errorf("state = %s, want still pending", got.State)
	}
}

func TestBroker_Subscribe(t *testing.T) {
	t.Parallel()

	b := newTestBroker(time.Minute)
	events, cancel := b.Subscribe()
	defer cancel()

	c, _ := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo reboot", Role: policy.RoleOwner})
	_, _ = b.Resolve(c.ID, true)

	for _, want := range []EventType{EventCreated, EventApproved} {
		select {
		case ev := <-events:
			if ev.Type != want || ev.Confirmation.ID != c.ID {
				t.Errorf("event = %+v, want %s for %s", ev, want, c.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	cancel()
	if _, ok := <-events; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestBroker_Sweep(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	b := NewBroker(Config{
		Timeout:   time.Minute,
		Retention: 5 * time.Minute,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	})

	done, _ := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "a", Role: policy.RoleOwner})
	_, _ = b.Resolve(done.ID, true)
	open, _ := b.Request(Pending{SessionID: "s2", Tool: "exec", Command: "b", Role: policy.RoleOwner})

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()

	if n := b.Sweep(); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if _, err := b.Get(done.ID); !errors.Is(err, ErrNotFound) {
		t.Error("resolved confirmation should be swept")
	}
	if _, err := b.Get(open.ID); err != nil {
		t.Error("pending confirmation must survive sweep")
	}
}

func TestBroker_Stop(t *testing.T) {
	t.Parallel()

	b := newTestBroker(time.Minute)
	c, _ := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "sudo reboot", Role: policy.RoleOwner})

	if err := b.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := b.Get(c.ID)
	if got.State != StateExpired {
		t.Errorf("state = %s, want expired after stop", got.State)
	}
	if _, err := b.Request(Pending{SessionID: "s1", Tool: "exec", Command: "x", Role: policy.RoleOwner}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestConfirmation_Outcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  error
	}{
		{StatePending, nil},
		{StateApproved, nil},
		{StateDenied, ErrDenied},
		{StateExpired, ErrExpired},
	}
	for _, tt := range tests {
		err := Confirmation{ID: "c1", State: tt.state}.Outcome()
		if tt.want == nil && err != nil {
			t.Errorf("%s: Outcome = %v, want nil", tt.state, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: Outcome = %v, want %v", tt.state, err, tt.want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	t.Parallel()

	for st := StatePending; st <= StateExpired; st++ {
		text, err := st.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got State
		if err := got.UnmarshalText(text); err != nil || got != st {
			t.Errorf("UnmarshalText(%s) = %v, %v", text, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("maybe")); err == nil {
		t.Error("expected error for unknown state")
	}
}
