package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type captureRecorder struct {
	mu     sync.Mutex
	states map[string][]State
}

func (c *captureRecorder) Record(_ context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states == nil {
		c.states = make(map[string][]State)
	}
	c.states[e.ID] = append(c.states[e.ID], e.State)
	return nil
}

func newTestLedger(rec Recorder) *Ledger {
	opts := Options{}
	if rec != nil {
		opts.Recorders = []Recorder{rec}
	}
	return New(opts)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{Pending, Sent, true},
		{Sent, Acknowledged, true},
		{Acknowledged, Completed, true},
		{Pending, Failed, true},
		{Sent, Failed, true},
		{Acknowledged, Failed, true},
		{Pending, Acknowledged, true},
		{Sent, Pending, false},
		{Acknowledged, Sent, false},
		{Sent, Sent, false},
		{Completed, Failed, false},
		{Failed, Completed, false},
		{Failed, Failed, false},
		{Pending, State("bogus"), false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestLifecycleToCompleted(t *testing.T) {
	rec := &captureRecorder{}
	l := newTestLedger(rec)
	ctx := context.Background()

	if _, err := l.Create(ctx, Entry{ID: "c1", DeviceID: "d1", Kind: "ping", OperatorID: "op"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Create(ctx, Entry{ID: "c1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	for _, s := range []State{Sent, Acknowledged} {
		if _, err := l.Transition(ctx, "c1", s, Outcome{}); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	e, err := l.Transition(ctx, "c1", Completed, Outcome{Result: json.RawMessage(`{"pong":true}`)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if e.State != Completed || string(e.Result) != `{"pong":true}` {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if len(e.History) != 4 {
		t.Fatalf("expected 4 history entries, got %+v", e.History)
	}
	if got := fmt.Sprint(rec.states["c1"]); got != "[pending sent acknowledged completed]" {
		t.Fatalf("unexpected recorded states: %s", got)
	}
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	invalid := 0
	l := New(Options{OnInvalid: func(*InvalidTransitionError) { invalid++ }})
	ctx := context.Background()
	_, _ = l.Create(ctx, Entry{ID: "c1", DeviceID: "d1", Kind: "ping"})
	_, _ = l.Transition(ctx, "c1", Acknowledged, Outcome{})

	_, err := l.Transition(ctx, "c1", Sent, Outcome{})
	var ierr *InvalidTransitionError
	if !errors.As(err, &ierr) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if ierr.From != Acknowledged || ierr.To != Sent {
		t.Fatalf("unexpected error fields: %+v", ierr)
	}

	_, _ = l.Transition(ctx, "c1", Failed, Outcome{Reason: ReasonDeviceFailed, Detail: "boom"})
	if _, err := l.Transition(ctx, "c1", Completed, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal state to be immutable, got %v", err)
	}
	e, _ := l.Get("c1")
	if e.State != Failed || e.Reason != ReasonDeviceFailed || e.Detail != "boom" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if invalid != 2 {
		t.Fatalf("expected 2 invalid transitions, got %d", invalid)
	}
	if _, err := l.Transition(ctx, "missing", Sent, Outcome{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFailBeforeOnlyAppliesBelowLimit(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()
	_, _ = l.Create(ctx, Entry{ID: "c1"})
	_, _ = l.Create(ctx, Entry{ID: "c2"})
	_, _ = l.Transition(ctx, "c1", Sent, Outcome{})
	_, _ = l.Transition(ctx, "c2", Acknowledged, Outcome{})

	e, applied, err := l.FailBefore(ctx, "c1", Acknowledged, ReasonAckTimeout, "")
	if err != nil || !applied || e.State != Failed || e.Reason != ReasonAckTimeout {
		t.Fatalf("expected c1 to fail, got %+v applied=%v err=%v", e, applied, err)
	}
	_, applied, _ = l.FailBefore(ctx, "c1", Acknowledged, ReasonAckTimeout, "")
	if applied {
		t.Fatalf("expected a second timeout to be a no-op")
	}
	e, applied, _ = l.FailBefore(ctx, "c2", Acknowledged, ReasonAckTimeout, "")
	if applied || e.State != Acknowledged {
		t.Fatalf("expected acknowledged command to be untouched, got %+v", e)
	}
}

func TestWatchDeliversInOrderAndDetaches(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()
	_, _ = l.Create(ctx, Entry{ID: "c1"})

	w, err := l.Watch("c1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	_, _ = l.Transition(ctx, "c1", Sent, Outcome{})
	_, _ = l.Transition(ctx, "c1", Acknowledged, Outcome{})
	_, _ = l.Transition(ctx, "c1", Completed, Outcome{})

	var got []State
	for tr := range w.Updates() {
		got = append(got, tr.State)
	}
	if fmt.Sprint(got) != "[pending sent acknowledged completed]" {
		t.Fatalf("unexpected watched states: %v", got)
	}

	_, _ = l.Create(ctx, Entry{ID: "c2"})
	w2, _ := l.Watch("c2")
	w2.Close()
	if _, err := l.Transition(ctx, "c2", Sent, Outcome{}); err != nil {
		t.Fatalf("closing a watch must not affect the command: %v", err)
	}
	w3, _ := l.Watch("c2")
	first := <-w3.Updates()
	if first.State != Sent {
		t.Fatalf("expected reattached watch to see sent, got %s", first.State)
	}
	w3.Close()
}

func TestConcurrentCommandsStayIndependent(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			_, _ = l.Create(ctx, Entry{ID: id, DeviceID: fmt.Sprintf("d%d", i)})
			_, _ = l.Transition(ctx, id, Sent, Outcome{})
			if i%2 == 0 {
				_, _ = l.Transition(ctx, id, Failed, Outcome{Reason: ReasonAckTimeout})
			}
		}(i)
	}
	wg.Wait()
	all := l.List("")
	if len(all) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(all))
	}
	for _, e := range all {
		var n int
		fmt.Sscanf(e.ID, "c%d", &n)
		if e.DeviceID != fmt.Sprintf("d%d", n) {
			t.Fatalf("device mismatch on %s: %s", e.ID, e.DeviceID)
		}
		want := Sent
		if n%2 == 0 {
			want = Failed
		}
		if e.State != want {
			t.Fatalf("command %s: expected %s got %s", e.ID, want, e.State)
		}
	}
	if len(l.List("d3")) != 1 {
		t.Fatalf("expected one command for d3")
	}
}

func TestRestore(t *testing.T) {
	l := newTestLedger(nil)
	now := time.Now().UTC()
	l.Restore([]Entry{
		{ID: "c1", DeviceID: "d1", State: Sent, CreatedAt: now, UpdatedAt: now, History: []Transition{{State: Pending, At: now}, {State: Sent, At: now}}},
		{ID: "", State: Sent},
		{ID: "c3", State: State("weird")},
	})
	if len(l.List("")) != 1 {
		t.Fatalf("expected only the valid entry to be restored")
	}
	if _, err := l.Transition(context.Background(), "c1", Acknowledged, Outcome{}); err != nil {
		t.Fatalf("restored entry should accept transitions: %v", err)
	}
}
