package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fleetconsole/internal/ledger"
	"fleetconsole/internal/transport"
)

type fakeDirectory map[string]string

func (f fakeDirectory) Address(_ context.Context, deviceID string) (string, bool, error) {
	addr, ok := f[deviceID]
	return addr, ok, nil
}

type fakeTransport struct {
	*transport.AckRegistry
	mu        sync.Mutex
	delivered map[string]transport.Delivery
	reject    bool
	// autoAck acknowledges receipt from inside Deliver.
	autoAck bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{AckRegistry: transport.NewAckRegistry(), delivered: make(map[string]transport.Delivery)}
}

func (f *fakeTransport) Deliver(_ context.Context, address string, d transport.Delivery) error {
	if f.reject {
		return fmt.Errorf("%w: no route to %s", transport.ErrRejected, address)
	}
	f.mu.Lock()
	f.delivered[address+"/"+d.CommandID] = d
	f.mu.Unlock()
	if f.autoAck {
		f.Dispatch(transport.Ack{CommandID: d.CommandID, Stage: transport.StageReceived})
	}
	return nil
}

func (f *fakeTransport) OnAcknowledge(commandID string, fn transport.AckFunc) func() {
	return f.Register(commandID, fn)
}

func waitForState(t *testing.T, l *ledger.Ledger, id string, want ledger.State) ledger.Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, err := l.Get(id)
		if err == nil && e.State == want {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	e, _ := l.Get(id)
	t.Fatalf("command %s: expected state %s, got %s", id, want, e.State)
	return e
}

func TestIssueUnaddressableCreatesNoEntry(t *testing.T) {
	l := ledger.New(ledger.Options{})
	d := New(l, newFakeTransport(), fakeDirectory{"d1": ""}, Options{})

	id, err := d.Issue(context.Background(), Request{DeviceID: "d1", Kind: KindPing})
	if !errors.Is(err, ErrDeviceUnaddressable) || id != "" {
		t.Fatalf("expected unaddressable, got id=%q err=%v", id, err)
	}
	_, err = d.Issue(context.Background(), Request{DeviceID: "ghost", Kind: KindPing})
	if !errors.Is(err, ErrDeviceUnaddressable) || !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected unknown device to be unaddressable, got %v", err)
	}
	if n := len(l.List("")); n != 0 {
		t.Fatalf("expected no ledger entries, got %d", n)
	}
}

func TestIssueRejectsUnknownKind(t *testing.T) {
	l := ledger.New(ledger.Options{})
	d := New(l, newFakeTransport(), fakeDirectory{"d1": "tok"}, Options{})
	if _, err := d.Issue(context.Background(), Request{DeviceID: "d1", Kind: "self_destruct"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}

func TestIssueTransportRejected(t *testing.T) {
	l := ledger.New(ledger.Options{})
	tr := newFakeTransport()
	tr.reject = true
	d := New(l, tr, fakeDirectory{"d1": "tok"}, Options{})

	id, err := d.Issue(context.Background(), Request{DeviceID: "d1", Kind: KindPing, OperatorID: "op"})
	if !errors.Is(err, ErrTransportRejected) || !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("expected transport rejection, got %v", err)
	}
	e, _ := l.Get(id)
	if e.State != ledger.Failed || e.Reason != ledger.ReasonTransportRejected {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected ack registration to be released")
	}
}

func TestAckTimeoutFailsExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	failures := 0
	rec := recorderFunc(func(e ledger.Entry) {
		if e.State == ledger.Failed {
			mu.Lock()
			failures++
			mu.Unlock()
		}
	})
	l := ledger.New(ledger.Options{Recorders: []ledger.Recorder{rec}})
	tr := newFakeTransport()
	d := New(l, tr, fakeDirectory{"d1": "tok"}, Options{AckTimeout: 20 * time.Millisecond})

	id, err := d.Issue(context.Background(), Request{DeviceID: "d1", Kind: KindGetLocation})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	e := waitForState(t, l, id, ledger.Failed)
	if e.Reason != ledger.ReasonAckTimeout {
		t.Fatalf("expected AckTimeout, got %s", e.Reason)
	}

	// A late acknowledgement is dropped as out of order.
	tr.Dispatch(transport.Ack{CommandID: id, Stage: transport.StageReceived})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if failures != 1 {
		t.Fatalf("expected exactly one failure transition, got %d", failures)
	}
	e, _ = l.Get(id)
	if e.State != ledger.Failed {
		t.Fatalf("late ack must not revive the command, got %s", e.State)
	}
}

func TestAcknowledgedCommandDoesNotTimeOut(t *testing.T) {
	l := ledger.New(ledger.Options{})
	tr := newFakeTransport()
	d := New(l, tr, fakeDirectory{"d1": "tok"}, Options{AckTimeout: 30 * time.Millisecond})

	id, err := d.Issue(context.Background(), Request{DeviceID: "d1", Kind: KindPing})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	waitForState(t, l, id, ledger.Sent)
	tr.Dispatch(transport.Ack{CommandID: id, Stage: transport.StageReceived})
	time.Sleep(80 * time.Millisecond)
	waitForState(t, l, id, ledger.Acknowledged)

	tr.Dispatch(transport.Ack{CommandID: id, Stage: transport.StageCompleted, Result: json.RawMessage(`{"pong":true}`)})
	e := waitForState(t, l, id, ledger.Completed)
	if string(e.Result) != `{"pong":true}` {
		t.Fatalf("unexpected result: %s", e.Result)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected ack registration to be released after completion")
	}
	var states []ledger.State
	for _, h := range e.History {
		states = append(states, h.State)
	}
	if fmt.Sprint(states) != "[pending sent acknowledged completed]" {
		t.Fatalf("unexpected history: %v", states)
	}
}

func TestFastAckBeforeSentIsNotLost(t *testing.T) {
	l := ledger.New(ledger.Options{})
	tr := newFakeTransport()
	tr.autoAck = true
	d := New(l, tr, fakeDirectory{"d1": "tok"}, Options{AckTimeout: 20 * time.Millisecond})

	id, err := d.Issue(context.Background(), Request{DeviceID: "d1", Kind: KindPing})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	e, _ := l.Get(id)
	if e.State != ledger.Acknowledged {
		t.Fatalf("expected acknowledged, got %s", e.State)
	}
}

func TestDeviceReportedFailure(t *testing.T) {
	l := ledger.New(ledger.Options{})
	tr := newFakeTransport()
	d := New(l, tr, fakeDirectory{"d1": "tok"}, Options{})
	id, _ := d.Issue(context.Background(), Request{DeviceID: "d1", Kind: KindRestartService})
	tr.Dispatch(transport.Ack{CommandID: id, Stage: transport.StageFailed, Error: "permission denied"})
	e := waitForState(t, l, id, ledger.Failed)
	if e.Reason != ledger.ReasonDeviceFailed || e.Detail != "permission denied" {
		t.Fatalf("unexpected failure: %+v", e)
	}
}

func TestConcurrentIssueToFiftyDevices(t *testing.T) {
	l := ledger.New(ledger.Options{})
	tr := newFakeTransport()
	dir := fakeDirectory{}
	for i := 0; i < 50; i++ {
		dir[fmt.Sprintf("d%d", i)] = fmt.Sprintf("tok%d", i)
	}
	d := New(l, tr, dir, Options{AckTimeout: time.Minute})
	defer d.Close()

	ids := make([]string, 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := d.Issue(context.Background(), Request{DeviceID: fmt.Sprintf("d%d", i), Kind: KindPing, OperatorID: "op"})
			if err != nil {
				t.Errorf("issue %d: %v", i, err)
				return
			}
			ids[i] = id
			if i%2 == 0 {
				tr.Dispatch(transport.Ack{CommandID: id, Stage: transport.StageReceived})
			}
		}(i)
	}
	wg.Wait()

	if n := len(l.List("")); n != 50 {
		t.Fatalf("expected 50 ledger entries, got %d", n)
	}
	seen := map[string]bool{}
	for i, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate command id %s", id)
		}
		seen[id] = true
		e, err := l.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if e.DeviceID != fmt.Sprintf("d%d", i) {
			t.Fatalf("command %s crossed devices: %s", id, e.DeviceID)
		}
		want := ledger.Sent
		if i%2 == 0 {
			want = ledger.Acknowledged
		}
		if e.State != want {
			t.Fatalf("command for d%d: expected %s got %s", i, want, e.State)
		}
		tr.mu.Lock()
		_, ok := tr.delivered[fmt.Sprintf("tok%d/%s", i, id)]
		tr.mu.Unlock()
		if !ok {
			t.Fatalf("command %s was not delivered to tok%d", id, i)
		}
	}
}

func TestResumeExpiresElapsedAndRearmsRemaining(t *testing.T) {
	now := time.Now().UTC()
	l := ledger.New(ledger.Options{})
	l.Restore([]ledger.Entry{
		{ID: "old", DeviceID: "d1", State: ledger.Sent, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)},
		{ID: "fresh", DeviceID: "d1", State: ledger.Sent, CreatedAt: now, UpdatedAt: now},
		{ID: "acked", DeviceID: "d1", State: ledger.Acknowledged, CreatedAt: now, UpdatedAt: now},
	})
	tr := newFakeTransport()
	d := New(l, tr, fakeDirectory{}, Options{AckTimeout: 40 * time.Millisecond})
	d.Resume(context.Background(), l.List(""))

	e, _ := l.Get("old")
	if e.State != ledger.Failed || e.Reason != ledger.ReasonAckTimeout {
		t.Fatalf("expected elapsed command to fail at once, got %+v", e)
	}
	waitForState(t, l, "fresh", ledger.Failed)

	tr.Dispatch(transport.Ack{CommandID: "acked", Stage: transport.StageCompleted})
	waitForState(t, l, "acked", ledger.Completed)
}

type recorderFunc func(ledger.Entry)

func (f recorderFunc) Record(_ context.Context, e ledger.Entry) error {
	f(e)
	return nil
}
