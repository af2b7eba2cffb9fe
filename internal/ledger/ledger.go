package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Transition struct {
	State  State     `json:"state"`
	At     time.Time `json:"at"`
	Reason Reason    `json:"reason,omitempty"`
}

type Entry struct {
	ID         string          `json:"command_id"`
	DeviceID   string          `json:"device_id"`
	Kind       string          `json:"kind"`
	Params     json.RawMessage `json:"params,omitempty"`
	OperatorID string          `json:"operator_id"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	State      State           `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     Reason          `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	History    []Transition    `json:"history"`
}

func (e Entry) clone() Entry {
	e.History = append([]Transition(nil), e.History...)
	return e
}

// Outcome carries the payload attached to a transition.
type Outcome struct {
	Result json.RawMessage
	Reason Reason
	Detail string
}

// Recorder observes every applied change, in order per command.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type Options struct {
	Now       func() time.Time
	Logger    logrus.FieldLogger
	Recorders []Recorder
	OnInvalid func(*InvalidTransitionError)
}

type record struct {
	mu       sync.Mutex
	entry    Entry
	watchers map[*Watch]struct{}
}

type Ledger struct {
	mu        sync.RWMutex
	entries   map[string]*record
	now       func() time.Time
	log       logrus.FieldLogger
	recorders []Recorder
	onInvalid func(*InvalidTransitionError)
}

func New(opts Options) *Ledger {
	l := &Ledger{
		entries:   make(map[string]*record),
		now:       opts.Now,
		log:       opts.Logger,
		recorders: opts.Recorders,
		onInvalid: opts.OnInvalid,
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.log == nil {
		l.log = logrus.StandardLogger()
	}
	return l
}

// Create registers a new command in Pending.
func (l *Ledger) Create(ctx context.Context, e Entry) (Entry, error) {
	now := l.now()
	e.State = Pending
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Result = nil
	e.Reason = ""
	e.Detail = ""
	e.History = []Transition{{State: Pending, At: now}}

	rec := &record{entry: e, watchers: make(map[*Watch]struct{})}
	l.mu.Lock()
	if _, exists := l.entries[e.ID]; exists {
		l.mu.Unlock()
		return Entry{}, ErrDuplicate
	}
	l.entries[e.ID] = rec
	l.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	snap := rec.entry.clone()
	l.record(ctx, snap)
	return snap, nil
}

// Restore loads previously persisted entries, replacing any with the same id.
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if e.ID == "" || !e.State.Valid() {
			continue
		}
		l.entries[e.ID] = &record{entry: e.clone(), watchers: make(map[*Watch]struct{})}
	}
}

func (l *Ledger) lookup(id string) (*record, error) {
	l.mu.RLock()
	rec, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (l *Ledger) Get(id string) (Entry, error) {
	rec, err := l.lookup(id)
	if err != nil {
		return Entry{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.entry.clone(), nil
}

// List returns the commands for one device, or all commands when deviceID is
// empty, newest first.
func (l *Ledger) List(deviceID string) []Entry {
	l.mu.RLock()
	recs := make([]*record, 0, len(l.entries))
	for _, rec := range l.entries {
		recs = append(recs, rec)
	}
	l.mu.RUnlock()

	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if deviceID == "" || rec.entry.DeviceID == deviceID {
			out = append(out, rec.entry.clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Transition applies to if it moves the command forward. Anything else is
// rejected with an InvalidTransitionError and never applied.
func (l *Ledger) Transition(ctx context.Context, id string, to State, out Outcome) (Entry, error) {
	rec, err := l.lookup(id)
	if err != nil {
		return Entry{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return l.apply(ctx, rec, to, out)
}

// Promote applies to only when it moves the command forward and is a no-op
// otherwise. It is for internally observed progress that may race with device
// callbacks, such as transport acceptance arriving after the receipt ack.
func (l *Ledger) Promote(ctx context.Context, id string, to State) (Entry, bool, error) {
	rec, err := l.lookup(id)
	if err != nil {
		return Entry{}, false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !CanTransition(rec.entry.State, to) {
		return rec.entry.clone(), false, nil
	}
	e, err := l.apply(ctx, rec, to, Outcome{})
	return e, err == nil, err
}

// FailBefore fails the command only while its state ranks below limit. It
// reports whether the failure was applied.
func (l *Ledger) FailBefore(ctx context.Context, id string, limit State, reason Reason, detail string) (Entry, bool, error) {
	rec, err := l.lookup(id)
	if err != nil {
		return Entry{}, false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.entry.State.Terminal() || rank[rec.entry.State] >= rank[limit] {
		return rec.entry.clone(), false, nil
	}
	e, err := l.apply(ctx, rec, Failed, Outcome{Reason: reason, Detail: detail})
	return e, err == nil, err
}

func (l *Ledger) apply(ctx context.Context, rec *record, to State, out Outcome) (Entry, error) {
	from := rec.entry.State
	if !CanTransition(from, to) {
		ierr := &InvalidTransitionError{CommandID: rec.entry.ID, From: from, To: to}
		l.log.WithFields(logrus.Fields{
			"command_id": rec.entry.ID,
			"device_id":  rec.entry.DeviceID,
			"from":       from,
			"to":         to,
		}).Warn("dropping out-of-order command state update")
		if l.onInvalid != nil {
			l.onInvalid(ierr)
		}
		return rec.entry.clone(), ierr
	}

	now := l.now()
	t := Transition{State: to, At: now}
	rec.entry.State = to
	rec.entry.UpdatedAt = now
	switch to {
	case Completed:
		rec.entry.Result = out.Result
	case Failed:
		if out.Reason == "" {
			out.Reason = ReasonDeviceFailed
		}
		rec.entry.Reason = out.Reason
		rec.entry.Detail = out.Detail
		if len(out.Result) > 0 {
			rec.entry.Result = out.Result
		}
		t.Reason = out.Reason
	}
	rec.entry.History = append(rec.entry.History, t)

	for w := range rec.watchers {
		w.ch <- t
		if to.Terminal() {
			w.closeLocked()
			delete(rec.watchers, w)
		}
	}
	snap := rec.entry.clone()
	l.record(ctx, snap)
	return snap, nil
}

func (l *Ledger) record(ctx context.Context, e Entry) {
	for _, r := range l.recorders {
		if err := r.Record(ctx, e); err != nil {
			l.log.WithError(err).WithField("command_id", e.ID).Error("command recorder failed")
		}
	}
}
