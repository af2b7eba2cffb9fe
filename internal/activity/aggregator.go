package activity

import (
	"sync"
	"sync/atomic"
)

type sourceSet struct {
	order  []SourceKind
	inputs map[SourceKind]Input
}

// Aggregator keeps the latest snapshot per source and recomputes the merged
// feed from scratch whenever any source is replaced.
type Aggregator struct {
	// mu serializes replacement with the pushes it triggers, so subscribers
	// never receive an older feed after a newer one.
	mu        sync.Mutex
	snap      atomic.Pointer[sourceSet]
	subsMu    sync.Mutex
	subs      map[*Subscription]struct{}
	recompute func()
}

// NewAggregator expects the given sources; until each delivers its first
// snapshot it is reported as not loaded. onRecompute may be nil.
func NewAggregator(kinds []SourceKind, onRecompute func()) *Aggregator {
	set := &sourceSet{order: append([]SourceKind(nil), kinds...), inputs: make(map[SourceKind]Input, len(kinds))}
	for _, k := range kinds {
		set.inputs[k] = Input{Kind: k}
	}
	a := &Aggregator{subs: make(map[*Subscription]struct{}), recompute: onRecompute}
	a.snap.Store(set)
	return a
}

// Replace swaps the snapshot for one source and pushes a fresh feed to every
// subscription.
func (a *Aggregator) Replace(kind SourceKind, events []Event) {
	in := Input{Kind: kind, Loaded: true, Events: normalize(events)}
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.snap.Load()
	next := &sourceSet{order: cur.order, inputs: make(map[SourceKind]Input, len(cur.inputs)+1)}
	for k, v := range cur.inputs {
		next.inputs[k] = v
	}
	if _, known := cur.inputs[kind]; !known {
		next.order = append(append([]SourceKind(nil), cur.order...), kind)
	}
	next.inputs[kind] = in
	a.snap.Store(next)

	a.subsMu.Lock()
	subs := make([]*Subscription, 0, len(a.subs))
	for s := range a.subs {
		subs = append(subs, s)
	}
	a.subsMu.Unlock()
	for _, s := range subs {
		s.push(a.Feed(s.query))
	}
}

func (a *Aggregator) inputs() []Input {
	set := a.snap.Load()
	out := make([]Input, 0, len(set.order))
	for _, k := range set.order {
		out = append(out, set.inputs[k])
	}
	return out
}

// Feed runs a full, deterministic aggregation over the current snapshots.
func (a *Aggregator) Feed(q Query) Feed {
	if a.recompute != nil {
		a.recompute()
	}
	return Aggregate(a.inputs(), q)
}

// Subscribe returns a handle that receives the current feed immediately and a
// recomputed feed after every source update. Slow readers only ever see the
// latest feed.
func (a *Aggregator) Subscribe(q Query) *Subscription {
	s := &Subscription{query: q, ch: make(chan Feed, 1), agg: a}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subsMu.Lock()
	a.subs[s] = struct{}{}
	a.subsMu.Unlock()
	s.push(a.Feed(q))
	return s
}

func (a *Aggregator) unsubscribe(s *Subscription) {
	a.subsMu.Lock()
	delete(a.subs, s)
	a.subsMu.Unlock()
}

type Subscription struct {
	query  Query
	agg    *Aggregator
	mu     sync.Mutex
	ch     chan Feed
	closed bool
}

func (s *Subscription) Updates() <-chan Feed { return s.ch }

func (s *Subscription) push(f Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- f
}

// Close stops delivery at once, drops any buffered feed and closes Updates.
func (s *Subscription) Close() {
	s.agg.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	select {
	case <-s.ch:
	default:
	}
	close(s.ch)
}
