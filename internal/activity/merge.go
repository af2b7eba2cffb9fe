package activity

import "container/heap"

type Input struct {
	Kind SourceKind
	// Loaded is false while the source has not delivered its first snapshot.
	Loaded bool
	// Events must be newest-first.
	Events []Event
}

type Query struct {
	DeviceID string
	// Limit <= 0 returns every matching event.
	Limit int
}

type SourceStatus struct {
	Loaded bool `json:"loaded"`
	Count  int  `json:"count"`
}

type Feed struct {
	Events    []Event                     `json:"events"`
	Sources   map[SourceKind]SourceStatus `json:"sources"`
	Truncated bool                        `json:"truncated"`
}

// Loading reports whether any source has not delivered data yet.
func (f Feed) Loading() bool {
	for _, s := range f.Sources {
		if !s.Loaded {
			return true
		}
	}
	return false
}

type cursor struct {
	input int
	kind  SourceKind
	pos   int
}

type heads struct {
	inputs []Input
	items  []cursor
}

func (h *heads) Len() int { return len(h.items) }

func (h *heads) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	ea, eb := h.inputs[a.input].Events[a.pos], h.inputs[b.input].Events[b.pos]
	if !ea.Timestamp.Equal(eb.Timestamp) {
		return ea.Timestamp.After(eb.Timestamp)
	}
	if pa, pb := a.kind.Priority(), b.kind.Priority(); pa != pb {
		return pa < pb
	}
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	return a.input < b.input
}

func (h *heads) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *heads) Push(x any) { h.items = append(h.items, x.(cursor)) }

func (h *heads) Pop() any {
	n := len(h.items)
	c := h.items[n-1]
	h.items = h.items[:n-1]
	return c
}

func (h *heads) advance(c cursor, deviceID string) (cursor, bool) {
	evs := h.inputs[c.input].Events
	for c.pos < len(evs) {
		if deviceID == "" || evs[c.pos].DeviceID == deviceID {
			return c, true
		}
		c.pos++
	}
	return c, false
}

// Aggregate merges newest-first inputs with a heap over the per-source heads,
// so producing K events costs O(K log N) rather than a sort of the union.
// Equal timestamps are ordered by source priority, then by source index.
func Aggregate(inputs []Input, q Query) Feed {
	feed := Feed{Sources: make(map[SourceKind]SourceStatus, len(inputs))}
	h := &heads{inputs: inputs, items: make([]cursor, 0, len(inputs))}
	for i, in := range inputs {
		st := feed.Sources[in.Kind]
		st.Loaded = st.Loaded || in.Loaded
		if q.DeviceID == "" {
			st.Count += len(in.Events)
		} else {
			for _, e := range in.Events {
				if e.DeviceID == q.DeviceID {
					st.Count++
				}
			}
		}
		feed.Sources[in.Kind] = st
		if c, ok := h.advance(cursor{input: i, kind: in.Kind}, q.DeviceID); ok {
			h.items = append(h.items, c)
		}
	}
	heap.Init(h)

	capHint := q.Limit
	if capHint <= 0 || capHint > 1024 {
		capHint = 64
	}
	feed.Events = make([]Event, 0, capHint)
	for h.Len() > 0 {
		if q.Limit > 0 && len(feed.Events) == q.Limit {
			feed.Truncated = true
			break
		}
		c := heap.Pop(h).(cursor)
		feed.Events = append(feed.Events, inputs[c.input].Events[c.pos])
		c.pos++
		if next, ok := h.advance(c, q.DeviceID); ok {
			heap.Push(h, next)
		}
	}
	return feed
}
