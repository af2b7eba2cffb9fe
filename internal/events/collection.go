package events

import (
	"sort"
	"sync"
	"sync/atomic"
)

type item struct {
	raw    RawRecord
	entity Entity
}

type collectionState struct {
	loaded bool
	items  map[string]item
}

// Collection folds notifications for one stream into immutable snapshots.
// Readers never see a partially applied notification.
type Collection struct {
	stream StreamKey
	mu     sync.Mutex
	state  atomic.Pointer[collectionState]
}

// ApplyResult describes what one notification did to the collection.
type ApplyResult struct {
	Changed bool
	// Stale counts removals of keys that no longer exist; they are no-ops.
	Stale int
	// Unknown lists records that did not decode into a known shape.
	Unknown []Unknown
}

func NewCollection(stream StreamKey) *Collection {
	c := &Collection{stream: stream}
	c.state.Store(&collectionState{items: map[string]item{}})
	return c
}

func (c *Collection) Stream() StreamKey { return c.stream }

func (c *Collection) Apply(n Notification) ApplyResult {
	var res ApplyResult
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.state.Load()
	next := &collectionState{loaded: cur.loaded}

	switch n.Op {
	case OpSnapshot:
		next.loaded = true
		next.items = make(map[string]item, len(n.Records))
		for _, r := range n.Records {
			it := item{raw: r, entity: Decode(c.stream, r)}
			if u, ok := it.entity.(Unknown); ok {
				res.Unknown = append(res.Unknown, u)
			}
			next.items[r.Key] = it
		}
		res.Changed = true
	case OpUpsert:
		next.items = cloneItems(cur.items)
		for _, r := range n.Records {
			it := item{raw: r, entity: Decode(c.stream, r)}
			if u, ok := it.entity.(Unknown); ok {
				res.Unknown = append(res.Unknown, u)
			}
			next.items[r.Key] = it
			res.Changed = true
		}
	case OpRemove:
		next.items = cloneItems(cur.items)
		for _, r := range n.Records {
			if _, ok := next.items[r.Key]; !ok {
				res.Stale++
				continue
			}
			delete(next.items, r.Key)
			res.Changed = true
		}
	default:
		return res
	}
	if res.Changed {
		c.state.Store(next)
	}
	return res
}

func cloneItems(in map[string]item) map[string]item {
	out := make(map[string]item, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Loaded reports whether a snapshot has been received.
func (c *Collection) Loaded() bool { return c.state.Load().loaded }

// Entities returns the decoded known records ordered by key.
func (c *Collection) Entities() []Entity {
	st := c.state.Load()
	keys := sortedKeys(st.items)
	out := make([]Entity, 0, len(keys))
	for _, k := range keys {
		if _, unknown := st.items[k].entity.(Unknown); unknown {
			continue
		}
		out = append(out, st.items[k].entity)
	}
	return out
}

// Snapshot renders the collection as a snapshot notification.
func (c *Collection) Snapshot() Notification {
	st := c.state.Load()
	keys := sortedKeys(st.items)
	recs := make([]RawRecord, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, st.items[k].raw)
	}
	return Notification{Stream: c.stream, Op: OpSnapshot, Records: recs}
}

func sortedKeys(items map[string]item) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
