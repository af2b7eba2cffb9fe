package events

import (
	"context"
	"sync"
)

const memoryBuffer = 64

// MemorySource is an in-process source. Publishers push notifications; each
// subscriber first receives the current snapshot of its stream. A subscriber
// that falls a full buffer behind is disconnected and re-subscribes to a
// fresh snapshot.
type MemorySource struct {
	mu          sync.Mutex
	collections map[StreamKey]*Collection
	subs        map[StreamKey]map[*memorySub]struct{}
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		collections: make(map[StreamKey]*Collection),
		subs:        make(map[StreamKey]map[*memorySub]struct{}),
	}
}

func (m *MemorySource) collection(key StreamKey) *Collection {
	c, ok := m.collections[key]
	if !ok {
		c = NewCollection(key)
		m.collections[key] = c
	}
	return c
}

// Publish applies n to the stream state and fans it out.
func (m *MemorySource) Publish(n Notification) ApplyResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.collection(n.Stream).Apply(n)
	for s := range m.subs[n.Stream] {
		select {
		case s.ch <- n:
		default:
			m.dropLocked(s)
		}
	}
	return res
}

func (m *MemorySource) Subscribe(_ context.Context, key StreamKey) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memorySub{src: m, key: key, ch: make(chan Notification, memoryBuffer)}
	if c, ok := m.collections[key]; ok && c.Loaded() {
		s.ch <- c.Snapshot()
	}
	if m.subs[key] == nil {
		m.subs[key] = make(map[*memorySub]struct{})
	}
	m.subs[key][s] = struct{}{}
	return s, nil
}

func (m *MemorySource) dropLocked(s *memorySub) {
	if _, ok := m.subs[s.key][s]; !ok {
		return
	}
	delete(m.subs[s.key], s)
	close(s.ch)
}

type memorySub struct {
	src *MemorySource
	key StreamKey
	ch  chan Notification
}

func (s *memorySub) Updates() <-chan Notification { return s.ch }

func (s *memorySub) Close() error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	s.src.dropLocked(s)
	return nil
}
