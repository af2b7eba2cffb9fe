package redispush

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-redis/redis/v8"

	"fleetconsole/internal/events"
)

// Source reads device streams mirrored into Redis. A missing snapshot key is
// an empty, loaded stream.
type Source struct {
	rdb  *redis.Client
	keys Keys
}

func NewSource(rdb *redis.Client, prefix string) *Source {
	return &Source{rdb: rdb, keys: Keys{Prefix: prefix}}
}

func (s *Source) Subscribe(ctx context.Context, key events.StreamKey) (events.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.keys.Stream(string(key)))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	// Subscribed before reading the snapshot so no delta falls in between.
	snap := events.Notification{Stream: key, Op: events.OpSnapshot}
	data, err := s.rdb.Get(ctx, s.keys.Snapshot(string(key))).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		ps.Close()
		return nil, err
	default:
		if err := json.Unmarshal(data, &snap.Records); err != nil {
			ps.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &streamSub{ch: make(chan events.Notification, 16), ps: ps, cancel: cancel, done: make(chan struct{})}
	sub.ch <- snap
	go sub.forward(ctx, key)
	return sub, nil
}

type streamSub struct {
	ch     chan events.Notification
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *streamSub) forward(ctx context.Context, key events.StreamKey) {
	defer close(s.done)
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var n events.Notification
			if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
				n = events.Notification{Stream: key, Err: err}
			}
			n.Stream = key
			select {
			case s.ch <- n:
			case <-ctx.Done():
				return
			}
			if n.Err != nil {
				return
			}
		}
	}
}

func (s *streamSub) Updates() <-chan events.Notification { return s.ch }

func (s *streamSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		for range s.ch {
		}
		<-s.done
	})
	return err
}

// Publisher mirrors notifications into Redis, keeping the snapshot key in step
// with the deltas it publishes.
type Publisher struct {
	rdb  *redis.Client
	keys Keys
	mu   sync.Mutex
	cols map[events.StreamKey]*events.Collection
}

func NewPublisher(rdb *redis.Client, prefix string) *Publisher {
	return &Publisher{rdb: rdb, keys: Keys{Prefix: prefix}, cols: make(map[events.StreamKey]*events.Collection)}
}

func (p *Publisher) Publish(ctx context.Context, n events.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	col, ok := p.cols[n.Stream]
	if !ok {
		col = events.NewCollection(n.Stream)
		p.cols[n.Stream] = col
	}
	if res := col.Apply(n); !res.Changed {
		return nil
	}
	snap, err := json.Marshal(col.Snapshot().Records)
	if err != nil {
		return err
	}
	delta, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.keys.Snapshot(string(n.Stream)), snap, 0)
		pipe.Publish(ctx, p.keys.Stream(string(n.Stream)), delta)
		return nil
	})
	return err
}

// PublishAck forwards a device acknowledgement frame to the console.
func (p *Publisher) PublishAck(ctx context.Context, frame []byte) error {
	return p.rdb.Publish(ctx, p.keys.Acks(), frame).Err()
}
