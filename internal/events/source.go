// Package events consumes change notifications from the external data store.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

type StreamKey string

const (
	StreamDevices   StreamKey = "devices"
	StreamLocations StreamKey = "locations"
	StreamMessages  StreamKey = "messages"
	StreamCalls     StreamKey = "calls"
)

func Streams() []StreamKey {
	return []StreamKey{StreamDevices, StreamLocations, StreamMessages, StreamCalls}
}

type Op string

const (
	OpSnapshot Op = "snapshot"
	OpUpsert   Op = "upsert"
	OpRemove   Op = "remove"
)

type RawRecord struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Notification is either a full snapshot of a stream or a delta against it.
// A notification with Err set ends the subscription.
type Notification struct {
	Stream  StreamKey   `json:"stream"`
	Op      Op          `json:"op"`
	Records []RawRecord `json:"records,omitempty"`
	Err     error       `json:"-"`
}

type Source interface {
	Subscribe(ctx context.Context, key StreamKey) (Subscription, error)
}

// Subscription is an owned handle; Close must be called to release it.
type Subscription interface {
	Updates() <-chan Notification
	Close() error
}

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Pump feeds every notification of one stream to fn, re-subscribing after
// faults until ctx is done. A fresh subscription starts with a snapshot, so
// nothing is lost across restarts.
func Pump(ctx context.Context, src Source, key StreamKey, log logrus.FieldLogger, fn func(Notification)) {
	log = log.WithField("stream", key)
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := src.Subscribe(ctx, key)
		if err != nil {
			log.WithError(err).Warn("subscribe failed")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff
		faulted := consume(ctx, sub, log, fn)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		if faulted && !sleep(ctx, backoff) {
			return
		}
		log.Debug("re-subscribing")
	}
}

func consume(ctx context.Context, sub Subscription, log logrus.FieldLogger, fn func(Notification)) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case n, ok := <-sub.Updates():
			if !ok {
				return true
			}
			if n.Err != nil {
				log.WithError(n.Err).Warn("subscription fault")
				return true
			}
			fn(n)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
