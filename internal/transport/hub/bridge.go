package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetconsole/internal/events"
	"fleetconsole/internal/presence"
	"fleetconsole/pkg/protocol"
)

// Sink accepts notifications produced from device traffic.
type Sink func(ctx context.Context, n events.Notification) error

// Bridge turns hub traffic into stream notifications. Device presence is kept
// as one merged record per device on the devices stream. Device events go to
// their own stream under keys scoped to the sending device.
type Bridge struct {
	// ClockSkew bounds how far ahead of Now a heartbeat may be.
	ClockSkew time.Duration
	Now       func() time.Time

	sink    Sink
	log     logrus.FieldLogger
	mu      sync.Mutex
	devices map[string]events.DeviceRecord
	owned   map[scope]map[string]struct{}
}

type scope struct {
	stream   events.StreamKey
	deviceID string
}

func NewBridge(sink Sink, log logrus.FieldLogger) *Bridge {
	return &Bridge{
		ClockSkew: presence.DefaultThresholds().ClockSkew,
		Now:       time.Now,
		sink:      sink,
		log:       log,
		devices:   make(map[string]events.DeviceRecord),
		owned:     make(map[scope]map[string]struct{}),
	}
}

func (b *Bridge) update(ctx context.Context, deviceID string, fn func(*events.DeviceRecord) bool) {
	b.mu.Lock()
	rec, ok := b.devices[deviceID]
	if !ok {
		rec = events.DeviceRecord{Key: deviceID, DeviceID: deviceID}
	}
	if !fn(&rec) {
		b.mu.Unlock()
		return
	}
	b.devices[deviceID] = rec
	data, err := json.Marshal(rec)
	b.mu.Unlock()
	if err != nil {
		b.log.WithError(err).Error("encode device record")
		return
	}
	b.emit(ctx, events.Notification{
		Stream:  events.StreamDevices,
		Op:      events.OpUpsert,
		Records: []events.RawRecord{{Key: deviceID, Data: data}},
	})
}

func (b *Bridge) emit(ctx context.Context, n events.Notification) {
	if err := b.sink(ctx, n); err != nil {
		b.log.WithError(err).WithField("stream", n.Stream).Warn("publish notification failed")
	}
}

func (b *Bridge) Hello(ctx context.Context, deviceID, token string, info protocol.HelloInfo) {
	b.update(ctx, deviceID, func(r *events.DeviceRecord) bool {
		r.PushToken = token
		if info.Model != "" {
			r.Model = info.Model
		}
		if info.OSVersion != "" {
			r.OSVersion = info.OSVersion
		}
		if info.AppVersion != "" {
			r.AppVersion = info.AppVersion
		}
		return true
	})
}

// Heartbeat only publishes when the heartbeat moves forward. Heartbeats
// further ahead of the hub clock than ClockSkew are dropped.
func (b *Bridge) Heartbeat(ctx context.Context, deviceID string, at time.Time) {
	if now := b.Now(); at.After(now.Add(b.ClockSkew)) {
		b.log.WithFields(logrus.Fields{"device_id": deviceID, "sent_at": at, "now": now}).Warn("dropping heartbeat ahead of the hub clock")
		return
	}
	ms := events.Millis(at.UnixMilli())
	b.update(ctx, deviceID, func(r *events.DeviceRecord) bool {
		if ms <= r.LastSeen {
			return false
		}
		r.LastSeen = ms
		return true
	})
}

// Bye withdraws the push address of a device whose connection closed.
func (b *Bridge) Bye(ctx context.Context, deviceID, token string) {
	b.update(ctx, deviceID, func(r *events.DeviceRecord) bool {
		if r.PushToken != token {
			return false
		}
		r.PushToken = ""
		return true
	})
}

// ScopedKey is the stream key a device-supplied record is published under.
func ScopedKey(deviceID, key string) string {
	return deviceID + "/" + key
}

// Event publishes device-supplied records of one stream. Records naming
// another device are dropped. A snapshot replaces only the records the sender
// published on that stream before.
func (b *Bridge) Event(ctx context.Context, deviceID string, n events.Notification) {
	log := b.log.WithFields(logrus.Fields{"device_id": deviceID, "stream": n.Stream})
	if n.Stream == events.StreamDevices {
		log.Debug("ignoring device-supplied devices stream update")
		return
	}
	if !knownStream(n.Stream) {
		log.Warn("ignoring event for unknown stream")
		return
	}

	records := make([]events.RawRecord, 0, len(n.Records))
	keys := make(map[string]struct{}, len(n.Records))
	for _, r := range n.Records {
		if n.Op != events.OpRemove {
			owner, ok := events.DeviceOf(events.Decode(n.Stream, r))
			if !ok || owner != deviceID {
				log.WithFields(logrus.Fields{"key": r.Key, "owner": owner}).Warn("dropping record not owned by the sending device")
				continue
			}
		}
		k := ScopedKey(deviceID, r.Key)
		records = append(records, events.RawRecord{Key: k, Data: r.Data})
		keys[k] = struct{}{}
	}

	sc := scope{stream: n.Stream, deviceID: deviceID}
	var stale []events.RawRecord
	b.mu.Lock()
	owned := b.owned[sc]
	if owned == nil {
		owned = make(map[string]struct{})
		b.owned[sc] = owned
	}
	switch n.Op {
	case events.OpSnapshot:
		for k := range owned {
			if _, ok := keys[k]; !ok {
				stale = append(stale, events.RawRecord{Key: k})
			}
		}
		b.owned[sc] = keys
	case events.OpUpsert:
		for k := range keys {
			owned[k] = struct{}{}
		}
	case events.OpRemove:
		for k := range keys {
			delete(owned, k)
		}
	default:
		b.mu.Unlock()
		log.WithField("op", n.Op).Warn("ignoring event with unknown op")
		return
	}
	b.mu.Unlock()

	op := n.Op
	if op == events.OpSnapshot {
		op = events.OpUpsert
	}
	if len(records) > 0 {
		b.emit(ctx, events.Notification{Stream: n.Stream, Op: op, Records: records})
	}
	if len(stale) > 0 {
		sort.Slice(stale, func(i, j int) bool { return stale[i].Key < stale[j].Key })
		b.emit(ctx, events.Notification{Stream: n.Stream, Op: events.OpRemove, Records: stale})
	}
}

func knownStream(k events.StreamKey) bool {
	for _, s := range events.Streams() {
		if s == k {
			return true
		}
	}
	return false
}
