package redispush

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"fleetconsole/internal/events"
	"fleetconsole/internal/transport"
	"fleetconsole/internal/transport/hub"
	"fleetconsole/pkg/protocol"
)

// Relay runs a device hub next to Redis. It subscribes to the push channel of
// every connected device, publishes device streams and forwards device
// acknowledgements to the console.
type Relay struct {
	hub    *hub.Hub
	bridge *hub.Bridge
	pub    *Publisher
	keys   Keys
	log    logrus.FieldLogger

	mu     sync.Mutex
	ps     *redis.PubSub
	tokens map[string]struct{}
}

func NewRelay(rdb *redis.Client, prefix string, log logrus.FieldLogger) *Relay {
	r := &Relay{
		pub:    NewPublisher(rdb, prefix),
		keys:   Keys{Prefix: prefix},
		log:    log.WithField("component", "relay"),
		ps:     rdb.Subscribe(context.Background()),
		tokens: make(map[string]struct{}),
	}
	r.bridge = hub.NewBridge(r.pub.Publish, log)
	r.hub = hub.New(r, log)
	r.hub.Unclaimed = r.forwardAck
	return r
}

func (r *Relay) Hub() *hub.Hub { return r.hub }

func (r *Relay) Bridge() *hub.Bridge { return r.bridge }

func (r *Relay) Hello(ctx context.Context, deviceID, token string, info protocol.HelloInfo) {
	r.mu.Lock()
	_, held := r.tokens[token]
	r.tokens[token] = struct{}{}
	r.mu.Unlock()
	if !held {
		if err := r.ps.Subscribe(ctx, r.keys.Push(token)); err != nil {
			r.log.WithError(err).WithField("device_id", deviceID).Error("subscribe push channel")
		}
	}
	r.bridge.Hello(ctx, deviceID, token, info)
}

func (r *Relay) Heartbeat(ctx context.Context, deviceID string, at time.Time) {
	r.bridge.Heartbeat(ctx, deviceID, at)
}

func (r *Relay) Event(ctx context.Context, deviceID string, n events.Notification) {
	r.bridge.Event(ctx, deviceID, n)
}

// Bye runs only once no connection holds token any more.
func (r *Relay) Bye(ctx context.Context, deviceID, token string) {
	r.mu.Lock()
	_, last := r.tokens[token]
	delete(r.tokens, token)
	r.mu.Unlock()
	if last {
		if err := r.ps.Unsubscribe(ctx, r.keys.Push(token)); err != nil {
			r.log.WithError(err).WithField("device_id", deviceID).Warn("unsubscribe push channel")
		}
	}
	r.bridge.Bye(ctx, deviceID, token)
}

func (r *Relay) forwardAck(ack transport.Ack) {
	frame, err := AckFrame("relay", ack)
	if err != nil {
		r.log.WithError(err).Error("encode acknowledgement")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.pub.PublishAck(ctx, frame); err != nil {
		r.log.WithError(err).WithField("command_id", ack.CommandID).Warn("forward acknowledgement failed")
	}
}

// Forward hands one push-channel frame to the device connection holding its
// address.
func (r *Relay) Forward(ctx context.Context, channel, payload string) {
	d, err := ParseCommand(payload)
	if err != nil {
		r.log.WithError(err).Debug("dropping malformed command frame")
		return
	}
	log := r.log.WithField("command_id", d.CommandID)
	if err := r.hub.Deliver(ctx, r.keys.AddressOf(channel), d); err != nil {
		// The console already counted the delivery; its ack timer fails the command.
		log.WithError(err).Warn("device left before the command arrived")
		return
	}
	log.Debug("command forwarded")
}

// Run accepts device connections on addr and forwards commands until ctx is
// done.
func (r *Relay) Run(ctx context.Context, addr string) error {
	defer r.ps.Close()
	errc := make(chan error, 1)
	go func() { errc <- r.hub.Listen(ctx, addr) }()

	ch := r.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return <-errc
		case err := <-errc:
			return err
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.Forward(ctx, m.Channel, m.Payload)
		}
	}
}
