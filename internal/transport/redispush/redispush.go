// Package redispush reaches devices through a relay connected over Redis
// pub/sub. Commands are published per push address, acknowledgements come
// back on one shared channel and device streams are mirrored as snapshot keys
// plus delta channels.
package redispush

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"fleetconsole/internal/transport"
	"fleetconsole/pkg/protocol"
)

// Keys derives every channel and key name from one prefix.
type Keys struct {
	Prefix string
}

func (k Keys) Push(address string) string { return k.Prefix + ":push:" + address }
func (k Keys) Acks() string { return k.Prefix + ":acks" }
func (k Keys) Stream(stream string) string { return k.Prefix + ":stream:" + stream }
func (k Keys) Snapshot(stream string) string { return k.Prefix + ":snapshot:" + stream }
func (k Keys) AddressOf(channel string) string { return strings.TrimPrefix(channel, k.Prefix+":push:") }

// Transport publishes commands for a relay to hand to connected devices.
type Transport struct {
	*transport.AckRegistry
	rdb  *redis.Client
	keys Keys
	log  logrus.FieldLogger
}

func New(rdb *redis.Client, prefix string, log logrus.FieldLogger) *Transport {
	return &Transport{
		AckRegistry: transport.NewAckRegistry(),
		rdb:         rdb,
		keys:        Keys{Prefix: prefix},
		log:         log.WithField("component", "redispush"),
	}
}

// CommandFrame renders a delivery as the frame the relay forwards verbatim.
func CommandFrame(d transport.Delivery) ([]byte, error) {
	msg := protocol.New(protocol.OpCommand, "console")
	msg.CommandID = d.CommandID
	msg.Kind = d.Kind
	msg.Params = d.Params
	msg.SentAt = d.IssuedAt.UnixMilli()
	return json.Marshal(msg)
}

// ParseCommand decodes a frame published by CommandFrame.
func ParseCommand(payload string) (transport.Delivery, error) {
	msg, err := protocol.Decode([]byte(payload))
	if err != nil {
		return transport.Delivery{}, err
	}
	if msg.Op != protocol.OpCommand {
		return transport.Delivery{}, fmt.Errorf("%w: op %q", protocol.ErrMalformed, msg.Op)
	}
	if err := msg.Validate(); err != nil {
		return transport.Delivery{}, err
	}
	return transport.Delivery{
		CommandID: msg.CommandID,
		Kind:      msg.Kind,
		Params:    msg.Params,
		IssuedAt:  time.UnixMilli(msg.SentAt).UTC(),
	}, nil
}

// AckFrame renders an acknowledgement the way a relay forwards it.
func AckFrame(from string, ack transport.Ack) ([]byte, error) {
	op := protocol.OpResult
	if ack.Stage == transport.StageReceived {
		op = protocol.OpAck
	}
	msg := protocol.New(op, from)
	msg.CommandID = ack.CommandID
	msg.Stage = string(ack.Stage)
	msg.Result = ack.Result
	msg.Error = ack.Error
	return json.Marshal(msg)
}

// Deliver succeeds only when a relay holding the device's connection is
// subscribed to its push channel.
func (t *Transport) Deliver(ctx context.Context, address string, d transport.Delivery) error {
	frame, err := CommandFrame(d)
	if err != nil {
		return err
	}
	n, err := t.rdb.Publish(ctx, t.keys.Push(address), frame).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrRejected, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no relay holds address", transport.ErrRejected)
	}
	return nil
}

func (t *Transport) OnAcknowledge(commandID string, fn transport.AckFunc) func() {
	return t.Register(commandID, fn)
}

// ParseAck decodes an acknowledgement frame published by a relay.
func ParseAck(payload string) (transport.Ack, error) {
	msg, err := protocol.Decode([]byte(payload))
	if err != nil {
		return transport.Ack{}, err
	}
	if msg.Op != protocol.OpAck && msg.Op != protocol.OpResult {
		return transport.Ack{}, fmt.Errorf("%w: op %q", protocol.ErrMalformed, msg.Op)
	}
	if err := msg.Validate(); err != nil {
		return transport.Ack{}, err
	}
	return transport.Ack{
		CommandID: msg.CommandID,
		Stage:     transport.Stage(msg.Stage),
		Result:    msg.Result,
		Error:     msg.Error,
	}, nil
}

// Run listens for acknowledgements until ctx is done.
func (t *Transport) Run(ctx context.Context) error {
	ps := t.rdb.Subscribe(ctx, t.keys.Acks())
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			ack, err := ParseAck(m.Payload)
			if err != nil {
				t.log.WithError(err).Debug("dropping malformed acknowledgement")
				continue
			}
			if !t.Dispatch(ack) {
				t.log.WithField("command_id", ack.CommandID).Debug("acknowledgement for unknown command")
			}
		}
	}
}
