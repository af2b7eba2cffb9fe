// Package hub is a TCP gateway that device agents keep a connection open to.
// A device announces itself with a hello frame; its token becomes the push
// address the dispatcher delivers to.
package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetconsole/internal/events"
	"fleetconsole/internal/transport"
	"fleetconsole/pkg/protocol"
)

const (
	maxFrame     = 1 << 20
	writeTimeout = 5 * time.Second
	helloTimeout = 10 * time.Second
)

// Handler receives the device-originated traffic that is not an
// acknowledgement.
type Handler interface {
	Hello(ctx context.Context, deviceID, token string, info protocol.HelloInfo)
	Heartbeat(ctx context.Context, deviceID string, at time.Time)
	Event(ctx context.Context, deviceID string, n events.Notification)
	Bye(ctx context.Context, deviceID, token string)
}

type conn struct {
	net.Conn
	deviceID string
	token    string
	wmu      sync.Mutex
}

func (c *conn) send(ctx context.Context, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.SetWriteDeadline(deadline)
	_, err = c.Write(data)
	return err
}

// Hub implements transport.Transport over device connections.
type Hub struct {
	*transport.AckRegistry
	conns   map[string]*conn // push token -> connection
	handler Handler
	log     logrus.FieldLogger
	mu      sync.RWMutex

	// Unclaimed receives acknowledgements no local registration asked for.
	Unclaimed transport.AckFunc
}

func New(handler Handler, log logrus.FieldLogger) *Hub {
	return &Hub{
		AckRegistry: transport.NewAckRegistry(),
		conns:       make(map[string]*conn),
		handler:     handler,
		log:         log.WithField("component", "hub"),
	}
}

// Listen accepts device connections on addr until ctx is done.
func (h *Hub) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.log.WithField("addr", ln.Addr().String()).Info("hub listening")
	return h.Serve(ctx, ln)
}

func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			h.log.WithError(err).Warn("accept failed")
			continue
		}
		go h.HandleConn(ctx, c)
	}
}

// HandleConn serves one device connection until it closes.
func (h *Hub) HandleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	sc := bufio.NewScanner(nc)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrame)

	_ = nc.SetReadDeadline(time.Now().Add(helloTimeout))
	if !sc.Scan() {
		return
	}
	hello, err := protocol.Decode(sc.Bytes())
	if err != nil || hello.Op != protocol.OpHello || hello.Validate() != nil {
		h.log.WithField("remote", nc.RemoteAddr().String()).Warn("connection did not open with a valid hello")
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	c := &conn{Conn: nc, deviceID: hello.From, token: hello.Token}
	log := h.log.WithFields(logrus.Fields{"device_id": c.deviceID, "remote": nc.RemoteAddr().String()})
	h.attach(c)
	defer func() {
		if h.detach(c) && h.handler != nil {
			h.handler.Bye(ctx, c.deviceID, c.token)
		}
	}()

	var info protocol.HelloInfo
	if len(hello.Params) > 0 {
		_ = json.Unmarshal(hello.Params, &info)
	}
	if h.handler != nil {
		h.handler.Hello(ctx, c.deviceID, c.token, info)
		h.handler.Heartbeat(ctx, c.deviceID, sentAt(hello))
	}
	if err := c.send(ctx, protocol.New(protocol.OpWelcome, "hub")); err != nil {
		log.WithError(err).Warn("welcome failed")
		return
	}
	log.Info("device connected")

	for sc.Scan() {
		msg, err := protocol.Decode(sc.Bytes())
		if err != nil {
			log.WithError(err).Debug("decode error")
			continue
		}
		if err := msg.Validate(); err != nil {
			log.WithField("op", msg.Op).Debug("invalid frame")
			continue
		}
		h.route(ctx, c, msg, log)
	}
	if err := sc.Err(); err != nil {
		log.WithError(err).Info("device disconnected")
		return
	}
	log.Info("device disconnected")
}

func (h *Hub) route(ctx context.Context, c *conn, msg *protocol.Message, log logrus.FieldLogger) {
	switch msg.Op {
	case protocol.OpHeartbeat:
		if h.handler != nil {
			h.handler.Heartbeat(ctx, c.deviceID, sentAt(msg))
		}
	case protocol.OpAck, protocol.OpResult:
		ack := transport.Ack{
			CommandID: msg.CommandID,
			Stage:     transport.Stage(msg.Stage),
			Result:    msg.Result,
			Error:     msg.Error,
		}
		if h.Dispatch(ack) {
			return
		}
		if h.Unclaimed != nil {
			h.Unclaimed(ack)
		} else {
			log.WithFields(logrus.Fields{"command_id": msg.CommandID, "stage": msg.Stage}).Debug("acknowledgement for unknown command")
		}
	case protocol.OpEvent:
		if h.handler == nil {
			return
		}
		n := events.Notification{Stream: events.StreamKey(msg.Stream), Op: events.Op(msg.EventOp)}
		if n.Op == "" {
			n.Op = events.OpUpsert
		}
		for _, r := range msg.Records {
			n.Records = append(n.Records, events.RawRecord{Key: r.Key, Data: r.Data})
		}
		h.handler.Event(ctx, c.deviceID, n)
	default:
		log.WithField("op", msg.Op).Debug("unexpected op from device")
	}
}

func sentAt(m *protocol.Message) time.Time {
	if m.SentAt > 0 {
		return time.UnixMilli(m.SentAt).UTC()
	}
	return time.Now().UTC()
}

// attach registers c under its token, replacing an older connection.
func (h *Hub) attach(c *conn) {
	h.mu.Lock()
	old := h.conns[c.token]
	h.conns[c.token] = c
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// detach reports whether c was still the registered connection.
func (h *Hub) detach(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.token] != c {
		return false
	}
	delete(h.conns, c.token)
	return true
}

// Deliver writes a command frame to the connection registered under address.
func (h *Hub) Deliver(ctx context.Context, address string, d transport.Delivery) error {
	h.mu.RLock()
	c := h.conns[address]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: no connection for address", transport.ErrRejected)
	}
	msg := protocol.New(protocol.OpCommand, "hub")
	msg.CommandID = d.CommandID
	msg.Kind = d.Kind
	msg.Params = d.Params
	msg.SentAt = d.IssuedAt.UnixMilli()
	if err := c.send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrRejected, err)
	}
	return nil
}

func (h *Hub) OnAcknowledge(commandID string, fn transport.AckFunc) func() {
	return h.Register(commandID, fn)
}

// Connected returns the number of devices holding an open connection.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
