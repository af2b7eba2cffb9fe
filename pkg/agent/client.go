// Package agent is a minimal device agent: it holds a hub connection,
// heartbeats, executes commands and forwards spooled stream files as events.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"fleetconsole/internal/events"
	"fleetconsole/internal/events/spool"
	"fleetconsole/pkg/protocol"
)

// ErrUnsupported is reported for command kinds the executor does not handle.
var ErrUnsupported = errors.New("command not supported by this agent")

// Executor runs one command and returns its result.
type Executor func(ctx context.Context, kind string, params json.RawMessage) (json.RawMessage, error)

// Client 是设备端代理核心
type Client struct {
	ID      string
	Token   string
	HubAddr string
	Info    protocol.HelloInfo

	// Heartbeat is the interval between heartbeat frames.
	Heartbeat time.Duration
	// SpoolDir, when set, is watched for <stream>.json files that are sent
	// to the hub as events.
	SpoolDir string
	Exec     Executor
	Log      logrus.FieldLogger

	wmu  sync.Mutex
	conn net.Conn
}

func NewClient(hubAddr, id, token string) *Client {
	return &Client{
		ID:        id,
		Token:     token,
		HubAddr:   hubAddr,
		Heartbeat: 30 * time.Second,
		Exec:      DefaultExecutor,
		Log:       logrus.StandardLogger(),
	}
}

// Run dials the hub and serves the connection until ctx is done or the hub
// hangs up.
func (c *Client) Run(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.HubAddr)
	if err != nil {
		return err
	}
	c.Log.WithFields(logrus.Fields{"device_id": c.ID, "hub": c.HubAddr}).Info("agent connected")
	return c.Serve(ctx, conn)
}

// Serve speaks the device protocol over an established connection.
func (c *Client) Serve(ctx context.Context, conn net.Conn) error {
	c.conn = conn
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	hello := protocol.New(protocol.OpHello, c.ID)
	hello.Token = c.Token
	if info, err := json.Marshal(c.Info); err == nil {
		hello.Params = info
	}
	if err := c.send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !sc.Scan() {
		return fmt.Errorf("hub closed before welcome: %v", sc.Err())
	}
	if w, err := protocol.Decode(sc.Bytes()); err != nil || w.Op != protocol.OpWelcome {
		return fmt.Errorf("expected welcome from hub")
	}

	go c.heartbeat(ctx)
	if c.SpoolDir != "" {
		go func() {
			if err := c.watchSpool(ctx); err != nil {
				c.Log.WithError(err).Warn("spool watch stopped")
			}
		}()
	}

	for sc.Scan() {
		msg, err := protocol.Decode(sc.Bytes())
		if err != nil || msg.Validate() != nil {
			c.Log.Debug("ignoring malformed frame")
			continue
		}
		if msg.Op == protocol.OpCommand {
			c.handleCommand(ctx, msg)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("hub closed the connection")
}

func (c *Client) send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

func (c *Client) heartbeat(ctx context.Context) {
	t := time.NewTicker(c.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.send(protocol.New(protocol.OpHeartbeat, c.ID)); err != nil {
				c.Log.WithError(err).Warn("heartbeat failed")
				return
			}
		}
	}
}

// handleCommand acknowledges receipt at once and reports the result when the
// executor returns.
func (c *Client) handleCommand(ctx context.Context, cmd *protocol.Message) {
	log := c.Log.WithFields(logrus.Fields{"command_id": cmd.CommandID, "kind": cmd.Kind})
	ack := protocol.New(protocol.OpAck, c.ID)
	ack.CommandID = cmd.CommandID
	ack.Stage = protocol.StageReceived
	if err := c.send(ack); err != nil {
		log.WithError(err).Warn("ack failed")
		return
	}
	go func() {
		res := protocol.New(protocol.OpResult, c.ID)
		res.CommandID = cmd.CommandID
		out, err := c.Exec(ctx, cmd.Kind, cmd.Params)
		if err != nil {
			res.Stage = protocol.StageFailed
			res.Error = err.Error()
		} else {
			res.Stage = protocol.StageCompleted
			res.Result = out
		}
		if err := c.send(res); err != nil {
			log.WithError(err).Warn("result failed")
			return
		}
		log.WithField("stage", res.Stage).Info("command handled")
	}()
}

// DefaultExecutor answers ping and restart_service; every other kind is
// unsupported.
func DefaultExecutor(_ context.Context, kind string, _ json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case "ping":
		return json.Marshal(map[string]interface{}{"pong": true, "at": time.Now().UnixMilli()})
	case "restart_service":
		return json.Marshal(map[string]bool{"restarted": true})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
}

// watchSpool sends the content of every written <stream>.json file as an
// event frame.
func (c *Client) watchSpool(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(c.SpoolDir); err != nil {
		return err
	}
	streams := make(map[string]events.StreamKey)
	for _, k := range events.Streams() {
		if k != events.StreamDevices {
			streams[string(k)+".json"] = k
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			key, ok := streams[strings.ToLower(filepath.Base(ev.Name))]
			if !ok {
				continue
			}
			n, err := spool.ReadFile(ev.Name, key)
			if err != nil {
				c.Log.WithError(err).Debug("skipping spool file")
				continue
			}
			if err := c.send(EventFrame(c.ID, n)); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.Log.WithError(err).Warn("watch error")
		}
	}
}

// EventFrame renders a stream notification as a device event frame.
func EventFrame(from string, n events.Notification) *protocol.Message {
	msg := protocol.New(protocol.OpEvent, from)
	msg.Stream = string(n.Stream)
	msg.EventOp = string(n.Op)
	for _, r := range n.Records {
		msg.Records = append(msg.Records, protocol.Record{Key: r.Key, Data: r.Data})
	}
	return msg
}
