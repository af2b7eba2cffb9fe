// Package dispatch sends commands to devices and drives their ledger entries.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"fleetconsole/internal/ledger"
	"fleetconsole/internal/observability"
	"fleetconsole/internal/transport"
)

var (
	ErrDeviceUnaddressable = errors.New("device has no delivery address")
	ErrUnknownDevice       = errors.New("unknown device")
	ErrUnknownKind         = errors.New("unknown command kind")
	ErrTransportRejected   = errors.New("transport rejected delivery")
)

// Directory resolves the push address of a device. An empty address with
// known=true means the device exists but cannot receive commands.
type Directory interface {
	Address(ctx context.Context, deviceID string) (address string, known bool, err error)
}

type Request struct {
	DeviceID   string
	Kind       Kind
	Params     json.RawMessage
	OperatorID string
}

type Options struct {
	AckTimeout time.Duration
	Logger     logrus.FieldLogger
	Now        func() time.Time
	NewID      func() string
}

const DefaultAckTimeout = 30 * time.Second

type inflight struct {
	timer     *time.Timer
	cancelAck func()
}

type Dispatcher struct {
	ledger     *ledger.Ledger
	transport  transport.Transport
	dir        Directory
	ackTimeout time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
	newID      func() string

	mu       sync.Mutex
	inflight map[string]*inflight
}

func New(l *ledger.Ledger, t transport.Transport, dir Directory, opts Options) *Dispatcher {
	d := &Dispatcher{
		ledger:     l,
		transport:  t,
		dir:        dir,
		ackTimeout: opts.AckTimeout,
		log:        opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
		inflight:   make(map[string]*inflight),
	}
	if d.ackTimeout <= 0 {
		d.ackTimeout = DefaultAckTimeout
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	if d.newID == nil {
		d.newID = func() string { return uuid.New().String() }
	}
	return d
}

func (d *Dispatcher) AckTimeout() time.Duration { return d.ackTimeout }

// Issue records a new command and hands it to the transport. A device without
// a delivery address fails immediately and leaves no ledger entry. When the
// transport refuses the delivery the entry is failed and the id is still
// returned alongside ErrTransportRejected.
func (d *Dispatcher) Issue(ctx context.Context, req Request) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	addr, known, err := d.dir.Address(ctx, req.DeviceID)
	if err != nil {
		return "", fmt.Errorf("resolve device %s: %w", req.DeviceID, err)
	}
	if !known {
		return "", fmt.Errorf("%w: %w: %s", ErrDeviceUnaddressable, ErrUnknownDevice, req.DeviceID)
	}
	if addr == "" {
		return "", fmt.Errorf("%w: %s", ErrDeviceUnaddressable, req.DeviceID)
	}

	ctx, span := observability.StartSpan(ctx, "dispatch.issue",
		attribute.String("device.id", req.DeviceID),
		attribute.String("command.kind", string(req.Kind)),
	)
	defer span.End()

	id := d.newID()
	entry, err := d.ledger.Create(ctx, ledger.Entry{
		ID:         id,
		DeviceID:   req.DeviceID,
		Kind:       string(req.Kind),
		Params:     req.Params,
		OperatorID: req.OperatorID,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("create ledger entry: %w", err)
	}
	span.SetAttributes(attribute.String("command.id", id))
	observability.CommandsIssued.WithLabelValues(string(req.Kind)).Inc()
	log := d.log.WithFields(logrus.Fields{"command_id": id, "device_id": req.DeviceID, "kind": req.Kind})

	// Register before delivering so a fast device cannot ack into the void.
	cancelAck := d.transport.OnAcknowledge(id, d.handleAck)
	d.mu.Lock()
	d.inflight[id] = &inflight{cancelAck: cancelAck}
	d.mu.Unlock()

	err = d.transport.Deliver(ctx, addr, transport.Delivery{
		CommandID: id,
		Kind:      string(req.Kind),
		Params:    req.Params,
		IssuedAt:  entry.CreatedAt,
	})
	if err != nil {
		_, _, ferr := d.ledger.FailBefore(context.WithoutCancel(ctx), id, ledger.Sent, ledger.ReasonTransportRejected, err.Error())
		if ferr != nil {
			log.WithError(ferr).Error("failed to record transport rejection")
		}
		d.release(id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport rejected")
		log.WithError(err).Warn("command delivery rejected")
		return id, fmt.Errorf("%w: %w", ErrTransportRejected, err)
	}

	if _, _, err := d.ledger.Promote(ctx, id, ledger.Sent); err != nil {
		log.WithError(err).Error("failed to mark command sent")
	}
	d.armTimeout(id, d.ackTimeout)
	log.Info("command sent")
	return id, nil
}

func (d *Dispatcher) armTimeout(id string, after time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inf, ok := d.inflight[id]
	if !ok {
		// Already terminal through a fast callback.
		return
	}
	e, err := d.ledger.Get(id)
	if err != nil || e.State.Terminal() || e.State == ledger.Acknowledged {
		return
	}
	inf.timer = time.AfterFunc(after, func() { d.expire(id) })
}

// expire is the only internally triggered transition.
func (d *Dispatcher) expire(id string) {
	e, applied, err := d.ledger.FailBefore(context.Background(), id, ledger.Acknowledged, ledger.ReasonAckTimeout,
		fmt.Sprintf("no acknowledgement within %s", d.ackTimeout))
	if err != nil {
		d.log.WithError(err).WithField("command_id", id).Error("ack timeout bookkeeping failed")
		return
	}
	if applied {
		d.release(id)
		d.log.WithFields(logrus.Fields{"command_id": id, "device_id": e.DeviceID}).Warn("command acknowledgement timed out")
	}
}

func (d *Dispatcher) stopTimer(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inf, ok := d.inflight[id]; ok && inf.timer != nil {
		inf.timer.Stop()
		inf.timer = nil
	}
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	inf, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	if inf.timer != nil {
		inf.timer.Stop()
	}
	if inf.cancelAck != nil {
		inf.cancelAck()
	}
}

func (d *Dispatcher) handleAck(ack transport.Ack) {
	ctx := context.Background()
	log := d.log.WithFields(logrus.Fields{"command_id": ack.CommandID, "stage": ack.Stage})
	var (
		e   ledger.Entry
		err error
	)
	switch ack.Stage {
	case transport.StageReceived:
		e, err = d.ledger.Transition(ctx, ack.CommandID, ledger.Acknowledged, ledger.Outcome{})
		if err == nil {
			d.stopTimer(ack.CommandID)
		}
	case transport.StageCompleted:
		e, err = d.ledger.Transition(ctx, ack.CommandID, ledger.Completed, ledger.Outcome{Result: ack.Result})
	case transport.StageFailed:
		e, err = d.ledger.Transition(ctx, ack.CommandID, ledger.Failed, ledger.Outcome{
			Reason: ledger.ReasonDeviceFailed,
			Detail: ack.Error,
			Result: ack.Result,
		})
	default:
		log.Warn("dropping acknowledgement with unknown stage")
		return
	}
	if err != nil {
		// Invalid transitions are logged by the ledger and never applied.
		if !errors.Is(err, ledger.ErrInvalidTransition) {
			log.WithError(err).Warn("acknowledgement not applied")
		}
		return
	}
	if e.State.Terminal() {
		d.release(ack.CommandID)
	}
	log.WithField("state", e.State).Debug("command acknowledgement applied")
}

// Resume re-attaches restored non-terminal commands after a restart. Entries
// still waiting for receipt get the remainder of their ack window, or fail at
// once when it has already elapsed.
func (d *Dispatcher) Resume(ctx context.Context, entries []ledger.Entry) {
	now := d.now()
	for _, e := range entries {
		if e.State.Terminal() {
			continue
		}
		cancelAck := d.transport.OnAcknowledge(e.ID, d.handleAck)
		d.mu.Lock()
		d.inflight[e.ID] = &inflight{cancelAck: cancelAck}
		d.mu.Unlock()
		if e.State == ledger.Acknowledged {
			continue
		}
		remaining := d.ackTimeout - now.Sub(e.UpdatedAt)
		if remaining <= 0 {
			d.expire(e.ID)
			continue
		}
		d.armTimeout(e.ID, remaining)
	}
	d.log.WithField("count", len(entries)).Info("resumed command tracking")
}

// Close stops local timers and ack registrations. Ledger entries are left as
// they are so a later Resume can pick them up.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.release(id)
	}
}
