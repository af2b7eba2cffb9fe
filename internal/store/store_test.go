package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fleetconsole/internal/ledger"
	"fleetconsole/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceAddressing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, known, err := s.Address(ctx, "ghost"); known || err != nil {
		t.Fatalf("expected unknown device, got known=%v err=%v", known, err)
	}
	if err := s.UpsertDevice(ctx, models.Device{DeviceID: "d1", Model: "Pixel"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	addr, known, err := s.Address(ctx, "d1")
	if err != nil || !known || addr != "" {
		t.Fatalf("expected known but unaddressable, got %q %v %v", addr, known, err)
	}
	if err := s.UpsertDevice(ctx, models.Device{DeviceID: "d1", PushToken: "tok"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	addr, _, _ = s.Address(ctx, "d1")
	if addr != "tok" {
		t.Fatalf("expected push token, got %q", addr)
	}
	d, _ := s.Device(ctx, "d1")
	if d.Model != "Pixel" {
		t.Fatalf("empty fields must not clear stored values, got %+v", d)
	}

	if err := s.UpsertDevice(ctx, models.Device{DeviceID: "d1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if addr, _, _ = s.Address(ctx, "d1"); addr != "" {
		t.Fatalf("expected withdrawn token, got %q", addr)
	}
}

func TestHeartbeatNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	moved, err := s.RecordHeartbeat(ctx, "d1", base)
	if err != nil || !moved {
		t.Fatalf("first heartbeat should create the device: %v %v", moved, err)
	}
	if moved, _ = s.RecordHeartbeat(ctx, "d1", base.Add(-time.Minute)); moved {
		t.Fatalf("older heartbeat must be ignored")
	}
	if moved, _ = s.RecordHeartbeat(ctx, "d1", base.Add(time.Minute)); !moved {
		t.Fatalf("newer heartbeat must apply")
	}
	_ = s.UpsertDevice(ctx, models.Device{DeviceID: "d1", LastHeartbeat: base})
	hb, err := s.Heartbeats(ctx)
	if err != nil {
		t.Fatalf("heartbeats: %v", err)
	}
	if !hb["d1"].Equal(base.Add(time.Minute)) {
		t.Fatalf("expected %v, got %v", base.Add(time.Minute), hb["d1"])
	}
}

func TestRecordAndLoadCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	e := ledger.Entry{
		ID: "c1", DeviceID: "d1", Kind: "ping", OperatorID: "op",
		Params:    json.RawMessage(`{"a":1}`),
		CreatedAt: now, UpdatedAt: now, State: ledger.Pending,
		History: []ledger.Transition{{State: ledger.Pending, At: now}},
	}
	if err := s.Record(ctx, e); err != nil {
		t.Fatalf("record: %v", err)
	}
	e.State = ledger.Failed
	e.Reason = ledger.ReasonAckTimeout
	e.UpdatedAt = now.Add(time.Second)
	e.History = append(e.History, ledger.Transition{State: ledger.Failed, At: e.UpdatedAt, Reason: ledger.ReasonAckTimeout})
	if err := s.Record(ctx, e); err != nil {
		t.Fatalf("record update: %v", err)
	}

	got, err := s.LoadCommands(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one command, got %d", len(got))
	}
	c := got[0]
	if c.State != ledger.Failed || c.Reason != ledger.ReasonAckTimeout || len(c.History) != 2 || string(c.Params) != `{"a":1}` {
		t.Fatalf("unexpected command %+v", c)
	}
}

func TestMissingDeviceLookupIsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	std := logrus.StandardLogger()
	out := std.Out
	std.SetOutput(&buf)
	t.Cleanup(func() { std.SetOutput(out) })

	s := newTestStore(t)
	if _, err := s.Device(context.Background(), "ghost"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if strings.Contains(buf.String(), "record not found") {
		t.Fatalf("lookups of unknown devices must not be logged: %s", buf.String())
	}
}
