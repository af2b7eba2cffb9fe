package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"fleetconsole/internal/events"
	"fleetconsole/pkg/protocol"
)

func TestBridgeKeepsOneMergedDeviceRecord(t *testing.T) {
	src := events.NewMemorySource()
	b := NewBridge(func(_ context.Context, n events.Notification) error {
		src.Publish(n)
		return nil
	}, quiet())
	ctx := context.Background()
	src.Publish(events.Notification{Stream: events.StreamDevices, Op: events.OpSnapshot})
	col := events.NewCollection(events.StreamDevices)

	sub, _ := src.Subscribe(ctx, events.StreamDevices)
	defer sub.Close()
	drain := func() {
		for {
			select {
			case n := <-sub.Updates():
				col.Apply(n)
			default:
				return
			}
		}
	}

	at := time.UnixMilli(1700000000000)
	b.Hello(ctx, "d1", "tok", protocol.HelloInfo{Model: "Pixel"})
	b.Heartbeat(ctx, "d1", at)
	b.Heartbeat(ctx, "d1", at.Add(-time.Minute))
	drain()

	ents := col.Entities()
	if len(ents) != 1 {
		t.Fatalf("expected one device, got %d", len(ents))
	}
	d := ents[0].(events.DeviceRecord)
	if d.PushToken != "tok" || d.Model != "Pixel" || d.LastSeen.Time().UnixMilli() != at.UnixMilli() {
		t.Fatalf("unexpected record %+v", d)
	}

	b.Bye(ctx, "d1", "stale-token")
	b.Bye(ctx, "d1", "tok")
	drain()
	d = col.Entities()[0].(events.DeviceRecord)
	if d.PushToken != "" || d.Model != "Pixel" {
		t.Fatalf("expected withdrawn token with details kept, got %+v", d)
	}
}

func TestBridgeRejectsDeviceSuppliedDeviceStream(t *testing.T) {
	var got []events.Notification
	b := NewBridge(func(_ context.Context, n events.Notification) error {
		got = append(got, n)
		return nil
	}, quiet())
	call := events.RawRecord{Key: "c1", Data: json.RawMessage(`{"deviceId":"d1","type":"incoming","timestamp":1}`)}
	b.Event(context.Background(), "d1", events.Notification{Stream: events.StreamDevices, Op: events.OpRemove})
	b.Event(context.Background(), "d1", events.Notification{Stream: events.StreamCalls, Op: events.OpUpsert, Records: []events.RawRecord{call}})
	if len(got) != 1 || got[0].Stream != events.StreamCalls {
		t.Fatalf("unexpected notifications %+v", got)
	}
	if got[0].Records[0].Key != ScopedKey("d1", "c1") {
		t.Fatalf("expected key scoped to the sender, got %q", got[0].Records[0].Key)
	}
}

func TestBridgeDropsSkewedHeartbeat(t *testing.T) {
	var got []events.Notification
	b := NewBridge(func(_ context.Context, n events.Notification) error {
		got = append(got, n)
		return nil
	}, quiet())
	now := time.UnixMilli(1700000000000)
	b.Now = func() time.Time { return now }
	ctx := context.Background()

	b.Heartbeat(ctx, "d1", now.Add(time.Hour))
	if len(got) != 0 {
		t.Fatalf("skewed heartbeat must not be published, got %+v", got)
	}
	b.Heartbeat(ctx, "d1", now.Add(time.Minute))
	b.Heartbeat(ctx, "d1", now.Add(2*time.Minute))
	if len(got) != 2 {
		t.Fatalf("expected both heartbeats within tolerance to be published, got %d", len(got))
	}
}

func message(deviceID string, ts int64) json.RawMessage {
	data, _ := json.Marshal(map[string]interface{}{"deviceId": deviceID, "type": "sent", "timestamp": ts})
	return data
}

func connect(t *testing.T, ctx context.Context, h *Hub, deviceID string) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go h.HandleConn(ctx, server)
	hello := protocol.New(protocol.OpHello, deviceID)
	hello.Token = "tok-" + deviceID
	send(t, client, hello)
	r := bufio.NewReader(client)
	if m := read(t, r); m.Op != protocol.OpWelcome {
		t.Fatalf("expected welcome, got %s", m.Op)
	}
	go io.Copy(io.Discard, r)
	return client
}

func TestDeviceSnapshotsOnlyReplaceTheirOwnRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	col := events.NewCollection(events.StreamMessages)
	col.Apply(events.Notification{Stream: events.StreamMessages, Op: events.OpSnapshot})
	b := NewBridge(func(_ context.Context, n events.Notification) error {
		if n.Stream == events.StreamMessages {
			col.Apply(n)
		}
		return nil
	}, quiet())
	h := New(b, quiet())

	a := connect(t, ctx, h, "A")
	bb := connect(t, ctx, h, "B")
	snapshot := func(conn net.Conn, from string, recs ...protocol.Record) {
		ev := protocol.New(protocol.OpEvent, from)
		ev.Stream = string(events.StreamMessages)
		ev.EventOp = string(events.OpSnapshot)
		ev.Records = recs
		send(t, conn, ev)
	}
	keys := func() map[string]bool {
		out := map[string]bool{}
		for _, e := range col.Entities() {
			out[e.RecordKey()] = true
		}
		return out
	}

	snapshot(a, "A", protocol.Record{Key: "a-1", Data: message("A", 1)})
	waitFor(t, func() bool { return keys()[ScopedKey("A", "a-1")] })
	snapshot(bb, "B", protocol.Record{Key: "b-1", Data: message("B", 2)})
	waitFor(t, func() bool { return keys()[ScopedKey("B", "b-1")] })
	if got := keys(); len(got) != 2 || !got[ScopedKey("A", "a-1")] {
		t.Fatalf("B's snapshot must not wipe A's records, got %v", got)
	}

	snapshot(a, "A",
		protocol.Record{Key: "a-2", Data: message("A", 3)},
		protocol.Record{Key: "forged", Data: message("B", 4)},
	)
	waitFor(t, func() bool { return keys()[ScopedKey("A", "a-2")] && !keys()[ScopedKey("A", "a-1")] })
	got := keys()
	if len(got) != 2 || !got[ScopedKey("B", "b-1")] {
		t.Fatalf("expected a-2 and b-1 only, got %v", got)
	}
	for _, e := range col.Entities() {
		if m := e.(events.MessageRecord); m.DeviceID == "B" && m.RecordKey() != ScopedKey("B", "b-1") {
			t.Fatalf("record claiming another device was published: %+v", m)
		}
	}
}
