package console

import (
	"context"
	"sort"
	"sync"

	"fleetconsole/internal/activity"
	"fleetconsole/internal/ledger"
	"fleetconsole/internal/observability"
)

type metricsRecorder struct{}

func (metricsRecorder) Record(_ context.Context, e ledger.Entry) error {
	observability.CommandTransitions.WithLabelValues(string(e.State)).Inc()
	if e.State == ledger.Failed {
		observability.CommandFailures.WithLabelValues(string(e.Reason)).Inc()
	}
	return nil
}

// commandFeed mirrors ledger entries into the command source of the activity
// feed. It keeps its own newest-first copy because recorders run under the
// entry lock, and holds at most perDevice events per device.
type commandFeed struct {
	mu        sync.Mutex
	agg       *activity.Aggregator
	perDevice int
	events    []activity.Event
	counts    map[string]int
}

func newCommandFeed(agg *activity.Aggregator, perDevice int) *commandFeed {
	return &commandFeed{agg: agg, perDevice: perDevice, counts: make(map[string]int)}
}

func (f *commandFeed) seed(all []ledger.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range all {
		f.insertLocked(commandEvent(e))
	}
	f.agg.Replace(activity.SourceCommand, f.events)
}

func (f *commandFeed) Record(_ context.Context, e ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertLocked(commandEvent(e))
	f.agg.Replace(activity.SourceCommand, f.events)
	return nil
}

// insertLocked replaces the event of the same command, keeping the slice
// ordered and the device under its cap.
func (f *commandFeed) insertLocked(ev activity.Event) {
	id := ev.Attrs["command_id"]
	for i := range f.events {
		if f.events[i].Attrs["command_id"] == id {
			f.removeLocked(i)
			break
		}
	}
	i := sort.Search(len(f.events), func(i int) bool { return newerCommand(ev, f.events[i]) })
	f.events = append(f.events, activity.Event{})
	copy(f.events[i+1:], f.events[i:])
	f.events[i] = ev
	f.counts[ev.DeviceID]++

	if f.perDevice > 0 && f.counts[ev.DeviceID] > f.perDevice {
		for j := len(f.events) - 1; j >= 0; j-- {
			if f.events[j].DeviceID == ev.DeviceID {
				f.removeLocked(j)
				break
			}
		}
	}
}

func (f *commandFeed) removeLocked(i int) {
	dev := f.events[i].DeviceID
	f.events = append(f.events[:i], f.events[i+1:]...)
	if f.counts[dev]--; f.counts[dev] <= 0 {
		delete(f.counts, dev)
	}
}

func newerCommand(a, b activity.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Attrs["command_id"] < b.Attrs["command_id"]
}

func commandEvent(e ledger.Entry) activity.Event {
	ev := activity.Event{
		Source:    activity.SourceCommand,
		DeviceID:  e.DeviceID,
		Timestamp: e.UpdatedAt,
		Title:     "Command " + e.Kind + " " + string(e.State),
		Attrs: map[string]string{
			"command_id": e.ID,
			"state":      string(e.State),
		},
	}
	if e.OperatorID != "" {
		ev.Attrs["operator_id"] = e.OperatorID
	}
	if e.State == ledger.Failed {
		ev.Detail = e.Reason.Message()
		if e.Detail != "" {
			ev.Detail += ": " + e.Detail
		}
	}
	return ev
}
