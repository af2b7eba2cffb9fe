package presence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker holds the most recent heartbeat per device. Readers see an
// immutable snapshot; writers replace it whole.
type Tracker struct {
	thresholds Thresholds
	mu         sync.Mutex
	snap       atomic.Pointer[map[string]time.Time]
}

func NewTracker(t Thresholds) *Tracker {
	tr := &Tracker{thresholds: t}
	empty := map[string]time.Time{}
	tr.snap.Store(&empty)
	return tr
}

func (t *Tracker) Thresholds() Thresholds { return t.thresholds }

// Accepts reports whether a heartbeat at may be stored when received at now.
// Heartbeats further in the future than the skew tolerance are refused so
// they cannot mask later valid ones.
func (t *Tracker) Accepts(at, now time.Time) bool {
	if at.IsZero() {
		return false
	}
	_, err := t.thresholds.Check(at, now)
	return err == nil
}

// Observe records a heartbeat. The first heartbeat creates the device; older
// heartbeats than the one already stored and skewed ones are ignored. It
// reports whether the stored value changed.
func (t *Tracker) Observe(deviceID string, at, now time.Time) bool {
	if deviceID == "" || !t.Accepts(at, now) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := *t.snap.Load()
	if prev, ok := cur[deviceID]; ok && !at.After(prev) {
		return false
	}
	next := make(map[string]time.Time, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[deviceID] = at
	t.snap.Store(&next)
	return true
}

// Replace merges a full device snapshot. Devices absent from the snapshot are
// kept, since retention is decided elsewhere, no heartbeat moves backwards and
// skewed heartbeats are skipped.
func (t *Tracker) Replace(heartbeats map[string]time.Time, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := *t.snap.Load()
	next := make(map[string]time.Time, len(cur)+len(heartbeats))
	for k, v := range cur {
		next[k] = v
	}
	for k, v := range heartbeats {
		if k == "" || !t.Accepts(v, now) {
			continue
		}
		if prev, ok := next[k]; ok && !v.After(prev) {
			continue
		}
		next[k] = v
	}
	t.snap.Store(&next)
}

func (t *Tracker) LastHeartbeat(deviceID string) (time.Time, bool) {
	v, ok := (*t.snap.Load())[deviceID]
	return v, ok
}

// Status classifies the device against now. It is recomputed on every call.
func (t *Tracker) Status(deviceID string, now time.Time) (Status, bool) {
	last, ok := t.LastHeartbeat(deviceID)
	if !ok {
		return Offline, false
	}
	return t.thresholds.Classify(last, now), true
}

type DeviceStatus struct {
	DeviceID      string
	LastHeartbeat time.Time
	Status        Status
	SkewError     bool
}

// List returns every known device ordered by id.
func (t *Tracker) List(now time.Time) []DeviceStatus {
	cur := *t.snap.Load()
	out := make([]DeviceStatus, 0, len(cur))
	for id, last := range cur {
		s, err := t.thresholds.Check(last, now)
		out = append(out, DeviceStatus{DeviceID: id, LastHeartbeat: last, Status: s, SkewError: err != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Summary counts devices per status.
func (t *Tracker) Summary(now time.Time) map[Status]int {
	out := map[Status]int{Online: 0, Away: 0, Offline: 0}
	for _, last := range *t.snap.Load() {
		out[t.thresholds.Classify(last, now)]++
	}
	return out
}
