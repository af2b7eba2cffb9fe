package presence

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyBoundaries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		age  time.Duration
		want Status
	}{
		{0, Online},
		{4*time.Minute + 59*time.Second, Online},
		{5 * time.Minute, Away},
		{29*time.Minute + 59*time.Second, Away},
		{30 * time.Minute, Offline},
		{48 * time.Hour, Offline},
	}
	for _, tc := range cases {
		if got := Classify(now.Add(-tc.age), now); got != tc.want {
			t.Fatalf("age %s: expected %s got %s", tc.age, tc.want, got)
		}
	}
}

func TestClassifyIsMonotonicInAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rank := map[Status]int{Online: 0, Away: 1, Offline: 2}
	prev := Online
	for age := time.Duration(0); age <= 40*time.Minute; age += 7 * time.Second {
		got := Classify(now.Add(-age), now)
		if rank[got] < rank[prev] {
			t.Fatalf("classification went from %s back to %s at age %s", prev, got, age)
		}
		prev = got
	}
}

func TestClassifyClockSkew(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th := DefaultThresholds()

	s, err := th.Check(now.Add(time.Minute), now)
	if err != nil || s != Online {
		t.Fatalf("expected small future skew to be online, got %s %v", s, err)
	}
	s, err = th.Check(now.Add(10*time.Minute), now)
	if !errors.Is(err, ErrClockSkew) || s != Offline {
		t.Fatalf("expected skew error and offline, got %s %v", s, err)
	}
	if got := Classify(time.Time{}, now); got != Offline {
		t.Fatalf("expected zero heartbeat offline, got %s", got)
	}
}

func TestCustomThresholds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th := Thresholds{AwayAfter: time.Minute, OfflineAfter: 2 * time.Minute}
	if got := th.Classify(now.Add(-90*time.Second), now); got != Away {
		t.Fatalf("expected away, got %s", got)
	}
}

func TestTrackerHeartbeatNeverMovesBackwards(t *testing.T) {
	tr := NewTracker(DefaultThresholds())
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !tr.Observe("dev-1", t0, t0) {
		t.Fatalf("expected first heartbeat to create the device")
	}
	if tr.Observe("dev-1", t0.Add(-time.Minute), t0) {
		t.Fatalf("expected older heartbeat to be ignored")
	}
	tr.Replace(map[string]time.Time{"dev-1": t0.Add(-time.Hour), "dev-2": t0}, t0)
	last, _ := tr.LastHeartbeat("dev-1")
	if !last.Equal(t0) {
		t.Fatalf("expected heartbeat to stay at %s, got %s", t0, last)
	}

	s, ok := tr.Status("dev-1", t0.Add(10*time.Minute))
	if !ok || s != Away {
		t.Fatalf("expected away, got %s ok=%v", s, ok)
	}
	if _, ok := tr.Status("missing", t0); ok {
		t.Fatalf("expected unknown device")
	}

	sum := tr.Summary(t0.Add(time.Minute))
	if sum[Online] != 2 || sum[Offline] != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	list := tr.List(t0)
	if len(list) != 2 || list[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestTrackerRefusesSkewedHeartbeats(t *testing.T) {
	tr := NewTracker(DefaultThresholds())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if tr.Observe("dev-1", now.Add(time.Hour), now) {
		t.Fatalf("expected heartbeat an hour ahead to be refused")
	}
	if _, ok := tr.LastHeartbeat("dev-1"); ok {
		t.Fatalf("refused heartbeat must not create the device")
	}
	if !tr.Observe("dev-1", now.Add(time.Minute), now) {
		t.Fatalf("expected heartbeat within tolerance to be kept")
	}
	if !tr.Observe("dev-1", now.Add(2*time.Minute), now.Add(time.Minute)) {
		t.Fatalf("expected later heartbeat to move forward")
	}

	tr.Replace(map[string]time.Time{"dev-2": now.Add(time.Hour), "dev-3": now}, now)
	if _, ok := tr.LastHeartbeat("dev-2"); ok {
		t.Fatalf("skewed snapshot heartbeat must be skipped")
	}
	if s, ok := tr.Status("dev-3", now); !ok || s != Online {
		t.Fatalf("expected dev-3 online, got %s ok=%v", s, ok)
	}
}
