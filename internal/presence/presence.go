// Package presence classifies device liveness from the age of the last heartbeat.
package presence

import (
	"errors"
	"time"
)

type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

const (
	DefaultAwayAfter    = 5 * time.Minute
	DefaultOfflineAfter = 30 * time.Minute
	DefaultClockSkew    = 2 * time.Minute
)

// ErrClockSkew marks a heartbeat that lies further in the future than the skew tolerance.
var ErrClockSkew = errors.New("heartbeat timestamp beyond clock skew tolerance")

type Thresholds struct {
	AwayAfter    time.Duration
	OfflineAfter time.Duration
	ClockSkew    time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AwayAfter:    DefaultAwayAfter,
		OfflineAfter: DefaultOfflineAfter,
		ClockSkew:    DefaultClockSkew,
	}
}

// Classify applies the default thresholds.
func Classify(lastHeartbeat, now time.Time) Status {
	return DefaultThresholds().Classify(lastHeartbeat, now)
}

// Classify maps the heartbeat age onto a status. Boundary ages resolve to the
// higher-latency class.
func (t Thresholds) Classify(lastHeartbeat, now time.Time) Status {
	s, _ := t.Check(lastHeartbeat, now)
	return s
}

// Check is Classify with the data-quality error exposed. A future heartbeat
// beyond the skew tolerance is reported as ErrClockSkew and classified offline.
func (t Thresholds) Check(lastHeartbeat, now time.Time) (Status, error) {
	if lastHeartbeat.IsZero() {
		return Offline, nil
	}
	age := now.Sub(lastHeartbeat)
	if age < 0 {
		if -age > t.ClockSkew {
			return Offline, ErrClockSkew
		}
		age = 0
	}
	switch {
	case age < t.AwayAfter:
		return Online, nil
	case age < t.OfflineAfter:
		return Away, nil
	default:
		return Offline, nil
	}
}
