package events

import (
	"fmt"
	"strconv"
	"time"

	"fleetconsole/internal/activity"
)

// SourceFor maps a stream onto the activity source it feeds.
func SourceFor(key StreamKey) activity.SourceKind {
	switch key {
	case StreamLocations:
		return activity.SourceLocation
	case StreamMessages:
		return activity.SourceMessage
	case StreamCalls:
		return activity.SourceCall
	default:
		return activity.SourceSystem
	}
}

// Project turns one entity into a feed event. Records without a usable
// timestamp are not projected.
func Project(e Entity) (activity.Event, bool) {
	switch v := e.(type) {
	case DeviceRecord:
		if v.LastSeen <= 0 {
			return activity.Event{}, false
		}
		ev := activity.Event{
			Source:    activity.SourceSystem,
			DeviceID:  v.DeviceID,
			Timestamp: v.LastSeen.Time(),
			Title:     "Device checked in",
			Attrs:     map[string]string{},
		}
		if v.Model != "" {
			ev.Attrs["model"] = v.Model
		}
		if v.AppVersion != "" {
			ev.Attrs["app_version"] = v.AppVersion
		}
		return ev, true
	case LocationFix:
		return activity.Event{
			Source:    activity.SourceLocation,
			DeviceID:  v.DeviceID,
			Timestamp: v.Timestamp.Time(),
			Title:     "Location update",
			Detail:    fmt.Sprintf("%.5f, %.5f (±%.0fm)", v.Latitude, v.Longitude, v.Accuracy),
			Attrs: map[string]string{
				"latitude":  strconv.FormatFloat(v.Latitude, 'f', -1, 64),
				"longitude": strconv.FormatFloat(v.Longitude, 'f', -1, 64),
				"provider":  v.Provider,
			},
		}, true
	case MessageRecord:
		return activity.Event{
			Source:    activity.SourceMessage,
			DeviceID:  v.DeviceID,
			Timestamp: v.Timestamp.Time(),
			Title:     directionTitle("Message", v.Direction),
			Detail:    v.Contact,
		}, true
	case CallRecord:
		return activity.Event{
			Source:    activity.SourceCall,
			DeviceID:  v.DeviceID,
			Timestamp: v.Timestamp.Time(),
			Title:     directionTitle("Call", v.Direction),
			Detail:    v.Contact,
			Attrs:     map[string]string{"duration": (time.Duration(v.Duration) * time.Second).String()},
		}, true
	}
	return activity.Event{}, false
}

func directionTitle(noun, direction string) string {
	switch direction {
	case "incoming", "inbox", "received":
		return "Incoming " + noun
	case "outgoing", "sent":
		return "Outgoing " + noun
	case "missed":
		return "Missed " + noun
	}
	return noun
}

// ProjectAll projects every entity that carries a timestamp.
func ProjectAll(entities []Entity) []activity.Event {
	out := make([]activity.Event, 0, len(entities))
	for _, e := range entities {
		if ev, ok := Project(e); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Heartbeats extracts the last-seen time of every device record.
func Heartbeats(entities []Entity) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, e := range entities {
		d, ok := e.(DeviceRecord)
		if !ok || d.LastSeen <= 0 {
			continue
		}
		out[d.DeviceID] = d.LastSeen.Time()
	}
	return out
}
