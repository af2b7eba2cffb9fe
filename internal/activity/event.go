// Package activity merges per-source event sequences into one newest-first feed.
package activity

import (
	"sort"
	"time"
)

type SourceKind string

const (
	SourceCommand  SourceKind = "command"
	SourceMessage  SourceKind = "message"
	SourceCall     SourceKind = "call"
	SourceLocation SourceKind = "location"
	SourceSystem   SourceKind = "system"
)

// priority is the fixed tie-break order for events sharing a timestamp.
var priority = map[SourceKind]int{
	SourceCommand:  0,
	SourceMessage:  1,
	SourceCall:     2,
	SourceLocation: 3,
	SourceSystem:   4,
}

// Priority of the source kind; lower sorts first. Kinds outside the known set
// sort after all known kinds.
func (k SourceKind) Priority() int {
	if p, ok := priority[k]; ok {
		return p
	}
	return len(priority)
}

// Event is an immutable projection of one underlying record.
type Event struct {
	Source    SourceKind        `json:"source"`
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"timestamp"`
	Title     string            `json:"title"`
	Detail    string            `json:"detail,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// normalize returns a newest-first copy. Events with equal timestamps keep
// their source order, which is the stable secondary key.
func normalize(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	sorted := true
	for i := 1; i < len(out); i++ {
		if out[i].Timestamp.After(out[i-1].Timestamp) {
			sorted = false
			break
		}
	}
	if !sorted {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	}
	return out
}
