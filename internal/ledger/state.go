// Package ledger is the authoritative record of each command's lifecycle.
package ledger

import (
	"errors"
	"fmt"
)

type State string

const (
	Pending      State = "pending"
	Sent         State = "sent"
	Acknowledged State = "acknowledged"
	Completed    State = "completed"
	Failed       State = "failed"
)

var rank = map[State]int{
	Pending:      0,
	Sent:         1,
	Acknowledged: 2,
	Completed:    3,
	Failed:       3,
}

func (s State) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Rank orders states along the lifecycle; both terminal states share the top rank.
func (s State) Rank() int { return rank[s] }

func (s State) Terminal() bool { return s == Completed || s == Failed }

// CanTransition reports whether from -> to moves forward along the lifecycle.
// Forward skips are allowed; Failed is reachable from any non-terminal state.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	return rank[to] > rank[from]
}

type Reason string

const (
	ReasonTransportRejected Reason = "TransportRejected"
	ReasonAckTimeout        Reason = "AckTimeout"
	ReasonDeviceFailed      Reason = "DeviceFailed"
)

// Message is the operator-facing text for a failure reason.
func (r Reason) Message() string {
	switch r {
	case ReasonTransportRejected:
		return "the push gateway refused the delivery"
	case ReasonAckTimeout:
		return "the device did not acknowledge the command in time"
	case ReasonDeviceFailed:
		return "the device reported that the command failed"
	case "":
		return ""
	default:
		return string(r)
	}
}

var (
	ErrNotFound          = errors.New("command not found")
	ErrDuplicate         = errors.New("command already exists")
	ErrInvalidTransition = errors.New("invalid command state transition")
)

type InvalidTransitionError struct {
	CommandID string
	From      State
	To        State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("command %s: cannot move from %s to %s", e.CommandID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
