// Package transport defines the push-delivery collaborator used to reach devices.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrRejected is returned by Deliver when the gateway refuses the attempt.
var ErrRejected = errors.New("delivery rejected")

type Delivery struct {
	CommandID string          `json:"command_id"`
	Kind      string          `json:"kind"`
	Params    json.RawMessage `json:"params,omitempty"`
	IssuedAt  time.Time       `json:"issued_at"`
}

type Stage string

const (
	StageReceived  Stage = "received"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

type Ack struct {
	CommandID string          `json:"command_id"`
	Stage     Stage           `json:"stage"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type AckFunc func(Ack)

// Transport delivers commands to device addresses. Acceptance only means the
// gateway took the message; receipt and execution arrive through OnAcknowledge.
type Transport interface {
	Deliver(ctx context.Context, address string, d Delivery) error
	OnAcknowledge(commandID string, fn AckFunc) (cancel func())
}

// AckRegistry routes acknowledgements to the callback registered per command.
type AckRegistry struct {
	mu  sync.Mutex
	fns map[string]AckFunc
}

func NewAckRegistry() *AckRegistry {
	return &AckRegistry{fns: make(map[string]AckFunc)}
}

func (r *AckRegistry) Register(commandID string, fn AckFunc) func() {
	r.mu.Lock()
	r.fns[commandID] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.fns, commandID)
		r.mu.Unlock()
	}
}

// Dispatch invokes the callback for ack.CommandID. It reports false when no
// callback is registered, which callers treat as a stale acknowledgement.
func (r *AckRegistry) Dispatch(ack Ack) bool {
	r.mu.Lock()
	fn, ok := r.fns[ack.CommandID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	fn(ack)
	return true
}

func (r *AckRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}
