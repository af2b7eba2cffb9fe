// Package protocol is the newline-delimited JSON framing spoken between the
// hub and device agents.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Op string

const (
	// device -> hub
	OpHello     Op = "hello"
	OpHeartbeat Op = "heartbeat"
	OpAck       Op = "ack"
	OpResult    Op = "result"
	OpEvent     Op = "event"
	// hub -> device
	OpCommand Op = "command"
	OpWelcome Op = "welcome"
)

// Stages carried by OpAck and OpResult.
const (
	StageReceived  = "received"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// Record is one keyed entry of a stream carried by OpEvent.
type Record struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HelloInfo is carried in the Params of OpHello.
type HelloInfo struct {
	Model      string `json:"deviceModel,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// Message is the envelope for every frame in either direction.
type Message struct {
	ID     string `json:"id"`
	Op     Op     `json:"op"`
	From   string `json:"from"`
	SentAt int64  `json:"sentAt,omitempty"`

	// hello
	Token string `json:"token,omitempty"`

	// command / ack / result
	CommandID string          `json:"commandId,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// event
	Stream  string   `json:"stream,omitempty"`
	EventOp string   `json:"eventOp,omitempty"`
	Records []Record `json:"records,omitempty"`

	Error string `json:"error,omitempty"`
}

var ErrMalformed = errors.New("protocol: malformed message")

// New stamps a fresh message id and send time.
func New(op Op, from string) *Message {
	return &Message{ID: uuid.New().String(), Op: op, From: from, SentAt: time.Now().UnixMilli()}
}

func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m.Op == "" {
		return nil, ErrMalformed
	}
	return &m, nil
}

// Validate checks the fields each op requires.
func (m *Message) Validate() error {
	switch m.Op {
	case OpHello:
		if m.From == "" || m.Token == "" {
			return ErrMalformed
		}
	case OpHeartbeat:
		if m.From == "" {
			return ErrMalformed
		}
	case OpAck, OpResult:
		if m.CommandID == "" || m.Stage == "" {
			return ErrMalformed
		}
	case OpCommand:
		if m.CommandID == "" || m.Kind == "" {
			return ErrMalformed
		}
	case OpEvent:
		if m.Stream == "" {
			return ErrMalformed
		}
	case OpWelcome:
	default:
		return ErrMalformed
	}
	return nil
}
