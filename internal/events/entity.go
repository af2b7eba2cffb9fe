package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entity is the closed set of record shapes accepted from the store:
// DeviceRecord, LocationFix, MessageRecord, CallRecord and Unknown.
type Entity interface {
	RecordKey() string
	entity()
}

// Millis is an epoch-milliseconds timestamp as written by the devices.
type Millis int64

func (m Millis) Time() time.Time {
	if m <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

type DeviceRecord struct {
	Key        string `json:"-"`
	DeviceID   string `json:"deviceId"`
	PushToken  string `json:"pushToken,omitempty"`
	Model      string `json:"deviceModel,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	LastSeen   Millis `json:"lastSeen"`
}

type LocationFix struct {
	Key       string  `json:"-"`
	DeviceID  string  `json:"deviceId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Provider  string  `json:"provider,omitempty"`
	Timestamp Millis  `json:"timestamp"`
}

type MessageRecord struct {
	Key       string `json:"-"`
	DeviceID  string `json:"deviceId"`
	Direction string `json:"type"`
	Contact   string `json:"contactName,omitempty"`
	Timestamp Millis `json:"timestamp"`
}

type CallRecord struct {
	Key       string `json:"-"`
	DeviceID  string `json:"deviceId"`
	Direction string `json:"type"`
	Contact   string `json:"contactName,omitempty"`
	Duration  int    `json:"duration"`
	Timestamp Millis `json:"timestamp"`
}

// Unknown keeps a record that did not match the shape expected for its stream.
type Unknown struct {
	Key    string
	Stream StreamKey
	Raw    json.RawMessage
	Reason string
}

func (r DeviceRecord) RecordKey() string  { return r.Key }
func (r LocationFix) RecordKey() string   { return r.Key }
func (r MessageRecord) RecordKey() string { return r.Key }
func (r CallRecord) RecordKey() string    { return r.Key }
func (r Unknown) RecordKey() string       { return r.Key }

func (DeviceRecord) entity()  {}
func (LocationFix) entity()   {}
func (MessageRecord) entity() {}
func (CallRecord) entity()    {}
func (Unknown) entity()       {}

// DeviceOf reports the device a decoded record belongs to.
func DeviceOf(e Entity) (string, bool) {
	switch v := e.(type) {
	case DeviceRecord:
		return v.DeviceID, true
	case LocationFix:
		return v.DeviceID, true
	case MessageRecord:
		return v.DeviceID, true
	case CallRecord:
		return v.DeviceID, true
	default:
		return "", false
	}
}

var errMissingField = errors.New("missing required field")

// Decode maps a raw record onto the variant for its stream. Anything that
// does not fit comes back as Unknown rather than a partially filled variant.
func Decode(stream StreamKey, rec RawRecord) Entity {
	unknown := func(reason string) Entity {
		return Unknown{Key: rec.Key, Stream: stream, Raw: rec.Data, Reason: reason}
	}
	var (
		out Entity
		err error
	)
	switch stream {
	case StreamDevices:
		var v DeviceRecord
		if err = json.Unmarshal(rec.Data, &v); err == nil {
			if v.DeviceID == "" {
				v.DeviceID = rec.Key
			}
			err = require(v.DeviceID != "", "deviceId")
		}
		v.Key = rec.Key
		out = v
	case StreamLocations:
		var v LocationFix
		if err = json.Unmarshal(rec.Data, &v); err == nil {
			if v.DeviceID == "" {
				v.DeviceID = rec.Key
			}
			err = errors.Join(require(v.DeviceID != "", "deviceId"), require(v.Timestamp > 0, "timestamp"))
		}
		v.Key = rec.Key
		out = v
	case StreamMessages:
		var v MessageRecord
		if err = json.Unmarshal(rec.Data, &v); err == nil {
			err = errors.Join(require(v.DeviceID != "", "deviceId"), require(v.Timestamp > 0, "timestamp"))
		}
		v.Key = rec.Key
		out = v
	case StreamCalls:
		var v CallRecord
		if err = json.Unmarshal(rec.Data, &v); err == nil {
			err = errors.Join(require(v.DeviceID != "", "deviceId"), require(v.Timestamp > 0, "timestamp"))
		}
		v.Key = rec.Key
		out = v
	default:
		return unknown(fmt.Sprintf("unknown stream %q", stream))
	}
	if rec.Key == "" {
		return unknown("missing record key")
	}
	if err != nil {
		return unknown(err.Error())
	}
	return out
}

func require(ok bool, field string) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s", errMissingField, field)
}
