package models

import (
	"time"

	"gorm.io/datatypes"
)

type Device struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	DeviceID      string    `gorm:"uniqueIndex;size:128" json:"device_id"`
	PushToken     string    `gorm:"size:255;index" json:"push_token,omitempty"`
	Model         string    `gorm:"size:255" json:"model,omitempty"`
	OSVersion     string    `gorm:"size:64" json:"os_version,omitempty"`
	AppVersion    string    `gorm:"size:64" json:"app_version,omitempty"`
	LastHeartbeat time.Time `gorm:"index" json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Addressable reports whether push commands can be delivered to the device.
func (d Device) Addressable() bool { return d.PushToken != "" }

type Command struct {
	ID         uint           `gorm:"primaryKey" json:"-"`
	CommandID  string         `gorm:"uniqueIndex;size:64" json:"command_id"`
	DeviceID   string         `gorm:"size:128;index" json:"device_id"`
	Kind       string         `gorm:"size:32" json:"kind"`
	Params     datatypes.JSON `json:"params,omitempty"`
	OperatorID string         `gorm:"size:128" json:"operator_id"`
	State      string         `gorm:"size:32;index" json:"state"`
	Result     datatypes.JSON `json:"result,omitempty"`
	Reason     string         `gorm:"size:64" json:"reason,omitempty"`
	Detail     string         `gorm:"type:text" json:"detail,omitempty"`
	// History is the ordered list of applied transitions as JSON.
	History   datatypes.JSON `json:"history,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TimeNow is the clock used by handlers and stores.
var TimeNow = func() time.Time { return time.Now().UTC() }
