// Package transport defines the device coordination channel: the frame
// vocabulary exchanged between devices and the adapters that carry it.
package transport

import "encoding/json"

type FrameType string

const (
	// FrameDeviceHello announces a device and its metadata.
	FrameDeviceHello FrameType = "DEVICE_HELLO"
	// FrameDevicePrimary announces the session's current primary.
	FrameDevicePrimary FrameType = "DEVICE_PRIMARY"
	// FrameSessionLock carries lock acquire/release requests.
	FrameSessionLock FrameType = "SESSION_LOCK"
	// FrameSessionSync carries a versioned session state update.
	FrameSessionSync FrameType = "SESSION_SYNC"
	// FrameMessageAck acknowledges delivery of a correlated message.
	FrameMessageAck FrameType = "MESSAGE_ACK"
)

const (
	LockAcquire = "acquire"
	LockRelease = "release"
)

// Frame is the single wire envelope. Fields are populated per type:
//
//	DEVICE_HELLO:   DeviceID, Metadata
//	DEVICE_PRIMARY: SessionID, DeviceID
//	SESSION_LOCK:   SessionID, DeviceID, Action
//	SESSION_SYNC:   SessionID, DeviceID (origin), Version, State
//	MESSAGE_ACK:    CorrelationID, Status
type Frame struct {
	Type FrameType `json:"type"`
	// Target addresses the frame to one device; the relay routes it. Empty
	// means the relay fans the frame out to the session's members.
	Target        string            `json:"target,omitempty"`
	DeviceID      string            `json:"device_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Action        string            `json:"action,omitempty"`
	Version       uint64            `json:"version,omitempty"`
	State         json.RawMessage   `json:"state,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Status        string            `json:"status,omitempty"`
}
