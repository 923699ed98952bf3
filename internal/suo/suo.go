// Package suo defines the Standard Unified Object, the Normalizer's
// canonical output consumed by the Storage Writer and the Canonical
// Feed Emitter.
package suo

import (
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
)

// SUO is the Standard Unified Object. Payload always marshals as an
// array, never null, even for single scalar values; New does not pad
// an empty payload, so a SUO built from no entries carries `[]`.
type SUO struct {
	MessageType sif.MessageType    `json:"messageType"`
	MessageID   string             `json:"messageId"`
	DeviceID    string             `json:"deviceId"`
	DeviceType  sif.ProtocolFamily `json:"deviceType"`

	// ModuleIndex/ModuleID are present on telemetry SUOs and absent on
	// device-scoped SUOs (DEVICE_METADATA, META_CHANGED_EVENT).
	ModuleIndex *int   `json:"moduleIndex,omitempty"`
	ModuleID    string `json:"moduleId,omitempty"`

	Payload []interface{} `json:"payload"`

	// ParsedAt is the originating SIF's receive time, carried through
	// for the Storage Writer's parse_at column. Not part of the wire
	// shape forwarded to the canonical feed.
	ParsedAt time.Time `json:"-"`
}

// New builds a SUO, normalizing a nil payload to a non-nil empty slice
// so every SUO's payload marshals as `[]` rather than `null`.
func New(mt sif.MessageType, deviceID string, deviceType sif.ProtocolFamily, messageID string, payload []interface{}) *SUO {
	if len(payload) == 0 {
		payload = []interface{}{}
	}
	return &SUO{
		MessageType: mt,
		MessageID:   messageID,
		DeviceID:    deviceID,
		DeviceType:  deviceType,
		Payload:     payload,
	}
}

// WithModule attaches module identity to a telemetry SUO.
func (s *SUO) WithModule(moduleIndex int, moduleID string) *SUO {
	s.ModuleIndex = &moduleIndex
	s.ModuleID = moduleID
	return s
}

// RFID action values, used in RFID_EVENT payload entries.
const (
	Attached = "ATTACHED"
	Detached = "DETACHED"
	AlarmOn  = "ALARM_ON"
	AlarmOff = "ALARM_OFF"
)
