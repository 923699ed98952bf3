// Package sif defines the Standard Intermediate Format, the common
// output shape produced by every protocol parser regardless of wire
// family.
package sif

import "time"

// MessageType identifies the semantic kind of a parsed message,
// independent of which protocol family produced it.
type MessageType string

const (
	HeartBeat          MessageType = "HEARTBEAT"
	RFIDSnapshot       MessageType = "RFID_SNAPSHOT"
	RFIDEvent          MessageType = "RFID_EVENT"
	TempHum            MessageType = "TEMP_HUM"
	QryTempHumResp     MessageType = "QRY_TEMP_HUM_RESP"
	NoiseLevel         MessageType = "NOISE_LEVEL"
	DoorState          MessageType = "DOOR_STATE"
	QryDoorStateResp   MessageType = "QRY_DOOR_STATE_RESP"
	DeviceInfo         MessageType = "DEVICE_INFO"
	ModuleInfo         MessageType = "MODULE_INFO"
	DevModInfo         MessageType = "DEV_MOD_INFO"
	UTotalChanged      MessageType = "UTOTAL_CHANGED"
	QryClrResp         MessageType = "QRY_CLR_RESP"
	SetClrResp         MessageType = "SET_CLR_RESP"
	ClnAlmResp         MessageType = "CLN_ALM_RESP"
	Unknown            MessageType = "UNKNOWN"

	// DeviceMetadata and MetaChangedEvent are Normalizer-derived SUO
	// message types; no parser ever produces them as a SIF.
	DeviceMetadata   MessageType = "DEVICE_METADATA"
	MetaChangedEvent MessageType = "META_CHANGED_EVENT"
)

// ProtocolFamily identifies which wire protocol produced a message.
type ProtocolFamily string

const (
	FamilyV5008 ProtocolFamily = "v5008"
	FamilyV6800 ProtocolFamily = "v6800"
)

// Meta carries passthrough context about where a message came from.
type Meta struct {
	Topic   string `json:"topic"`
	RawType string `json:"rawType"`
}

// Entry is one element of a SIF Data array. Its shape depends on
// MessageType; callers type-assert the fields they expect. Module-
// scoped telemetry messages from the JSON family nest a further
// "data" sub-array of Entry under a per-module block so the
// Normalizer can split a single wire message into several SUOs.
type Entry map[string]interface{}

// SIF is the Standard Intermediate Format: the parser's canonical,
// protocol-agnostic output. Identity fields live at the root; the
// repeated sensor/module payload always lives in Data.
type SIF struct {
	DeviceType  ProtocolFamily `json:"deviceType"`
	DeviceID    string         `json:"deviceId"`
	MessageType MessageType    `json:"messageType"`
	MessageID   string         `json:"messageId"`
	Meta        Meta           `json:"meta"`

	// ModuleIndex/ModuleID are set when the whole message is scoped to
	// a single module (most V5008 telemetry). They are left zero-value
	// when Data entries carry their own per-module blocks (V6800).
	ModuleIndex *int   `json:"moduleIndex,omitempty"`
	ModuleID    string `json:"moduleId,omitempty"`

	Data []Entry `json:"data"`

	ReceivedAt time.Time `json:"-"`
}

// HasModuleBlocks reports whether Data holds per-module blocks (each
// with its own "moduleIndex" and nested "data") rather than a flat
// list of sensor entries scoped by the SIF's own ModuleIndex.
func (s *SIF) HasModuleBlocks() bool {
	if len(s.Data) == 0 {
		return false
	}
	_, hasIdx := s.Data[0]["moduleIndex"]
	_, hasData := s.Data[0]["data"]
	return hasIdx && hasData
}
