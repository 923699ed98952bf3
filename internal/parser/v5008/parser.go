// Package v5008 implements the framed binary protocol parser (spec
// §4.3). It converts opaque byte buffers into sif.SIF, returning nil
// on any decode failure rather than panicking.
//
// The spec fixes the message-type dispatch rules and the per-field
// decode algorithms (signed sensor values, variable-length
// originalReq) but explicitly leaves the exact byte offsets within a
// frame as an Open Question, to be calibrated against captured
// device frames. This parser picks one concrete, self-consistent
// framing (documented per-type below and in DESIGN.md) so the
// dispatch/decode algorithms in spec §4.3 have somewhere to live;
// swapping in real captured offsets is a localized change to the
// slot-width constants below, not to the control flow.
package v5008

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"go.uber.org/zap"
)

// Header type-tag bytes.
const (
	tagHeartbeatA  byte = 0xCC
	tagHeartbeatB  byte = 0xCB
	tagRFIDSnap    byte = 0xBB
	tagDoorState   byte = 0xBA
	tagInfoEF      byte = 0xEF
	tagCmdResponse byte = 0xAA
)

// Sub-type bytes following a 0xEF header.
const (
	subDeviceInfo byte = 0x01
	subModuleInfo byte = 0x02
)

// Command-response sub-codes following a 0xAA header.
const (
	cmdQryClrResp byte = 0xE4
	cmdSetClrResp byte = 0xE1
	cmdClnAlmResp byte = 0xE2
)

// Frame layout constants. deviceID occupies bytes [2:10); the
// type/sub-type tag occupies bytes [0:2). Per-type bodies start at
// bodyOffset.
const (
	deviceIDOffset = 2
	deviceIDLen    = 8
	bodyOffset     = deviceIDOffset + deviceIDLen // 10
	cmdFixedOverhead = bodyOffset
)

// Parser implements parser.Parser for the V5008 binary family.
type Parser struct {
	LogRaw bool // debug.logRawMessage
}

// New creates a V5008 parser.
func New(logRaw bool) *Parser {
	return &Parser{LogRaw: logRaw}
}

// Parse converts a raw V5008 buffer to SIF, or nil on failure.
func (p *Parser) Parse(topic string, payload []byte) *sif.SIF {
	if p.LogRaw {
		logger.Debug("v5008 raw message", zap.String("topic", topic), zap.String("hex", hex.EncodeToString(payload)))
	}

	if len(payload) < bodyOffset {
		logger.Warn("v5008 short buffer", zap.String("topic", topic), zap.Int("len", len(payload)))
		return nil
	}

	deviceID := decodeDeviceID(payload[deviceIDOffset:bodyOffset])
	meta := sif.Meta{Topic: topic}

	// Rule (1): topic suffix fixes the type for TemHum/Noise uploads.
	if strings.HasSuffix(topic, "/TemHum") {
		return decodeTempHum(topic, deviceID, payload, meta)
	}
	if strings.HasSuffix(topic, "/Noise") {
		return decodeNoise(topic, deviceID, payload, meta)
	}

	// Rule (2): dispatch on header bytes.
	switch payload[0] {
	case tagHeartbeatA, tagHeartbeatB:
		return decodeHeartbeat(topic, deviceID, payload, meta)
	case tagRFIDSnap:
		return decodeRFIDSnapshot(topic, deviceID, payload, meta)
	case tagDoorState:
		return decodeDoorState(topic, deviceID, payload, meta)
	case tagInfoEF:
		if len(payload) < 2 {
			return nil
		}
		switch payload[1] {
		case subDeviceInfo:
			return decodeDeviceInfo(topic, deviceID, payload, meta)
		case subModuleInfo:
			return decodeModuleInfo(topic, deviceID, payload, meta)
		default:
			logger.Warn("v5008 unknown EF sub-type", zap.String("topic", topic), zap.Uint8("subType", payload[1]))
			return nil
		}
	case tagCmdResponse:
		if len(payload) < 2 {
			return nil
		}
		return decodeCommandResponse(topic, deviceID, payload, meta)
	default:
		logger.Warn("v5008 unknown header byte", zap.String("topic", topic), zap.Uint8("header", payload[0]))
		return nil
	}
}

func decodeDeviceID(b []byte) string {
	// ASCII device id, NUL-padded.
	end := len(b)
	for i, c := range b {
		if c == 0 {
			end = i
			break
		}
	}
	return string(b[:end])
}

// decodeSignedSensorValue decodes a (int, frac) byte pair into a
// signed decimal with two fractional digits, per spec §4.3: if the
// top bit of int is set, the value is two's-complement negative —
// compute (int & 0x7F) + frac/100 then negate; otherwise int + frac/100.
func decodeSignedSensorValue(intByte, fracByte byte) float64 {
	frac := float64(fracByte) / 100.0
	if intByte&0x80 != 0 {
		return -(float64(intByte&0x7F) + frac)
	}
	return float64(intByte) + frac
}

func decodeHeartbeat(topic, deviceID string, payload []byte, meta sif.Meta) *sif.SIF {
	const slotSize = 4 // moduleIndex, moduleAddr, moduleId, uTotal
	if len(payload) <= bodyOffset {
		logger.Warn("v5008 heartbeat: empty body", zap.String("topic", topic))
		return nil
	}

	body := payload[bodyOffset:]
	n := len(body) / slotSize
	data := make([]sif.Entry, 0, n)

	for i := 0; i < n; i++ {
		slot := body[i*slotSize : (i+1)*slotSize]
		moduleIndex := int(slot[0])
		moduleAddr := slot[1]
		moduleID := slot[2]
		uTotal := int(slot[3])

		if moduleID == 0 || moduleAddr > 5 {
			continue
		}

		data = append(data, sif.Entry{
			"moduleIndex": moduleIndex,
			"moduleId":    strconv.Itoa(int(moduleID)),
			"uTotal":      uTotal,
		})
	}

	return &sif.SIF{
		DeviceType:  sif.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: sif.HeartBeat,
		Meta:        meta,
		Data:        data,
	}
}

func decodeRFIDSnapshot(topic, deviceID string, payload []byte, meta sif.Meta) *sif.SIF {
	const slotSize = 6 // uIndex(1) + tagId(4) + isAlarm(1)
	moduleIndex := 0
	if len(payload) <= bodyOffset {
		return &sif.SIF{DeviceType: sif.FamilyV5008, DeviceID: deviceID, MessageType: sif.RFIDSnapshot, Meta: meta, ModuleIndex: &moduleIndex, Data: []sif.Entry{}}
	}

	body := payload[bodyOffset:]
	n := len(body) / slotSize
	data := make([]sif.Entry, 0, n)

	for i := 0; i < n; i++ {
		slot := body[i*slotSize : (i+1)*slotSize]
		uIndex := int(slot[0])
		tagBytes := slot[1:5]
		isAlarm := slot[5] != 0

		tagID := hex.EncodeToString(tagBytes)
		if isZero(tagBytes) {
			tagID = ""
		}

		data = append(data, sif.Entry{
			"uIndex":  uIndex,
			"tagId":   tagID,
			"isAlarm": isAlarm,
		})
	}

	return &sif.SIF{
		DeviceType:  sif.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: sif.RFIDSnapshot,
		Meta:        meta,
		ModuleIndex: &moduleIndex,
		Data:        data,
	}
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func decodeTempHum(topic, deviceID string, payload []byte, meta sif.Meta) *sif.SIF {
	const slotSize = 5 // addr, tempInt, tempFrac, humInt, humFrac
	if len(payload) <= bodyOffset {
		return nil
	}

	body := payload[bodyOffset:]
	n := len(body) / slotSize
	data := make([]sif.Entry, 0, n)

	for i := 0; i < n; i++ {
		slot := body[i*slotSize : (i+1)*slotSize]
		addr := slot[0]
		if addr == 0 {
			continue
		}
		temp := decodeSignedSensorValue(slot[1], slot[2])
		hum := decodeSignedSensorValue(slot[3], slot[4])

		data = append(data, sif.Entry{
			"thIndex": int(addr),
			"temp":    temp,
			"hum":     hum,
		})
	}

	moduleIndex := 0
	return &sif.SIF{
		DeviceType:  sif.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: sif.TempHum,
		Meta:        meta,
		ModuleIndex: &moduleIndex,
		Data:        data,
	}
}

func decodeNoise(topic, deviceID string, payload []byte, meta sif.Meta) *sif.SIF {
	const slotSize = 3 // addr, noiseInt, noiseFrac
	if len(payload) <= bodyOffset {
		return nil
	}

	body := payload[bodyOffset:]
	n := len(body) / slotSize
	data := make([]sif.Entry, 0, n)

	for i := 0; i < n; i++ {
		slot := body[i*slotSize : (i+1)*slotSize]
		addr := slot[0]
		if addr == 0 {
			continue
		}
		noise := decodeSignedSensorValue(slot[1], slot[2])

		data = append(data, sif.Entry{
			"nsIndex": int(addr),
			"noise":   noise,
		})
	}

	moduleIndex := 0
	return &sif.SIF{
		DeviceType:  sif.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: sif.NoiseLevel,
		Meta:        meta,
		ModuleIndex: &moduleIndex,
		Data:        data,
	}
}

func decodeDoorState(topic, deviceID string, payload []byte, meta sif.Meta) *sif.SIF {
	if len(payload) <= bodyOffset {
		return nil
	}
	doorState := int(payload[bodyOffset])
	moduleIndex := 0
	return &sif.SIF{
		DeviceType:  sif.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: sif.DoorState,
		Meta:        meta,
		ModuleIndex: &moduleIndex,
		Data:        []sif.Entry{{"doorState": doorState}},
	}
}

func decodeDeviceInfo(topic, deviceID string, payload []byte, meta sif.Meta) *sif.SIF {
	const (
		modelLen = 16
		fwVerLen = 8
		ipLen    = 4
		maskLen  = 4
		gwIPLen  = 4
		macLen   = 6
	)
	// sub-type byte occupies payload[1]; body starts at bodyOffset.
	want := bodyOffset + modelLen + fwVerLen + ipLen + maskLen + gwIPLen + macLen
	if len(payload) < want {
		logger.Warn("v5008 device info: short buffer", zap.String("topic", topic), zap.Int("len", len(payload)))
		return nil
	}

	off := bodyOffset
	model := trimNulString(payload[off : off+modelLen])
	off += modelLen
	fwVer := trimNulString(payload[off : off+fwVerLen])
	off += fwVerLen
	ip := formatIPv4(payload[off : off+ipLen])
	off += ipLen
	mask := formatIPv4(payload[off : off+maskLen])
	off += maskLen
	gwIP := formatIPv4(payload[off : off+gwIPLen])
	off += gwIPLen
	mac := formatMAC(payload[off : off+macLen])

	return &sif.SIF{
		DeviceType:  sif.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: sif.DeviceInfo,
		Meta:        meta,
		Data: []sif.Entry{{
			"deviceId": deviceID,
			"model":    model,
			"fwVer":    fwVer,
			"ip":       ip,
			"mask":     mask,
			"gwIp":     gwIP,
			"mac":      mac,
		}},
	}
}

func decodeModuleInfo(topic, deviceID string, payload []byte, meta sif.Meta) *sif.SIF {
	const slotSize = 9 // moduleIndex(1) + fwVer(8)
	if len(payload) <= bodyOffset {
		return nil
	}

	body := payload[bodyOffset:]
	n := len(body) / slotSize
	data := make([]sif.Entry, 0, n)

	for i := 0; i < n; i++ {
		slot := body[i*slotSize : (i+1)*slotSize]
		moduleIndex := int(slot[0])
		fwVer := trimNulString(slot[1:9])
		data = append(data, sif.Entry{
			"moduleIndex": moduleIndex,
			"fwVer":       fwVer,
		})
	}

	return &sif.SIF{
		DeviceType:  sif.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: sif.ModuleInfo,
		Meta:        meta,
		Data:        data,
	}
}

func decodeCommandResponse(topic, deviceID string, payload []byte, meta sif.Meta) *sif.SIF {
	subCode := payload[1]

	var messageType sif.MessageType
	var reqLen int
	switch subCode {
	case cmdQryClrResp:
		messageType = sif.QryClrResp
		reqLen = 2
	case cmdSetClrResp:
		messageType = sif.SetClrResp
		reqLen = len(payload) - cmdFixedOverhead
	case cmdClnAlmResp:
		messageType = sif.ClnAlmResp
		reqLen = len(payload) - cmdFixedOverhead
	default:
		logger.Warn("v5008 unknown command response code", zap.String("topic", topic), zap.Uint8("code", subCode))
		return nil
	}

	if reqLen < 0 || bodyOffset+reqLen > len(payload) {
		logger.Warn("v5008 command response: bad length", zap.String("topic", topic), zap.Int("reqLen", reqLen))
		return nil
	}

	originalReq := hex.EncodeToString(payload[bodyOffset : bodyOffset+reqLen])
	colorMapBytes := payload[bodyOffset+reqLen:]
	colorMap := make([]int, len(colorMapBytes))
	for i, b := range colorMapBytes {
		colorMap[i] = int(b)
	}

	return &sif.SIF{
		DeviceType:  sif.FamilyV5008,
		DeviceID:    deviceID,
		MessageType: messageType,
		Meta:        meta,
		Data: []sif.Entry{{
			"originalReq": originalReq,
			"colorMap":    colorMap,
		}},
	}
}

func trimNulString(b []byte) string {
	end := len(b)
	for i, c := range b {
		if c == 0 {
			end = i
			break
		}
	}
	return string(b[:end])
}

func formatIPv4(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

func formatMAC(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, ":")
}
