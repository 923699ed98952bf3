// Package v6800 implements the line-delimited JSON protocol parser
// (spec §4.4). It converts a UTF-8 JSON document into sif.SIF,
// returning nil on invalid JSON rather than erroring out.
package v6800

import (
	"encoding/json"
	"fmt"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"go.uber.org/zap"
)

// messageTypeTable maps the wire msg_type to the SIF MessageType, per
// spec §4.4's dispatch table.
var messageTypeTable = map[string]sif.MessageType{
	"heart_beat_req":                        sif.HeartBeat,
	"u_state_resp":                          sif.RFIDSnapshot,
	"u_state_changed_notify_req":            sif.RFIDEvent,
	"temper_humidity_exception_nofity_req":  sif.TempHum,
	"temper_humidity_resp":                  sif.QryTempHumResp,
	"door_state_changed_notify_req":         sif.DoorState,
	"door_state_resp":                       sif.QryDoorStateResp,
	"devies_init_req":                       sif.DevModInfo,
	"devices_changed_req":                   sif.UTotalChanged,
	"u_color":                               sif.QryClrResp,
	"set_module_property_result_req":        sif.SetClrResp,
	"clear_u_warning":                       sif.ClnAlmResp,
}

// Parser implements parser.Parser for the V6800 JSON family.
type Parser struct {
	LogRaw bool // debug.logRawMessage
}

// New creates a V6800 parser.
func New(logRaw bool) *Parser {
	return &Parser{LogRaw: logRaw}
}

// Parse converts a raw V6800 JSON payload to SIF, or nil on invalid
// JSON.
func (p *Parser) Parse(topic string, payload []byte) *sif.SIF {
	if p.LogRaw {
		logger.Debug("v6800 raw message", zap.String("topic", topic), zap.ByteString("body", payload))
	}

	var root map[string]interface{}
	if err := json.Unmarshal(payload, &root); err != nil {
		logger.Warn("v6800 invalid json", zap.String("topic", topic), zap.Error(err))
		return nil
	}

	rawType, _ := root["msg_type"].(string)
	messageType, known := messageTypeTable[rawType]
	if !known {
		messageType = sif.Unknown
	}

	deviceID := resolveDeviceID(rawType, root)
	messageID := stringify(root["uuid_number"])

	meta := sif.Meta{Topic: topic, RawType: rawType}

	if !known {
		return &sif.SIF{
			DeviceType:  sif.FamilyV6800,
			DeviceID:    deviceID,
			MessageType: sif.Unknown,
			MessageID:   messageID,
			Meta:        meta,
			Data:        []sif.Entry{{"raw": root}},
		}
	}

	data := buildData(messageType, root)

	return &sif.SIF{
		DeviceType:  sif.FamilyV6800,
		DeviceID:    deviceID,
		MessageType: messageType,
		MessageID:   messageID,
		Meta:        meta,
		Data:        data,
	}
}

// resolveDeviceID applies the gateway_sn/module_sn exception for
// heart_beat_req from the gateway module itself (spec §4.4).
func resolveDeviceID(rawType string, root map[string]interface{}) string {
	if rawType == "heart_beat_req" {
		if mt, _ := root["module_type"].(string); mt == "mt_gw" {
			if sn, ok := root["module_sn"].(string); ok {
				return sn
			}
		}
	}
	if sn, ok := root["gateway_sn"].(string); ok {
		return sn
	}
	return ""
}

// buildData applies the field mappings of spec §4.4 to the message's
// "data" array, producing per-module blocks (each carrying its own
// nested "data" sub-array) when present, or a single flat entry when
// the message has no module fan-out (device-level snapshots).
func buildData(mt sif.MessageType, root map[string]interface{}) []sif.Entry {
	rawData, _ := root["data"].([]interface{})

	switch mt {
	case sif.HeartBeat:
		return buildHeartbeat(root, rawData)
	case sif.RFIDSnapshot, sif.RFIDEvent:
		return buildModuleBlocks(rawData, buildRFIDEntry(mt))
	case sif.TempHum, sif.QryTempHumResp:
		return buildModuleBlocks(rawData, buildTempHumEntry)
	case sif.DoorState, sif.QryDoorStateResp:
		return buildModuleBlocks(rawData, buildDoorEntry)
	case sif.DevModInfo, sif.UTotalChanged:
		return buildDeviceSnapshot(root, rawData)
	case sif.QryClrResp, sif.SetClrResp, sif.ClnAlmResp:
		return []sif.Entry{buildCommandResultEntry(root)}
	default:
		return []sif.Entry{{"raw": root}}
	}
}

func buildHeartbeat(root map[string]interface{}, rawData []interface{}) []sif.Entry {
	if len(rawData) == 0 {
		// Gateway-self heartbeat: module fields live at root.
		if sn, ok := root["module_sn"].(string); ok {
			return []sif.Entry{{
				"moduleIndex": intOf(root["module_index"]),
				"moduleId":    sn,
				"uTotal":      intOf(root["module_u_num"]),
			}}
		}
		return []sif.Entry{}
	}

	entries := make([]sif.Entry, 0, len(rawData))
	for _, raw := range rawData {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		entries = append(entries, sif.Entry{
			"moduleIndex": moduleIndexOf(block),
			"moduleId":    moduleIDOf(block),
			"uTotal":      intOf(block["module_u_num"]),
		})
	}
	return entries
}

// buildModuleBlocks walks the outer per-module array and applies
// entryFn to each nested sensor entry, preserving the moduleIndex/
// moduleId/data-sub-array shape the Normalizer's fan-out rule expects.
func buildModuleBlocks(rawData []interface{}, entryFn func(map[string]interface{}) sif.Entry) []sif.Entry {
	blocks := make([]sif.Entry, 0, len(rawData))
	for _, raw := range rawData {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		nested, _ := block["data"].([]interface{})
		sub := make([]sif.Entry, 0, len(nested))
		for _, rn := range nested {
			entryMap, ok := rn.(map[string]interface{})
			if !ok {
				continue
			}
			entry := entryFn(entryMap)
			if entry != nil {
				sub = append(sub, entry)
			}
		}
		blocks = append(blocks, sif.Entry{
			"moduleIndex": moduleIndexOf(block),
			"moduleId":    moduleIDOf(block),
			"data":        sub,
		})
	}
	return blocks
}

func buildRFIDEntry(mt sif.MessageType) func(map[string]interface{}) sif.Entry {
	return func(e map[string]interface{}) sif.Entry {
		if mt == sif.RFIDSnapshot {
			tagID, _ := e["tag_code"].(string)
			if tagID == "" {
				return nil
			}
			return sif.Entry{
				"uIndex":  intOf(e["u_index"]),
				"tagId":   tagID,
				"isAlarm": intOf(e["warning"]) == 1,
			}
		}
		// RFID_EVENT: new_state/old_state -> action
		newState := intOf(e["new_state"])
		oldState := intOf(e["old_state"])
		action := ""
		switch {
		case oldState == 1 && newState == 0:
			action = "ATTACHED"
		case oldState == 0 && newState == 1:
			action = "DETACHED"
		}
		return sif.Entry{
			"uIndex": intOf(e["u_index"]),
			"action": action,
		}
	}
}

func buildTempHumEntry(e map[string]interface{}) sif.Entry {
	return sif.Entry{
		"thIndex": intOf(e["temper_position"]),
		"temp":    floatOf(e["temper_swot"]),
		"hum":     floatOf(e["hygrometer_swot"]),
	}
}

func buildDoorEntry(e map[string]interface{}) sif.Entry {
	if _, ok := e["new_state1"]; ok {
		return sif.Entry{
			"door1State": intOf(e["new_state1"]),
			"door2State": intOf(e["new_state2"]),
		}
	}
	return sif.Entry{"doorState": intOf(e["new_state"])}
}

// buildDeviceSnapshot assembles a single combined entry carrying
// whichever device-level metadata fields are present, plus the list
// of module records — a full snapshot for DEV_MOD_INFO/UTOTAL_CHANGED.
func buildDeviceSnapshot(root map[string]interface{}, rawData []interface{}) []sif.Entry {
	entry := sif.Entry{}
	if ip, ok := root["gateway_ip"].(string); ok {
		entry["ip"] = ip
	}
	if mac, ok := root["gateway_mac"].(string); ok {
		entry["mac"] = mac
	}

	modules := make([]sif.Entry, 0, len(rawData))
	for _, raw := range rawData {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		modules = append(modules, sif.Entry{
			"moduleIndex": moduleIndexOf(block),
			"moduleId":    moduleIDOf(block),
			"uTotal":      intOf(block["module_u_num"]),
			"fwVer":       stringOf(block["module_sw_version"]),
		})
	}
	entry["modules"] = modules
	return []sif.Entry{entry}
}

func buildCommandResultEntry(root map[string]interface{}) sif.Entry {
	entry := sif.Entry{}
	if color, ok := root["color"]; ok {
		entry["colorName"] = color
	}
	if code, ok := root["code"]; ok {
		entry["colorCode"] = code
	}
	if result, ok := root["result"]; ok {
		entry["result"] = result
	}
	return entry
}

func moduleIndexOf(block map[string]interface{}) int {
	if v, ok := block["module_index"]; ok {
		return intOf(v)
	}
	return intOf(block["host_gateway_port_index"])
}

func moduleIDOf(block map[string]interface{}) string {
	if v, ok := block["module_sn"].(string); ok && v != "" {
		return v
	}
	if v, ok := block["extend_module_sn"].(string); ok {
		return v
	}
	return ""
}

func intOf(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func floatOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func stringify(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%v", n)
	default:
		return fmt.Sprintf("%v", n)
	}
}
