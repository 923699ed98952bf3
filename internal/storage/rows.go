package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
)

// Row types mirror the iot_* table columns from spec §6. Each row
// carries its own parse_at; update_at is left to the column default.

type metaDataRow struct {
	DeviceID      string
	DeviceType    string
	DeviceFwVer   string
	DeviceMask    string
	DeviceGwIP    string
	DeviceIP      string
	DeviceMAC     string
	ActiveModules string // JSON
	ParseAt       time.Time
}

type tempHumRow struct {
	DeviceID    string
	ModuleIndex int
	MessageID   string
	Temp        [6]*float64 // index10..15
	Hum         [6]*float64
	ParseAt     time.Time
}

type noiseLevelRow struct {
	DeviceID    string
	ModuleIndex int
	MessageID   string
	Noise       [3]*float64 // index16..18
	ParseAt     time.Time
}

type rfidEventRow struct {
	DeviceID    string
	ModuleIndex int
	MessageID   string
	SensorIndex int
	TagID       string
	Action      string
	Alarm       bool
	ParseAt     time.Time
}

type rfidSnapshotRow struct {
	DeviceID     string
	ModuleIndex  int
	MessageID    string
	RFIDSnapshot string // JSON
	ParseAt      time.Time
}

type doorEventRow struct {
	DeviceID    string
	ModuleIndex int
	MessageID   string
	DoorState   *int
	Door1State  *int
	Door2State  *int
	ParseAt     time.Time
}

type heartbeatRow struct {
	DeviceID      string
	MessageID     string
	ActiveModules string // JSON
	ParseAt       time.Time
}

type cmdResultRow struct {
	DeviceID    string
	MessageID   string
	Cmd         string
	Result      string
	OriginalReq string
	ColorMap    string // JSON, empty if absent
	ParseAt     time.Time
}

type topchangeEventRow struct {
	DeviceID   string
	DeviceType string
	MessageID  string
	EventDesc  string
	ParseAt    time.Time
}

const (
	tableMetaData       = "iot_meta_data"
	tableTempHum        = "iot_temp_hum"
	tableNoiseLevel     = "iot_noise_level"
	tableRFIDEvent      = "iot_rfid_event"
	tableRFIDSnapshot   = "iot_rfid_snapshot"
	tableDoorEvent      = "iot_door_event"
	tableHeartbeat      = "iot_heartbeat"
	tableCmdResult      = "iot_cmd_result"
	tableTopchangeEvent = "iot_topchange_event"
)

// routeRow implements the Routing and transforms table of spec §4.6:
// it maps one normalized SUO onto zero or more destination table rows.
// A SUO with no route returns ("", nil, nil) — the caller drops it
// without logging; only a SUO whose shape is unexpectedly malformed
// returns an error, which the caller logs before dropping it.
func routeRow(s *suo.SUO) (string, []interface{}, error) {
	parseAt := s.ParsedAt
	if parseAt.IsZero() {
		parseAt = time.Now()
	}

	switch s.MessageType {
	case sif.DeviceMetadata:
		row, err := routeMetaData(s, parseAt)
		if err != nil {
			return "", nil, err
		}
		return tableMetaData, []interface{}{row}, nil
	case sif.HeartBeat:
		row, err := routeHeartbeat(s, parseAt)
		if err != nil {
			return "", nil, err
		}
		return tableHeartbeat, []interface{}{row}, nil
	case sif.RFIDSnapshot:
		row, err := routeRFIDSnapshot(s, parseAt)
		if err != nil {
			return "", nil, err
		}
		return tableRFIDSnapshot, []interface{}{row}, nil
	case sif.RFIDEvent:
		return tableRFIDEvent, toInterfaces(routeRFIDEvent(s, parseAt)), nil
	case sif.TempHum:
		return tableTempHum, []interface{}{routeTempHum(s, parseAt)}, nil
	case sif.NoiseLevel:
		return tableNoiseLevel, []interface{}{routeNoise(s, parseAt)}, nil
	case sif.DoorState, sif.QryDoorStateResp:
		return tableDoorEvent, []interface{}{routeDoorState(s, parseAt)}, nil
	case sif.QryClrResp, sif.SetClrResp, sif.ClnAlmResp:
		return tableCmdResult, []interface{}{routeCmdResult(s, parseAt)}, nil
	case sif.MetaChangedEvent:
		return tableTopchangeEvent, toInterfaces(routeTopchangeEvent(s, parseAt)), nil
	default:
		return "", nil, nil
	}
}

func toInterfaces[T any](items []T) []interface{} {
	out := make([]interface{}, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

func routeMetaData(s *suo.SUO, parseAt time.Time) (*metaDataRow, error) {
	if len(s.Payload) == 0 {
		return nil, fmt.Errorf("DEVICE_METADATA with empty payload")
	}
	p, _ := s.Payload[0].(map[string]interface{})
	activeModules, err := json.Marshal(p["activeModules"])
	if err != nil {
		return nil, fmt.Errorf("marshal activeModules: %w", err)
	}
	return &metaDataRow{
		DeviceID:      s.DeviceID,
		DeviceType:    string(s.DeviceType),
		DeviceFwVer:   str(p["fwVer"]),
		DeviceMask:    str(p["mask"]),
		DeviceGwIP:    str(p["gwIp"]),
		DeviceIP:      str(p["ip"]),
		DeviceMAC:     str(p["mac"]),
		ActiveModules: string(activeModules),
		ParseAt:       parseAt,
	}, nil
}

func routeHeartbeat(s *suo.SUO, parseAt time.Time) (*heartbeatRow, error) {
	if len(s.Payload) == 0 {
		return nil, fmt.Errorf("HEARTBEAT with empty payload")
	}
	p, _ := s.Payload[0].(map[string]interface{})
	modules, ok := p["activeModules"]
	if !ok {
		// The Normalizer's HEARTBEAT payload is the module list itself.
		modules = s.Payload
	}
	activeModules, err := json.Marshal(modules)
	if err != nil {
		return nil, fmt.Errorf("marshal activeModules: %w", err)
	}
	return &heartbeatRow{
		DeviceID:      s.DeviceID,
		MessageID:     s.MessageID,
		ActiveModules: string(activeModules),
		ParseAt:       parseAt,
	}, nil
}

func routeRFIDSnapshot(s *suo.SUO, parseAt time.Time) (*rfidSnapshotRow, error) {
	snapshot, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rfidSnapshot: %w", err)
	}
	return &rfidSnapshotRow{
		DeviceID:     s.DeviceID,
		ModuleIndex:  moduleIndexOf(s),
		MessageID:    s.MessageID,
		RFIDSnapshot: string(snapshot),
		ParseAt:      parseAt,
	}, nil
}

// routeRFIDEvent emits one row per payload entry, per spec §4.6.
// Multiple rows for one SUO are flattened by the caller into separate
// appendRow calls (see Writer.handle for the one-row case; a SUO can
// legitimately carry several diff entries for one RFID_SNAPSHOT).
func routeRFIDEvent(s *suo.SUO, parseAt time.Time) []*rfidEventRow {
	rows := make([]*rfidEventRow, 0, len(s.Payload))
	for _, raw := range s.Payload {
		p, _ := raw.(map[string]interface{})
		rows = append(rows, &rfidEventRow{
			DeviceID:    s.DeviceID,
			ModuleIndex: moduleIndexOf(s),
			MessageID:   s.MessageID,
			SensorIndex: intOf(p["sensorIndex"]),
			TagID:       str(p["tagId"]),
			Action:      str(p["action"]),
			Alarm:       str(p["action"]) == suo.AlarmOn,
			ParseAt:     parseAt,
		})
	}
	return rows
}

func routeTempHum(s *suo.SUO, parseAt time.Time) *tempHumRow {
	row := &tempHumRow{DeviceID: s.DeviceID, ModuleIndex: moduleIndexOf(s), MessageID: s.MessageID, ParseAt: parseAt}
	for _, raw := range s.Payload {
		p, _ := raw.(map[string]interface{})
		idx := intOf(p["sensorIndex"])
		if idx < 10 || idx > 15 {
			continue
		}
		temp := floatOf(p["temp"])
		hum := floatOf(p["hum"])
		row.Temp[idx-10] = &temp
		row.Hum[idx-10] = &hum
	}
	return row
}

func routeNoise(s *suo.SUO, parseAt time.Time) *noiseLevelRow {
	row := &noiseLevelRow{DeviceID: s.DeviceID, ModuleIndex: moduleIndexOf(s), MessageID: s.MessageID, ParseAt: parseAt}
	for _, raw := range s.Payload {
		p, _ := raw.(map[string]interface{})
		idx := intOf(p["sensorIndex"])
		if idx < 16 || idx > 18 {
			continue
		}
		noise := floatOf(p["noise"])
		row.Noise[idx-16] = &noise
	}
	return row
}

func routeDoorState(s *suo.SUO, parseAt time.Time) *doorEventRow {
	row := &doorEventRow{DeviceID: s.DeviceID, ModuleIndex: moduleIndexOf(s), MessageID: s.MessageID, ParseAt: parseAt}
	if len(s.Payload) == 0 {
		return row
	}
	p, _ := s.Payload[0].(map[string]interface{})
	if v, ok := p["doorState"]; ok {
		i := intOf(v)
		row.DoorState = &i
	}
	if v, ok := p["door1State"]; ok {
		i := intOf(v)
		row.Door1State = &i
	}
	if v, ok := p["door2State"]; ok {
		i := intOf(v)
		row.Door2State = &i
	}
	return row
}

func routeCmdResult(s *suo.SUO, parseAt time.Time) *cmdResultRow {
	row := &cmdResultRow{DeviceID: s.DeviceID, MessageID: s.MessageID, Cmd: string(s.MessageType), ParseAt: parseAt}
	if len(s.Payload) == 0 {
		return row
	}
	p, _ := s.Payload[0].(map[string]interface{})
	row.Result = str(p["result"])
	if v, ok := p["originalReq"]; ok {
		if b, err := json.Marshal(v); err == nil {
			row.OriginalReq = string(b)
		}
	}
	if v, ok := p["colorMap"]; ok {
		if b, err := json.Marshal(v); err == nil {
			row.ColorMap = string(b)
		}
	}
	return row
}

func routeTopchangeEvent(s *suo.SUO, parseAt time.Time) []*topchangeEventRow {
	rows := make([]*topchangeEventRow, 0, len(s.Payload))
	for _, raw := range s.Payload {
		desc, _ := raw.(string)
		rows = append(rows, &topchangeEventRow{
			DeviceID:   s.DeviceID,
			DeviceType: string(s.DeviceType),
			MessageID:  s.MessageID,
			EventDesc:  desc,
			ParseAt:    parseAt,
		})
	}
	return rows
}

func moduleIndexOf(s *suo.SUO) int {
	if s.ModuleIndex == nil {
		return 0
	}
	return *s.ModuleIndex
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func intOf(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func floatOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
