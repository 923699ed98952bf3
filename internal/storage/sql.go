package storage

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// writeRows writes one table's batch as a single multi-row statement,
// per spec §4.6's "single multi-row insert or upsert per table". The
// upsert branch (iot_meta_data) picks MySQL vs. SQLite conflict syntax
// from the driver name, since the two backends disagree on it.
func writeRows(db *sqlx.DB, table string, rows []interface{}) error {
	switch table {
	case tableMetaData:
		return upsertMetaData(db, rowsAs[*metaDataRow](rows))
	case tableTempHum:
		return insertTempHum(db, rowsAs[*tempHumRow](rows))
	case tableNoiseLevel:
		return insertNoiseLevel(db, rowsAs[*noiseLevelRow](rows))
	case tableRFIDEvent:
		return insertRFIDEvent(db, rowsAs[*rfidEventRow](rows))
	case tableRFIDSnapshot:
		return insertRFIDSnapshot(db, rowsAs[*rfidSnapshotRow](rows))
	case tableDoorEvent:
		return insertDoorEvent(db, rowsAs[*doorEventRow](rows))
	case tableHeartbeat:
		return insertHeartbeat(db, rowsAs[*heartbeatRow](rows))
	case tableCmdResult:
		return insertCmdResult(db, rowsAs[*cmdResultRow](rows))
	case tableTopchangeEvent:
		return insertTopchangeEvent(db, rowsAs[*topchangeEventRow](rows))
	default:
		return fmt.Errorf("no writer for table %q", table)
	}
}

func rowsAs[T any](rows []interface{}) []T {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// multiInsert builds "INSERT INTO table (cols) VALUES (?,?),(?,?),..."
// from a row-builder that appends one row's args per call, and
// executes it in a single statement.
func multiInsert(db *sqlx.DB, table string, cols []string, n int, argsFor func(i int) []interface{}) error {
	if n == 0 {
		return nil
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	values := strings.TrimSuffix(strings.Repeat(placeholder+",", n), ",")

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(cols, ", "), values)

	args := make([]interface{}, 0, n*len(cols))
	for i := 0; i < n; i++ {
		args = append(args, argsFor(i)...)
	}

	_, err := db.Exec(query, args...)
	return err
}

func upsertMetaData(db *sqlx.DB, rows []*metaDataRow) error {
	cols := []string{"device_id", "device_type", "device_fwVer", "device_mask", "device_gwIp", "device_ip", "device_mac", "active_modules", "parse_at"}

	var conflictClause string
	switch db.DriverName() {
	case "mysql":
		conflictClause = ` ON DUPLICATE KEY UPDATE
			device_type=VALUES(device_type), device_fwVer=VALUES(device_fwVer),
			device_mask=VALUES(device_mask), device_gwIp=VALUES(device_gwIp),
			device_ip=VALUES(device_ip), device_mac=VALUES(device_mac),
			active_modules=VALUES(active_modules), parse_at=VALUES(parse_at),
			update_at=CURRENT_TIMESTAMP`
	default: // sqlite3
		conflictClause = ` ON CONFLICT(device_id) DO UPDATE SET
			device_type=excluded.device_type, device_fwVer=excluded.device_fwVer,
			device_mask=excluded.device_mask, device_gwIp=excluded.device_gwIp,
			device_ip=excluded.device_ip, device_mac=excluded.device_mac,
			active_modules=excluded.active_modules, parse_at=excluded.parse_at,
			update_at=CURRENT_TIMESTAMP`
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	values := strings.TrimSuffix(strings.Repeat(placeholder+",", len(rows)), ",")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s%s", tableMetaData, strings.Join(cols, ", "), values, conflictClause)

	args := make([]interface{}, 0, len(rows)*len(cols))
	for _, r := range rows {
		args = append(args, r.DeviceID, r.DeviceType, r.DeviceFwVer, r.DeviceMask, r.DeviceGwIP, r.DeviceIP, r.DeviceMAC, r.ActiveModules, r.ParseAt)
	}

	_, err := db.Exec(query, args...)
	return err
}

func insertTempHum(db *sqlx.DB, rows []*tempHumRow) error {
	cols := []string{"device_id", "module_index", "message_id",
		"temp_index10", "hum_index10", "temp_index11", "hum_index11",
		"temp_index12", "hum_index12", "temp_index13", "hum_index13",
		"temp_index14", "hum_index14", "temp_index15", "hum_index15", "parse_at"}
	return multiInsert(db, tableTempHum, cols, len(rows), func(i int) []interface{} {
		r := rows[i]
		return []interface{}{
			r.DeviceID, r.ModuleIndex, r.MessageID,
			r.Temp[0], r.Hum[0], r.Temp[1], r.Hum[1],
			r.Temp[2], r.Hum[2], r.Temp[3], r.Hum[3],
			r.Temp[4], r.Hum[4], r.Temp[5], r.Hum[5], r.ParseAt,
		}
	})
}

func insertNoiseLevel(db *sqlx.DB, rows []*noiseLevelRow) error {
	cols := []string{"device_id", "module_index", "message_id", "noise_index16", "noise_index17", "noise_index18", "parse_at"}
	return multiInsert(db, tableNoiseLevel, cols, len(rows), func(i int) []interface{} {
		r := rows[i]
		return []interface{}{r.DeviceID, r.ModuleIndex, r.MessageID, r.Noise[0], r.Noise[1], r.Noise[2], r.ParseAt}
	})
}

func insertRFIDEvent(db *sqlx.DB, rows []*rfidEventRow) error {
	cols := []string{"device_id", "module_index", "message_id", "sensor_index", "tag_id", "action", "alarm", "parse_at"}
	return multiInsert(db, tableRFIDEvent, cols, len(rows), func(i int) []interface{} {
		r := rows[i]
		return []interface{}{r.DeviceID, r.ModuleIndex, r.MessageID, r.SensorIndex, r.TagID, r.Action, r.Alarm, r.ParseAt}
	})
}

func insertRFIDSnapshot(db *sqlx.DB, rows []*rfidSnapshotRow) error {
	cols := []string{"device_id", "module_index", "message_id", "rfid_snapshot", "parse_at"}
	return multiInsert(db, tableRFIDSnapshot, cols, len(rows), func(i int) []interface{} {
		r := rows[i]
		return []interface{}{r.DeviceID, r.ModuleIndex, r.MessageID, r.RFIDSnapshot, r.ParseAt}
	})
}

func insertDoorEvent(db *sqlx.DB, rows []*doorEventRow) error {
	cols := []string{"device_id", "module_index", "message_id", "doorState", "door1State", "door2State", "parse_at"}
	return multiInsert(db, tableDoorEvent, cols, len(rows), func(i int) []interface{} {
		r := rows[i]
		return []interface{}{r.DeviceID, r.ModuleIndex, r.MessageID, r.DoorState, r.Door1State, r.Door2State, r.ParseAt}
	})
}

func insertHeartbeat(db *sqlx.DB, rows []*heartbeatRow) error {
	cols := []string{"device_id", "message_id", "active_modules", "parse_at"}
	return multiInsert(db, tableHeartbeat, cols, len(rows), func(i int) []interface{} {
		r := rows[i]
		return []interface{}{r.DeviceID, r.MessageID, r.ActiveModules, r.ParseAt}
	})
}

func insertCmdResult(db *sqlx.DB, rows []*cmdResultRow) error {
	cols := []string{"device_id", "message_id", "cmd", "result", "original_req", "color_map", "parse_at"}
	return multiInsert(db, tableCmdResult, cols, len(rows), func(i int) []interface{} {
		r := rows[i]
		return []interface{}{r.DeviceID, r.MessageID, r.Cmd, r.Result, r.OriginalReq, r.ColorMap, r.ParseAt}
	})
}

func insertTopchangeEvent(db *sqlx.DB, rows []*topchangeEventRow) error {
	cols := []string{"device_id", "device_type", "message_id", "event_desc", "parse_at"}
	return multiInsert(db, tableTopchangeEvent, cols, len(rows), func(i int) []interface{} {
		r := rows[i]
		return []interface{}{r.DeviceID, r.DeviceType, r.MessageID, r.EventDesc, r.ParseAt}
	})
}
