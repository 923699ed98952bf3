package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaTemplate is the DDL for every iot_* table the writer depends
// on (spec §6), with %[1]s standing in for the driver-specific
// surrogate key clause Migrate fills in below — MySQL and SQLite
// disagree on auto-increment syntax the same way they disagree on
// upsert syntax in sql.go's upsertMetaData.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS iot_meta_data (
	device_id TEXT PRIMARY KEY,
	device_type TEXT,
	device_fwVer TEXT,
	device_mask TEXT,
	device_gwIp TEXT,
	device_ip TEXT,
	device_mac TEXT,
	active_modules TEXT,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS iot_temp_hum (
	id %[1]s,
	device_id TEXT,
	module_index INTEGER,
	message_id TEXT,
	temp_index10 REAL, hum_index10 REAL,
	temp_index11 REAL, hum_index11 REAL,
	temp_index12 REAL, hum_index12 REAL,
	temp_index13 REAL, hum_index13 REAL,
	temp_index14 REAL, hum_index14 REAL,
	temp_index15 REAL, hum_index15 REAL,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS iot_noise_level (
	id %[1]s,
	device_id TEXT,
	module_index INTEGER,
	message_id TEXT,
	noise_index16 REAL,
	noise_index17 REAL,
	noise_index18 REAL,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS iot_rfid_event (
	id %[1]s,
	device_id TEXT,
	module_index INTEGER,
	message_id TEXT,
	sensor_index INTEGER,
	tag_id TEXT,
	action TEXT,
	alarm INTEGER,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS iot_rfid_snapshot (
	id %[1]s,
	device_id TEXT,
	module_index INTEGER,
	message_id TEXT,
	rfid_snapshot TEXT,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS iot_door_event (
	id %[1]s,
	device_id TEXT,
	module_index INTEGER,
	message_id TEXT,
	doorState INTEGER,
	door1State INTEGER,
	door2State INTEGER,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS iot_heartbeat (
	id %[1]s,
	device_id TEXT,
	message_id TEXT,
	active_modules TEXT,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS iot_cmd_result (
	id %[1]s,
	device_id TEXT,
	message_id TEXT,
	cmd TEXT,
	result TEXT,
	original_req TEXT,
	color_map TEXT,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS iot_topchange_event (
	id %[1]s,
	device_id TEXT,
	device_type TEXT,
	message_id TEXT,
	event_desc TEXT,
	parse_at DATETIME,
	update_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// mysqlSurrogateKey and sqliteSurrogateKey are the two backends'
// incompatible spellings of an auto-incrementing integer primary key.
const (
	mysqlSurrogateKey  = "INTEGER PRIMARY KEY AUTO_INCREMENT"
	sqliteSurrogateKey = "INTEGER PRIMARY KEY AUTOINCREMENT"
)

// Migrate applies the schema for db's driver. Safe to call repeatedly;
// every statement is CREATE TABLE IF NOT EXISTS.
func Migrate(db *sqlx.DB) error {
	key := sqliteSurrogateKey
	if db.DriverName() == "mysql" {
		key = mysqlSurrogateKey
	}
	_, err := db.Exec(fmt.Sprintf(schemaTemplate, key))
	return err
}
