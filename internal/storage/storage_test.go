package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/metrics"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*Writer, *bus.Bus) {
	t.Helper()
	db, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	b := bus.New()
	opts := DefaultOptions()
	opts.FlushInterval = time.Hour // disable periodic flush; tests flush manually
	w := New(db, opts, b, metrics.New(), nil)
	return w, b
}

func TestRouteRow_TempHumPivot(t *testing.T) {
	o := suo.New(sif.TempHum, "DEV001", sif.FamilyV5008, "1", []interface{}{
		map[string]interface{}{"sensorIndex": 10, "temp": 25.5, "hum": 40.0},
		map[string]interface{}{"sensorIndex": 12, "temp": 26.0, "hum": 42.0},
		map[string]interface{}{"sensorIndex": 14, "temp": 24.8, "hum": 38.0},
	}).WithModule(1, "MOD_A")

	table, rows, err := routeRow(o)
	require.NoError(t, err)
	require.Equal(t, tableTempHum, table)
	require.Len(t, rows, 1)

	row := rows[0].(*tempHumRow)
	require.NotNil(t, row.Temp[0])
	require.Equal(t, 25.5, *row.Temp[0])
	require.NotNil(t, row.Temp[2])
	require.Equal(t, 26.0, *row.Temp[2])
	require.NotNil(t, row.Temp[4])
	require.Equal(t, 24.8, *row.Temp[4])
	require.Nil(t, row.Temp[1])
	require.Nil(t, row.Temp[3])
	require.Nil(t, row.Temp[5])
}

func TestRouteRow_RFIDEventOneRowPerEntry(t *testing.T) {
	o := suo.New(sif.RFIDEvent, "DEV001", sif.FamilyV6800, "1", []interface{}{
		map[string]interface{}{"sensorIndex": 3, "tagId": "T42", "action": suo.Attached},
		map[string]interface{}{"sensorIndex": 5, "tagId": "T99", "action": suo.Detached},
	}).WithModule(1, "MOD_A")

	table, rows, err := routeRow(o)
	require.NoError(t, err)
	require.Equal(t, tableRFIDEvent, table)
	require.Len(t, rows, 2)
}

func TestRouteRow_UnroutedTypeDropsSilently(t *testing.T) {
	o := suo.New(sif.Unknown, "DEV001", sif.FamilyV5008, "1", []interface{}{map[string]interface{}{}})
	table, rows, err := routeRow(o)
	require.NoError(t, err)
	require.Empty(t, table)
	require.Empty(t, rows)
}

func TestWriter_FlushPersistsRows(t *testing.T) {
	w, b := newTestWriter(t)
	w.Start()

	o := suo.New(sif.HeartBeat, "DEV001", sif.FamilyV5008, "1", []interface{}{
		map[string]interface{}{"activeModules": []interface{}{map[string]interface{}{"moduleIndex": 1}}},
	})
	b.Publish(bus.TopicDataNormalized, o)

	require.Equal(t, 1, w.PendingRows())
	require.NoError(t, w.flushAll())
	require.Equal(t, 0, w.PendingRows())

	var count int
	require.NoError(t, w.db.Get(&count, "SELECT COUNT(*) FROM iot_heartbeat"))
	require.Equal(t, 1, count)
}

func TestWriter_SizeTriggeredFlush(t *testing.T) {
	w, b := newTestWriter(t)
	w.opts.BatchSize = 2
	w.Start()

	for i := 0; i < 2; i++ {
		o := suo.New(sif.NoiseLevel, "DEV001", sif.FamilyV5008, "1", []interface{}{
			map[string]interface{}{"sensorIndex": 16, "noise": 50.0},
		}).WithModule(1, "MOD_A")
		b.Publish(bus.TopicDataNormalized, o)
	}

	deadline := time.Now().Add(time.Second)
	for w.PendingRows() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, w.PendingRows())
}

func TestWriter_FailedFlushRetainsBuffer(t *testing.T) {
	w, b := newTestWriter(t)
	w.Start()
	w.db.Close() // force every flush to fail

	o := suo.New(sif.HeartBeat, "DEV001", sif.FamilyV5008, "1", []interface{}{
		map[string]interface{}{"activeModules": []interface{}{}},
	})
	b.Publish(bus.TopicDataNormalized, o)

	require.Error(t, w.flushAll())
	require.Equal(t, 1, w.PendingRows(), "row should remain buffered after a failed flush")
}

func TestWriter_MetaDataUpsert(t *testing.T) {
	w, _ := newTestWriter(t)

	first := suo.New(sif.DeviceMetadata, "DEV001", sif.FamilyV5008, "1", []interface{}{
		map[string]interface{}{"ip": "192.168.0.10", "activeModules": []interface{}{}},
	})
	table, rows, err := routeRow(first)
	require.NoError(t, err)
	require.NoError(t, writeRows(w.db, table, rows))

	second := suo.New(sif.DeviceMetadata, "DEV001", sif.FamilyV5008, "2", []interface{}{
		map[string]interface{}{"ip": "192.168.0.11", "activeModules": []interface{}{}},
	})
	table, rows, err = routeRow(second)
	require.NoError(t, err)
	require.NoError(t, writeRows(w.db, table, rows))

	var count int
	require.NoError(t, w.db.Get(&count, "SELECT COUNT(*) FROM iot_meta_data"))
	require.Equal(t, 1, count, "upsert should not create a second row for the same device_id")

	var ip string
	require.NoError(t, w.db.Get(&ip, "SELECT device_ip FROM iot_meta_data WHERE device_id = ?", "DEV001"))
	require.Equal(t, "192.168.0.11", ip)
}

func TestWriter_Shutdown(t *testing.T) {
	w, b := newTestWriter(t)
	w.Start()

	o := suo.New(sif.NoiseLevel, "DEV001", sif.FamilyV5008, "1", []interface{}{
		map[string]interface{}{"sensorIndex": 16, "noise": 50.0},
	}).WithModule(1, "MOD_A")
	b.Publish(bus.TopicDataNormalized, o)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))
	require.Equal(t, 0, w.PendingRows())
}

func TestRouteRow_RFIDSnapshotSerializesArray(t *testing.T) {
	o := suo.New(sif.RFIDSnapshot, "DEV001", sif.FamilyV6800, "1", []interface{}{
		map[string]interface{}{"sensorIndex": 3, "tagId": "T42", "isAlarm": false},
	}).WithModule(1, "MOD_A")

	_, rows, err := routeRow(o)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0].(*rfidSnapshotRow)
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(row.RFIDSnapshot), &decoded))
	require.Len(t, decoded, 1)
}
