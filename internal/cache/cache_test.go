package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetTelemetry_MissingReturnsFalse(t *testing.T) {
	c := New()
	_, ok := c.GetTelemetry("DEV001", 0)
	require.False(t, ok)
}

func TestPutThenGetTelemetry_RoundTrips(t *testing.T) {
	c := New()
	door := 1
	c.PutTelemetry("DEV001", 0, TelemetryEntry{DoorState: &door, IsOnline: true})

	got, ok := c.GetTelemetry("DEV001", 0)
	require.True(t, ok)
	require.True(t, got.IsOnline)
	require.NotNil(t, got.DoorState)
	require.Equal(t, 1, *got.DoorState)
}

func TestGetTelemetry_ReturnsIndependentCopy(t *testing.T) {
	c := New()
	door := 1
	c.PutTelemetry("DEV001", 0, TelemetryEntry{DoorState: &door})

	got, _ := c.GetTelemetry("DEV001", 0)
	*got.DoorState = 99

	got2, _ := c.GetTelemetry("DEV001", 0)
	require.Equal(t, 1, *got2.DoorState, "mutating a returned clone must not affect the stored entry")
}

func TestPutThenGetMetadata_RoundTrips(t *testing.T) {
	c := New()
	c.PutMetadata("DEV001", MetadataEntry{DeviceType: "v5008", ActiveModules: []ActiveModule{{ModuleIndex: 1}}})

	got, ok := c.GetMetadata("DEV001")
	require.True(t, ok)
	require.Equal(t, "v5008", got.DeviceType)
	require.Len(t, got.ActiveModules, 1)
}

func TestNextMessageID_MonotonicallyIncreases(t *testing.T) {
	c := New()
	a := c.NextMessageID()
	b := c.NextMessageID()
	require.Greater(t, b, a)
}

func TestLock_SerializesPerDevice(t *testing.T) {
	c := New()
	unlock := c.Lock("DEV001")
	done := make(chan struct{})
	go func() {
		unlock2 := c.Lock("DEV001")
		unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock returned before first was released")
	default:
	}
	unlock()
	<-done
}

func TestTelemetryDevices_ListsEveryCachedKey(t *testing.T) {
	c := New()
	c.PutTelemetry("DEV001", 0, TelemetryEntry{})
	c.PutTelemetry("DEV001", 1, TelemetryEntry{})
	c.PutTelemetry("DEV002", 0, TelemetryEntry{})

	devices := c.TelemetryDevices()
	require.Len(t, devices, 3)
}

func TestSize_ReflectsPuts(t *testing.T) {
	c := New()
	tel, meta := c.Size()
	require.Zero(t, tel)
	require.Zero(t, meta)

	c.PutTelemetry("DEV001", 0, TelemetryEntry{})
	c.PutMetadata("DEV001", MetadataEntry{})

	tel, meta = c.Size()
	require.Equal(t, 1, tel)
	require.Equal(t, 1, meta)
}

func TestClone_TelemetryEntry_DeepCopiesSlicesAndPointers(t *testing.T) {
	door := 5
	e := TelemetryEntry{
		TempHum:  []TempHumReading{{SensorIndex: 1, Temp: 20}},
		DoorState: &door,
	}
	clone := e.Clone()
	clone.TempHum[0].Temp = 99
	*clone.DoorState = 100

	require.Equal(t, float64(20), e.TempHum[0].Temp)
	require.Equal(t, 5, *e.DoorState)
}
