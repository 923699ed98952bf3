package watchdog

import (
	"testing"
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
	"github.com/stretchr/testify/require"
)

func TestCheckDevice_FlipsOfflineAfterThreshold(t *testing.T) {
	c := cache.New()
	b := bus.New()
	w := New(c, b, Options{ScanInterval: time.Hour, OfflineThreshold: 50 * time.Millisecond})

	c.PutTelemetry("DEV001", 0, cache.TelemetryEntry{IsOnline: true, LastSeenHB: time.Now().Add(-time.Second)})

	var got *suo.SUO
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		got = msg.(*suo.SUO)
		return nil
	})

	w.checkDevice("DEV001", 0, time.Now())

	entry, ok := c.GetTelemetry("DEV001", 0)
	require.True(t, ok)
	require.False(t, entry.IsOnline)

	require.NotNil(t, got)
	require.Equal(t, sif.DeviceMetadata, got.MessageType)
	require.Equal(t, "DEV001", got.DeviceID)
}

func TestCheckDevice_SkipsWhenWithinThreshold(t *testing.T) {
	c := cache.New()
	b := bus.New()
	w := New(c, b, Options{OfflineThreshold: time.Minute})

	c.PutTelemetry("DEV001", 0, cache.TelemetryEntry{IsOnline: true, LastSeenHB: time.Now()})

	called := false
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		called = true
		return nil
	})

	w.checkDevice("DEV001", 0, time.Now())

	entry, _ := c.GetTelemetry("DEV001", 0)
	require.True(t, entry.IsOnline)
	require.False(t, called, "no SUO should be emitted when the device is still within the offline threshold")
}

func TestCheckDevice_SkipsAlreadyOfflineDevice(t *testing.T) {
	c := cache.New()
	b := bus.New()
	w := New(c, b, Options{OfflineThreshold: time.Millisecond})

	c.PutTelemetry("DEV001", 0, cache.TelemetryEntry{IsOnline: false, LastSeenHB: time.Now().Add(-time.Hour)})

	called := false
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		called = true
		return nil
	})

	w.checkDevice("DEV001", 0, time.Now())
	require.False(t, called, "a device already marked offline must not re-emit on every scan")
}

func TestCheckDevice_SkipsUnknownDevice(t *testing.T) {
	c := cache.New()
	b := bus.New()
	w := New(c, b, DefaultOptions())

	// No telemetry entry exists for this device; must be a no-op.
	w.checkDevice("GHOST", 0, time.Now())
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	require.Equal(t, DefaultScanInterval, opts.ScanInterval)
	require.Equal(t, DefaultOfflineThreshold, opts.OfflineThreshold)
}

func TestNew_AppliesDefaultsForZeroOptions(t *testing.T) {
	w := New(cache.New(), bus.New(), Options{})
	require.Equal(t, DefaultScanInterval, w.opts.ScanInterval)
	require.Equal(t, DefaultOfflineThreshold, w.opts.OfflineThreshold)
}
