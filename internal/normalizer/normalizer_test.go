package normalizer

import (
	"testing"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
	"github.com/stretchr/testify/require"
)

func idx(i int) *int { return &i }

func TestHandle_TempHum_UpdatesCacheAndPublishesSUO(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()

	var got *suo.SUO
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		got = msg.(*suo.SUO)
		return nil
	})

	s := &sif.SIF{
		DeviceID:    "DEV001",
		DeviceType:  sif.FamilyV5008,
		MessageType: sif.TempHum,
		MessageID:   "1",
		ModuleIndex: idx(2),
		Data:        []sif.Entry{{"thIndex": 1, "temp": 21.5, "hum": 40.0}},
	}
	b.Publish(bus.TopicDataParsed, s)

	require.NotNil(t, got)
	require.Equal(t, sif.TempHum, got.MessageType)
	require.Equal(t, "DEV001", got.DeviceID)
	require.NotNil(t, got.ModuleIndex)
	require.Equal(t, 2, *got.ModuleIndex)

	entry, ok := c.GetTelemetry("DEV001", 2)
	require.True(t, ok)
	require.Len(t, entry.TempHum, 1)
	require.Equal(t, 21.5, entry.TempHum[0].Temp)
}

func TestHandle_Heartbeat_MarksDeviceOnline(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()

	s := &sif.SIF{
		DeviceID:    "DEV002",
		DeviceType:  sif.FamilyV6800,
		MessageType: sif.HeartBeat,
		MessageID:   "1",
		Data:        []sif.Entry{{"moduleIndex": 0, "moduleId": "M0", "uTotal": 4}},
	}
	b.Publish(bus.TopicDataParsed, s)

	entry, ok := c.GetTelemetry("DEV002", 0)
	require.True(t, ok)
	require.True(t, entry.IsOnline)
}

func TestHandle_HeartbeatRevivingOfflineDevice_EmitsOneDeviceMetadataOnline(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()

	first := &sif.SIF{
		DeviceID: "DEV020", DeviceType: sif.FamilyV6800, MessageType: sif.HeartBeat, MessageID: "1",
		Data: []sif.Entry{{"moduleIndex": 0, "moduleId": "M0", "uTotal": 4}},
	}
	b.Publish(bus.TopicDataParsed, first)

	entry, ok := c.GetTelemetry("DEV020", 0)
	require.True(t, ok)
	entry.IsOnline = false
	c.PutTelemetry("DEV020", 0, entry)

	var metadataSUOs []*suo.SUO
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		if o := msg.(*suo.SUO); o.MessageType == sif.DeviceMetadata {
			metadataSUOs = append(metadataSUOs, o)
		}
		return nil
	})

	revive := &sif.SIF{
		DeviceID: "DEV020", DeviceType: sif.FamilyV6800, MessageType: sif.HeartBeat, MessageID: "2",
		Data: []sif.Entry{{"moduleIndex": 0, "moduleId": "M0", "uTotal": 4}},
	}
	b.Publish(bus.TopicDataParsed, revive)

	require.Len(t, metadataSUOs, 1, "reviving an offline device must emit exactly one DEVICE_METADATA SUO")
	payload, ok := metadataSUOs[0].Payload[0].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, payload["isOnline"])

	after, ok := c.GetTelemetry("DEV020", 0)
	require.True(t, ok)
	require.True(t, after.IsOnline)
}

func TestHandle_HeartbeatAlreadyOnline_NeverEmitsDeviceMetadata(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()

	s := &sif.SIF{
		DeviceID: "DEV021", DeviceType: sif.FamilyV6800, MessageType: sif.HeartBeat, MessageID: "1",
		Data: []sif.Entry{{"moduleIndex": 0, "moduleId": "M0", "uTotal": 4}},
	}
	b.Publish(bus.TopicDataParsed, s)

	var sawMetadata bool
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		if o := msg.(*suo.SUO); o.MessageType == sif.DeviceMetadata {
			sawMetadata = true
		}
		return nil
	})

	again := &sif.SIF{
		DeviceID: "DEV021", DeviceType: sif.FamilyV6800, MessageType: sif.HeartBeat, MessageID: "2",
		Data: []sif.Entry{{"moduleIndex": 0, "moduleId": "M0", "uTotal": 4}},
	}
	b.Publish(bus.TopicDataParsed, again)

	require.False(t, sawMetadata, "a heartbeat from a device that was already online must not emit DEVICE_METADATA")
}

func TestHandle_AssignsMessageIDWhenMissing(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()

	var got *suo.SUO
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		got = msg.(*suo.SUO)
		return nil
	})

	s := &sif.SIF{
		DeviceID:    "DEV003",
		DeviceType:  sif.FamilyV5008,
		MessageType: sif.NoiseLevel,
		ModuleIndex: idx(0),
		Data:        []sif.Entry{{"nsIndex": 1, "noise": 12.3}},
	}
	b.Publish(bus.TopicDataParsed, s)

	require.NotNil(t, got)
	require.NotEmpty(t, got.MessageID)
}

func TestHandle_IgnoresNonSIFMessage(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()
	require.NotPanics(t, func() { b.Publish(bus.TopicDataParsed, "not a sif") })
}

func TestHandle_NilDedupeGuardNeverDropsMessages(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()

	count := 0
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		count++
		return nil
	})

	s := &sif.SIF{DeviceID: "DEV004", MessageType: sif.NoiseLevel, MessageID: "1", ModuleIndex: idx(0), Data: []sif.Entry{{"nsIndex": 1, "noise": 1.0}}}
	b.Publish(bus.TopicDataParsed, s)
	b.Publish(bus.TopicDataParsed, s)
	require.Equal(t, 2, count)
}
