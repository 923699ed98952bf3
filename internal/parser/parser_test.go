package parser

import (
	"testing"
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/stretchr/testify/require"
)

type stubParser struct {
	result *sif.SIF
}

func (s *stubParser) Parse(topic string, payload []byte) *sif.SIF { return s.result }

func TestManager_ParseRoutesByPrefix(t *testing.T) {
	m := NewManager()
	want := &sif.SIF{DeviceID: "DEV001"}
	m.Register("V5008Upload/", &stubParser{result: want})
	m.Register("V6800Upload/", &stubParser{result: nil})

	got := m.Parse("V5008Upload/DEV001/heartbeat", []byte("x"))
	require.Same(t, want, got)
}

func TestManager_ParseReturnsNilWhenNoPrefixMatches(t *testing.T) {
	m := NewManager()
	m.Register("V5008Upload/", &stubParser{result: &sif.SIF{}})
	require.Nil(t, m.Parse("Other/DEV001/x", []byte("x")))
}

func TestManager_StartPublishesParsedMessage(t *testing.T) {
	m := NewManager()
	want := &sif.SIF{DeviceID: "DEV001"}
	m.Register("V5008Upload/", &stubParser{result: want})
	b := bus.New()
	m.Start(b, nil)

	var got *sif.SIF
	b.Subscribe(bus.TopicDataParsed, func(msg interface{}) error {
		got = msg.(*sif.SIF)
		return nil
	})

	b.Publish(bus.TopicMQTTMessage, RawMessage{Topic: "V5008Upload/DEV001/heartbeat", Payload: []byte("x"), ReceivedAt: time.Now().UnixNano()})

	require.Same(t, want, got)
	require.False(t, got.ReceivedAt.IsZero())
}

func TestManager_StartDropsFailedParse(t *testing.T) {
	m := NewManager()
	m.Register("V5008Upload/", &stubParser{result: nil})
	b := bus.New()
	m.Start(b, nil)

	called := false
	b.Subscribe(bus.TopicDataParsed, func(msg interface{}) error {
		called = true
		return nil
	})

	b.Publish(bus.TopicMQTTMessage, RawMessage{Topic: "V5008Upload/DEV001/heartbeat", Payload: []byte("x")})
	require.False(t, called)
}
