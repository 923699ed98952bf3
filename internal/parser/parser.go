// Package parser defines the protocol-parser capability shared by the
// V5008 and V6800 implementations, and the Manager that routes raw
// ingress messages to the right one by topic prefix (spec §4.2, §9 —
// "model the parser as a capability... the normalizer treats all SIF
// uniformly").
package parser

import (
	"strings"
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/metrics"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"go.uber.org/zap"
)

// RawMessage is what Ingress publishes to mqtt.message: an
// unintepreted payload plus enough context to route and parse it.
type RawMessage struct {
	Topic     string
	Payload   []byte
	ReceivedAt int64 // unix nanos; kept as int64 to stay comparable/serializable
}

// Parser converts a raw wire message to SIF, or returns nil on any
// decode failure — it never panics or returns an error up through the
// bus (spec §4.3/§4.4: "any decode failure... is logged and yields
// null; never throw").
type Parser interface {
	Parse(topic string, payload []byte) *sif.SIF
}

// Manager dispatches a raw message to the parser registered for its
// topic's protocol-family prefix.
type Manager struct {
	byPrefix map[string]Parser
}

// NewManager builds a Manager with no parsers registered.
func NewManager() *Manager {
	return &Manager{byPrefix: make(map[string]Parser)}
}

// Register associates a topic prefix (e.g. "V5008Upload/") with a
// Parser implementation.
func (m *Manager) Register(topicPrefix string, p Parser) {
	m.byPrefix[topicPrefix] = p
}

// Parse finds the parser whose prefix matches topic and delegates to
// it. It returns nil if no parser matches — callers treat this the
// same as a parse failure.
func (m *Manager) Parse(topic string, payload []byte) *sif.SIF {
	for prefix, p := range m.byPrefix {
		if strings.HasPrefix(topic, prefix) {
			return p.Parse(topic, payload)
		}
	}
	return nil
}

// Start subscribes the Manager to mqtt.message and publishes the
// result of each successful parse to data.parsed, completing the
// Ingress → ParserManager leg of the control-flow pipeline (spec §2).
// Parsing never blocks, so this runs synchronously on the EventBus
// dispatch goroutine rather than through a WorkQueue.
func (m *Manager) Start(b *bus.Bus, met *metrics.Metrics) {
	log := logger.WithComponent("parser")
	b.Subscribe(bus.TopicMQTTMessage, func(msg interface{}) error {
		raw, ok := msg.(RawMessage)
		if !ok {
			return nil
		}

		s := m.Parse(raw.Topic, raw.Payload)
		if s == nil {
			if met != nil {
				met.IncrementParseFailures()
			}
			log.Warn("failed to parse message", zap.String("topic", raw.Topic))
			return nil
		}
		if raw.ReceivedAt != 0 {
			s.ReceivedAt = time.Unix(0, raw.ReceivedAt)
		}

		if met != nil {
			met.IncrementParsed()
		}
		b.Publish(bus.TopicDataParsed, s)
		return nil
	})
}
