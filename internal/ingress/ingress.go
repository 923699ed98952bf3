// Package ingress implements the Ingress component: it subscribes to
// the device uplink topics and republishes the raw payload, with its
// topic, onto the EventBus without interpreting it (spec §4.2). It does
// not classify the protocol family; parser.Manager does that from the
// topic prefix.
package ingress

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/metrics"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/parser"
)

// Options configures the broker connection and subscribed topics.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Keepalive      time.Duration
	Topics         []string // e.g. "V5008Upload/+/+", "V6800Upload/+/+"
	QoS            byte

	// ReconnectBackoffMin/Max bound the exponential backoff on broker
	// disconnect, per spec §4.2 ("start 2s, double to a cap, reset on
	// success").
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration
}

// DefaultOptions returns sane connection defaults, distinct from the
// Command Service's own client id per spec §4.2/§5.
func DefaultOptions() Options {
	return Options{
		ClientID:            "iotmw-ingress",
		ConnectTimeout:      10 * time.Second,
		Keepalive:           30 * time.Second,
		Topics:              []string{"V5008Upload/+/+", "V6800Upload/+/+"},
		QoS:                 1,
		ReconnectBackoffMin: 2 * time.Second,
		ReconnectBackoffMax: 60 * time.Second,
	}
}

// Ingress is the single MQTT subscriber feeding raw wire messages into
// the EventBus.
type Ingress struct {
	opts    Options
	bus     *bus.Bus
	metrics *metrics.Metrics
	client  mqtt.Client
	log     *zap.Logger

	backoff time.Duration
}

// New builds an Ingress bound to the given bus.
func New(b *bus.Bus, m *metrics.Metrics, opts Options) *Ingress {
	if opts.ClientID == "" {
		opts.ClientID = DefaultOptions().ClientID
	}
	if len(opts.Topics) == 0 {
		opts.Topics = DefaultOptions().Topics
	}
	if opts.ReconnectBackoffMin <= 0 {
		opts.ReconnectBackoffMin = DefaultOptions().ReconnectBackoffMin
	}
	if opts.ReconnectBackoffMax <= 0 {
		opts.ReconnectBackoffMax = DefaultOptions().ReconnectBackoffMax
	}
	return &Ingress{
		opts:    opts,
		bus:     b,
		metrics: m,
		log:     logger.WithComponent("ingress"),
		backoff: opts.ReconnectBackoffMin,
	}
}

// Start connects to the broker and subscribes to every configured
// topic pattern. Reconnects are handled by the paho client's own
// auto-reconnect machinery; OnReconnecting grows, and OnConnect resets,
// this struct's own backoff counter purely for observability (the client library
// owns the actual retry timing).
func (i *Ingress) Start() error {
	mqttOpts := mqtt.NewClientOptions()
	mqttOpts.AddBroker(i.opts.BrokerURL)
	mqttOpts.SetClientID(i.opts.ClientID)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetAutoReconnect(true)
	mqttOpts.SetConnectTimeout(i.opts.ConnectTimeout)
	mqttOpts.SetKeepAlive(i.opts.Keepalive)
	mqttOpts.SetMaxReconnectInterval(i.opts.ReconnectBackoffMax)
	if i.opts.Username != "" {
		mqttOpts.SetUsername(i.opts.Username)
		mqttOpts.SetPassword(i.opts.Password)
	}

	mqttOpts.SetOnConnectHandler(func(c mqtt.Client) {
		i.backoff = i.opts.ReconnectBackoffMin
		for _, topic := range i.opts.Topics {
			token := c.Subscribe(topic, i.opts.QoS, i.handleMessage)
			token.Wait()
			if token.Error() != nil {
				i.log.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
			}
		}
	})
	mqttOpts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		i.log.Warn("ingress broker connection lost", zap.Error(err))
	})
	mqttOpts.SetReconnectingHandler(func(c mqtt.Client, opts *mqtt.ClientOptions) {
		i.log.Info("reconnecting to broker", zap.Duration("backoff", i.backoff))
		if i.backoff < i.opts.ReconnectBackoffMax {
			i.backoff *= 2
			if i.backoff > i.opts.ReconnectBackoffMax {
				i.backoff = i.opts.ReconnectBackoffMax
			}
		}
	})

	i.client = mqtt.NewClient(mqttOpts)
	token := i.client.Connect()
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("ingress connect: %w", token.Error())
	}
	return nil
}

// handleMessage stamps a receive timestamp and correlation id and
// republishes the raw payload with its topic onto mqtt.message, without
// interpreting its contents or classifying its family (spec §4.2).
func (i *Ingress) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if i.metrics != nil {
		i.metrics.IncrementIngested()
	}

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	raw := parser.RawMessage{
		Topic:      msg.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now().UnixNano(),
	}

	i.log.Debug("message received",
		zap.String("topic", raw.Topic),
		zap.String("correlationId", uuid.NewString()),
		zap.Int("bytes", len(payload)))

	i.bus.Publish(bus.TopicMQTTMessage, raw)
}

// IsConnected reports the broker connection state, for the ambient
// MQTTBrokerCheck health probe.
func (i *Ingress) IsConnected() bool {
	return i.client != nil && i.client.IsConnected()
}

// Stop unsubscribes and disconnects from the broker, allowing up to
// 5s for graceful shutdown (spec §5).
func (i *Ingress) Stop() {
	if i.client == nil {
		return
	}
	for _, topic := range i.opts.Topics {
		i.client.Unsubscribe(topic)
	}
	if i.client.IsConnected() {
		i.client.Disconnect(5000)
	}
}
