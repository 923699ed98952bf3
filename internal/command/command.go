// Package command implements the Command Service: it subscribes to
// outbound command requests raised elsewhere in the pipeline (chiefly
// the Normalizer's RFID re-sync trigger) and publishes encoded
// commands to the device's download topic (spec §4.8).
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/commandmsg"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/metrics"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
)

// Options configures the broker connection and outbound queue.
type Options struct {
	BrokerURL           string
	ClientID            string
	Username            string
	Password            string
	ConnectTimeout      time.Duration
	Keepalive           time.Duration
	DownloadTopicPrefix string
	QueueBuffer         int
}

// DefaultOptions returns sane connection defaults, distinct from
// Ingress's own client id per spec §4.2/§5.
func DefaultOptions() Options {
	return Options{
		ClientID:            "iotmw-command",
		ConnectTimeout:      10 * time.Second,
		Keepalive:           30 * time.Second,
		DownloadTopicPrefix: "download",
		QueueBuffer:         256,
	}
}

// Service is the Command Service: one MQTT client, distinct from
// Ingress's, that turns command.request events into device downlinks.
type Service struct {
	opts    Options
	cache   *cache.Cache
	bus     *bus.Bus
	metrics *metrics.Metrics
	client  mqtt.Client
	queue   *bus.WorkQueue
	log     *zap.Logger
}

// New builds a Command Service bound to the given cache (for protocol
// family resolution) and bus (for command.request subscription and
// error publication).
func New(c *cache.Cache, b *bus.Bus, m *metrics.Metrics, opts Options) *Service {
	if opts.ClientID == "" {
		opts.ClientID = DefaultOptions().ClientID
	}
	if opts.QueueBuffer <= 0 {
		opts.QueueBuffer = DefaultOptions().QueueBuffer
	}
	return &Service{opts: opts, cache: c, bus: b, metrics: m, log: logger.WithComponent("command")}
}

// Start connects to the broker and subscribes to command.request. The
// actual publish work runs off a bounded WorkQueue so a slow/blocked
// broker publish never stalls the EventBus dispatch loop (spec §5).
func (s *Service) Start(ctx context.Context) error {
	mqttOpts := mqtt.NewClientOptions()
	mqttOpts.AddBroker(s.opts.BrokerURL)
	mqttOpts.SetClientID(s.opts.ClientID)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetAutoReconnect(true)
	mqttOpts.SetConnectTimeout(s.opts.ConnectTimeout)
	mqttOpts.SetKeepAlive(s.opts.Keepalive)
	if s.opts.Username != "" {
		mqttOpts.SetUsername(s.opts.Username)
		mqttOpts.SetPassword(s.opts.Password)
	}
	mqttOpts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.log.Warn("command broker connection lost", zap.Error(err))
	})

	s.client = mqtt.NewClient(mqttOpts)
	token := s.client.Connect()
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("command service connect: %w", token.Error())
	}

	s.queue = bus.NewWorkQueue(ctx, s.opts.QueueBuffer, s.process)
	s.bus.Subscribe(bus.TopicCommandRequest, s.handle)
	return nil
}

// handle enqueues a command.request for async publish; it never
// blocks the EventBus dispatch thread on broker I/O.
func (s *Service) handle(msg interface{}) error {
	req, ok := msg.(commandmsg.Request)
	if !ok {
		return nil
	}
	if err := s.queue.Enqueue(req); err != nil {
		return fmt.Errorf("command queue: %w", err)
	}
	return nil
}

// process publishes one command.request to the device's download
// topic. Publish acknowledgement is not awaited synchronously beyond
// the broker's own QoS-1 handshake; a publish failure raises an error
// event rather than blocking or retrying inline (spec §4.8).
func (s *Service) process(item interface{}) {
	req, ok := item.(commandmsg.Request)
	if !ok {
		return
	}

	family := s.resolveFamily(req.DeviceID)
	payload, err := encode(family, req)
	if err != nil {
		s.raiseError(req, err)
		return
	}

	topic := fmt.Sprintf("%s/%s", s.opts.DownloadTopicPrefix, req.DeviceID)
	token := s.client.Publish(topic, 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		s.raiseError(req, token.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.IncrementCommandsSent()
	}
	s.log.Debug("command published", zap.String("deviceId", req.DeviceID), zap.String("topic", topic), zap.String("kind", string(req.Kind)))
}

func (s *Service) raiseError(req commandmsg.Request, err error) {
	if s.metrics != nil {
		s.metrics.IncrementCommandFailures()
	}
	s.log.Error("command publish failed", zap.String("deviceId", req.DeviceID), zap.String("kind", string(req.Kind)), zap.Error(err))
	s.bus.Publish(bus.TopicError, bus.ErrorEvent{
		Source: "command",
		Err:    err,
		Context: map[string]interface{}{
			"deviceId": req.DeviceID,
			"kind":     string(req.Kind),
		},
	})
}

// resolveFamily looks up the device's protocol family from the
// metadata cache, per spec §4.8's "resolves the target device's
// protocol family via metadata cache lookup". A device with no cached
// metadata yet defaults to the JSON family, since that is the cheaper
// encoding to guess wrong (a JSON payload sent to a binary device fails
// cleanly on decode; the reverse does not).
func (s *Service) resolveFamily(deviceID string) sif.ProtocolFamily {
	meta, ok := s.cache.GetMetadata(deviceID)
	if !ok || meta.DeviceType == "" {
		return sif.FamilyV6800
	}
	return sif.ProtocolFamily(meta.DeviceType)
}

// IsConnected reports the broker connection state, for the ambient
// MQTTBrokerCheck health probe.
func (s *Service) IsConnected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Stop halts the outbound queue and disconnects from the broker,
// allowing up to 5s for in-flight QoS-1 publishes to complete (spec §5).
func (s *Service) Stop() {
	if s.queue != nil {
		s.queue.Stop()
	}
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(5000)
	}
}

// jsonCommand is the wire shape for the V6800 JSON family, per
// spec §6: {msg_type, ...}.
type jsonCommand struct {
	MsgType string      `json:"msg_type"`
	Args    interface{} `json:"args,omitempty"`
}

// encode builds the wire payload for one command request, branching on
// protocol family per spec §4.8/§6.
func encode(family sif.ProtocolFamily, req commandmsg.Request) ([]byte, error) {
	if family == sif.FamilyV5008 {
		return encodeBinary(req)
	}
	return encodeJSON(req)
}

func encodeJSON(req commandmsg.Request) ([]byte, error) {
	msgType, ok := jsonMsgType[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no JSON msg_type for command kind %q", req.Kind)
	}
	cmd := jsonCommand{MsgType: msgType}
	if len(req.Args) > 0 {
		cmd.Args = req.Args
	}
	return json.Marshal(cmd)
}

var jsonMsgType = map[commandmsg.Kind]string{
	commandmsg.QryRFIDSnapshot: "u_state_req",
	commandmsg.ClrAlarm:        "u_clr_alarm",
	commandmsg.SetColor:        "u_set_color",
	commandmsg.Reboot:          "u_reboot",
}

// Binary-family opcodes, symmetric to the cmdQryClrResp/cmdSetClrResp/
// cmdClnAlmResp response codes the V5008 parser decodes on the way
// back in (internal/parser/v5008/parser.go).
const (
	opQryRFIDSnapshot byte = 0xE5
	opClrAlarm        byte = 0xE2
	opSetColor        byte = 0xE1
	opReboot          byte = 0xE9
)

var binaryOpcode = map[commandmsg.Kind]byte{
	commandmsg.QryRFIDSnapshot: opQryRFIDSnapshot,
	commandmsg.ClrAlarm:        opClrAlarm,
	commandmsg.SetColor:        opSetColor,
	commandmsg.Reboot:          opReboot,
}

// encodeBinary builds a fixed-header binary frame: [opcode][moduleIndex]
// plus, for SET_COLOR, a trailing color code byte — the symmetric
// counterpart to the V5008 parser's fixed-offset decode.
func encodeBinary(req commandmsg.Request) ([]byte, error) {
	op, ok := binaryOpcode[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no binary opcode for command kind %q", req.Kind)
	}

	frame := []byte{op, byte(req.ModuleIndex)}

	if req.Kind == commandmsg.SetColor {
		code, _ := req.Args["colorCode"].(float64)
		frame = append(frame, byte(code))
	}

	return frame, nil
}
