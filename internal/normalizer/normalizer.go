// Package normalizer implements the Normalizer: the central stateful
// stage that reads and mutates the State Cache, converts SIF to SUO,
// derives RFID/metadata change events, and triggers outbound sync
// commands for event-only protocols (spec §4.5).
package normalizer

import (
	"context"
	"strconv"
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/dedupe"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
	"go.uber.org/zap"
)

// Normalizer consumes data.parsed and produces data.normalized plus,
// for event-only RFID notifications, command.request.
type Normalizer struct {
	cache  *cache.Cache
	bus    *bus.Bus
	dedupe *dedupe.Guard // optional; nil disables the redelivery check
	log    *zap.Logger
}

// New builds a Normalizer bound to the given cache and bus. dedupeGuard
// may be nil, in which case every message is processed unconditionally.
func New(c *cache.Cache, b *bus.Bus, dedupeGuard *dedupe.Guard) *Normalizer {
	return &Normalizer{cache: c, bus: b, dedupe: dedupeGuard, log: logger.WithComponent("normalizer")}
}

// Start subscribes the Normalizer to data.parsed.
func (n *Normalizer) Start() {
	n.bus.Subscribe(bus.TopicDataParsed, n.handle)
}

// handle is the EventBus handler. It never returns a domain error: any
// problem worth surfacing has already been logged and, where useful,
// turned into a dropped message rather than a propagated failure.
func (n *Normalizer) handle(msg interface{}) error {
	s, ok := msg.(*sif.SIF)
	if !ok || s == nil {
		return nil
	}

	if seen, err := n.dedupe.Seen(context.Background(), s.DeviceID, s.MessageID); err != nil {
		n.log.Warn("dedupe check failed, processing message anyway", zap.String("deviceId", s.DeviceID), zap.Error(err))
	} else if seen {
		n.log.Debug("dropping re-delivered message", zap.String("deviceId", s.DeviceID), zap.String("messageId", s.MessageID))
		return nil
	}

	unlock := n.cache.Lock(s.DeviceID)
	defer unlock()

	messageID := s.MessageID
	if messageID == "" {
		messageID = strconv.FormatUint(n.cache.NextMessageID(), 10)
	}

	if s.HasModuleBlocks() {
		for _, block := range s.Data {
			moduleIndex := entryInt(block, "moduleIndex")
			moduleID := entryStr(block, "moduleId")
			n.dispatch(s, messageID, &moduleIndex, moduleID, entrySub(block, "data"))
		}
		return nil
	}

	n.dispatch(s, messageID, s.ModuleIndex, s.ModuleID, s.Data)
	return nil
}

// dispatch routes one (deviceId, moduleIndex-scoped) slice of entries
// to its per-type handler, per the fan-out rule in spec §4.5.
func (n *Normalizer) dispatch(s *sif.SIF, messageID string, moduleIndex *int, moduleID string, entries []sif.Entry) {
	switch s.MessageType {
	case sif.TempHum, sif.QryTempHumResp:
		n.handleTempHum(s, messageID, moduleIndex, moduleID, entries)
	case sif.NoiseLevel:
		n.handleNoise(s, messageID, moduleIndex, moduleID, entries)
	case sif.DoorState, sif.QryDoorStateResp:
		n.handleDoorState(s, messageID, moduleIndex, moduleID, entries)
	case sif.RFIDSnapshot:
		n.handleRFIDSnapshot(s, messageID, moduleIndex, moduleID, entries)
	case sif.RFIDEvent:
		n.handleRFIDEvent(s, messageID, moduleIndex, moduleID, entries)
	case sif.HeartBeat:
		n.handleHeartbeat(s, messageID, entries)
	case sif.DeviceInfo, sif.ModuleInfo, sif.DevModInfo, sif.UTotalChanged:
		n.handleMetadataSnapshot(s, messageID, entries)
	case sif.QryClrResp, sif.SetClrResp, sif.ClnAlmResp:
		n.handleCommandResponse(s, messageID, entries)
	case sif.Unknown:
		n.log.Warn("unknown message type dropped", zap.String("deviceId", s.DeviceID), zap.String("rawType", s.Meta.RawType))
	default:
		n.log.Warn("unhandled message type dropped", zap.String("deviceId", s.DeviceID), zap.String("messageType", string(s.MessageType)))
	}
}

func (n *Normalizer) publish(s *sif.SIF, mt sif.MessageType, messageID string, moduleIndex *int, moduleID string, payload []interface{}) {
	o := suo.New(mt, s.DeviceID, s.DeviceType, messageID, payload)
	if moduleIndex != nil {
		o.WithModule(*moduleIndex, moduleID)
	}
	o.ParsedAt = s.ReceivedAt
	if o.ParsedAt.IsZero() {
		o.ParsedAt = time.Now()
	}
	n.bus.Publish(bus.TopicDataNormalized, o)
}

func (n *Normalizer) handleTempHum(s *sif.SIF, messageID string, moduleIndex *int, moduleID string, entries []sif.Entry) {
	mIdx := moduleIndexOrZero(moduleIndex)

	readings := make([]cache.TempHumReading, 0, len(entries))
	payload := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		idx := entryInt(e, "thIndex")
		temp := entryFloat(e, "temp")
		hum := entryFloat(e, "hum")
		readings = append(readings, cache.TempHumReading{SensorIndex: idx, Temp: temp, Hum: hum})
		payload = append(payload, map[string]interface{}{"sensorIndex": idx, "temp": temp, "hum": hum})
	}

	entry, _ := n.cache.GetTelemetry(s.DeviceID, mIdx)
	entry.TempHum = readings
	entry.LastSeenTH = time.Now()
	n.cache.PutTelemetry(s.DeviceID, mIdx, entry)

	n.publish(s, sif.TempHum, messageID, &mIdx, moduleID, payload)
}

func (n *Normalizer) handleNoise(s *sif.SIF, messageID string, moduleIndex *int, moduleID string, entries []sif.Entry) {
	mIdx := moduleIndexOrZero(moduleIndex)

	readings := make([]cache.NoiseReading, 0, len(entries))
	payload := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		idx := entryInt(e, "nsIndex")
		noise := entryFloat(e, "noise")
		readings = append(readings, cache.NoiseReading{SensorIndex: idx, Noise: noise})
		payload = append(payload, map[string]interface{}{"sensorIndex": idx, "noise": noise})
	}

	entry, _ := n.cache.GetTelemetry(s.DeviceID, mIdx)
	entry.Noise = readings
	entry.LastSeenNS = time.Now()
	n.cache.PutTelemetry(s.DeviceID, mIdx, entry)

	n.publish(s, sif.NoiseLevel, messageID, &mIdx, moduleID, payload)
}

func (n *Normalizer) handleDoorState(s *sif.SIF, messageID string, moduleIndex *int, moduleID string, entries []sif.Entry) {
	mIdx := moduleIndexOrZero(moduleIndex)
	if len(entries) == 0 {
		return
	}
	e := entries[0]

	entry, _ := n.cache.GetTelemetry(s.DeviceID, mIdx)
	payloadEntry := map[string]interface{}{}

	if _, ok := e["door1State"]; ok {
		d1 := entryInt(e, "door1State")
		d2 := entryInt(e, "door2State")
		entry.Door1State = &d1
		entry.Door2State = &d2
		payloadEntry["door1State"] = d1
		payloadEntry["door2State"] = d2
	} else {
		d := entryInt(e, "doorState")
		entry.DoorState = &d
		payloadEntry["doorState"] = d
	}
	entry.LastSeenDoor = time.Now()
	n.cache.PutTelemetry(s.DeviceID, mIdx, entry)

	n.publish(s, s.MessageType, messageID, &mIdx, moduleID, []interface{}{payloadEntry})
}

func (n *Normalizer) handleCommandResponse(s *sif.SIF, messageID string, entries []sif.Entry) {
	if len(entries) == 0 {
		return
	}
	e := entries[0]
	payloadEntry := map[string]interface{}{}
	if v, ok := e["originalReq"]; ok {
		payloadEntry["originalReq"] = v
	}
	if v, ok := e["colorMap"]; ok {
		payloadEntry["colorMap"] = v
	}
	if v, ok := e["result"]; ok {
		payloadEntry["result"] = v
	}
	if v, ok := e["colorName"]; ok {
		payloadEntry["colorName"] = v
	}
	if v, ok := e["colorCode"]; ok {
		payloadEntry["colorCode"] = v
	}
	n.publish(s, s.MessageType, messageID, nil, "", []interface{}{payloadEntry})
}
