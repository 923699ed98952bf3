package normalizer

import (
	"sort"
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/commandmsg"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
)

// actionRank orders RFID diff entries when sensorIndex ties — it
// can't, each sensorIndex appears once per diff, but a single index
// can independently produce an attach/detach pair on a tag swap, so
// the rank also breaks ties between two entries sharing an index.
var actionRank = map[string]int{
	suo.Detached: 0,
	suo.Attached: 1,
	suo.AlarmOn:  2,
	suo.AlarmOff: 3,
}

type rfidDiffEntry struct {
	SensorIndex int
	TagID       string
	Action      string
}

// diffRFID computes the symmetric diff between the previous and
// current RFID slot snapshots, per spec §4.5's diff algorithm.
func diffRFID(prev, curr []cache.RFIDSlot) []rfidDiffEntry {
	prevMap := make(map[int]cache.RFIDSlot, len(prev))
	for _, s := range prev {
		prevMap[s.SensorIndex] = s
	}
	currMap := make(map[int]cache.RFIDSlot, len(curr))
	for _, s := range curr {
		currMap[s.SensorIndex] = s
	}

	indexSet := make(map[int]struct{}, len(prevMap)+len(currMap))
	for idx := range prevMap {
		indexSet[idx] = struct{}{}
	}
	for idx := range currMap {
		indexSet[idx] = struct{}{}
	}

	var diff []rfidDiffEntry
	for idx := range indexSet {
		p, pok := prevMap[idx]
		c, cok := currMap[idx]

		switch {
		case pok && !cok:
			if p.TagID != "" {
				diff = append(diff, rfidDiffEntry{idx, p.TagID, suo.Detached})
			}
		case !pok && cok:
			if c.TagID != "" {
				diff = append(diff, rfidDiffEntry{idx, c.TagID, suo.Attached})
			}
		case pok && cok && p.TagID != c.TagID:
			if p.TagID != "" {
				diff = append(diff, rfidDiffEntry{idx, p.TagID, suo.Detached})
			}
			if c.TagID != "" {
				diff = append(diff, rfidDiffEntry{idx, c.TagID, suo.Attached})
			}
		case pok && cok:
			if !p.IsAlarm && c.IsAlarm {
				diff = append(diff, rfidDiffEntry{idx, c.TagID, suo.AlarmOn})
			} else if p.IsAlarm && !c.IsAlarm {
				diff = append(diff, rfidDiffEntry{idx, c.TagID, suo.AlarmOff})
			}
		}
	}

	sort.Slice(diff, func(i, j int) bool {
		if diff[i].SensorIndex != diff[j].SensorIndex {
			return diff[i].SensorIndex < diff[j].SensorIndex
		}
		return actionRank[diff[i].Action] < actionRank[diff[j].Action]
	})
	return diff
}

func (n *Normalizer) handleRFIDSnapshot(s *sif.SIF, messageID string, moduleIndex *int, moduleID string, entries []sif.Entry) {
	mIdx := moduleIndexOrZero(moduleIndex)

	curr := make([]cache.RFIDSlot, 0, len(entries))
	snapshotPayload := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		idx := entryInt(e, "uIndex")
		tagID := entryStr(e, "tagId")
		isAlarm := entryBool(e, "isAlarm")
		curr = append(curr, cache.RFIDSlot{SensorIndex: idx, TagID: tagID, IsAlarm: isAlarm})
		snapshotPayload = append(snapshotPayload, map[string]interface{}{"sensorIndex": idx, "tagId": tagID, "isAlarm": isAlarm})
	}

	telemetry, _ := n.cache.GetTelemetry(s.DeviceID, mIdx)
	diff := diffRFID(telemetry.RFIDSnapshot, curr)

	if len(diff) > 0 {
		eventPayload := make([]interface{}, 0, len(diff))
		for _, d := range diff {
			eventPayload = append(eventPayload, map[string]interface{}{
				"sensorIndex": d.SensorIndex,
				"tagId":       d.TagID,
				"action":      d.Action,
			})
		}
		n.publish(s, sif.RFIDEvent, messageID, &mIdx, moduleID, eventPayload)
	}

	telemetry.RFIDSnapshot = curr
	telemetry.LastSeenRFID = time.Now()
	n.cache.PutTelemetry(s.DeviceID, mIdx, telemetry)

	if len(snapshotPayload) == 0 {
		snapshotPayload = []interface{}{map[string]interface{}{}}
	}
	n.publish(s, sif.RFIDSnapshot, messageID, &mIdx, moduleID, snapshotPayload)
}

// handleRFIDEvent implements the binary/JSON bifurcation of spec §4.5:
// the JSON family never carries a full tag id on an event notify, so
// it triggers a QRY_RFID_SNAPSHOT re-sync instead of mutating cache;
// the binary family carries enough slot detail to merge directly.
func (n *Normalizer) handleRFIDEvent(s *sif.SIF, messageID string, moduleIndex *int, moduleID string, entries []sif.Entry) {
	mIdx := moduleIndexOrZero(moduleIndex)

	if s.DeviceType == sif.FamilyV6800 {
		n.bus.Publish(bus.TopicCommandRequest, commandmsg.Request{
			Kind:        commandmsg.QryRFIDSnapshot,
			DeviceID:    s.DeviceID,
			ModuleIndex: mIdx,
		})
		return
	}

	telemetry, _ := n.cache.GetTelemetry(s.DeviceID, mIdx)
	slots := make(map[int]cache.RFIDSlot, len(telemetry.RFIDSnapshot))
	for _, slot := range telemetry.RFIDSnapshot {
		slots[slot.SensorIndex] = slot
	}

	payload := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		idx := entryInt(e, "uIndex")
		tagID := entryStr(e, "tagId")
		isAlarm := entryBool(e, "isAlarm")
		slots[idx] = cache.RFIDSlot{SensorIndex: idx, TagID: tagID, IsAlarm: isAlarm}
		payload = append(payload, map[string]interface{}{"sensorIndex": idx, "tagId": tagID, "isAlarm": isAlarm})
	}

	merged := make([]cache.RFIDSlot, 0, len(slots))
	for _, slot := range slots {
		merged = append(merged, slot)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].SensorIndex < merged[j].SensorIndex })

	telemetry.RFIDSnapshot = merged
	telemetry.LastSeenRFID = time.Now()
	n.cache.PutTelemetry(s.DeviceID, mIdx, telemetry)

	n.publish(s, sif.RFIDEvent, messageID, &mIdx, moduleID, payload)
}
