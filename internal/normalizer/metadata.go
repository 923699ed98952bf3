package normalizer

import (
	"fmt"
	"sort"
	"time"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
)

// moduleUpdate carries whatever module-level fields one incoming
// entry provided; Has* flags distinguish "absent" from "zero value"
// since HEARTBEAT entries never carry fwVer.
type moduleUpdate struct {
	Index     int
	ID        string
	UTotal    int
	HasUTotal bool
	FwVer     string
	HasFwVer  bool
}

// compareDeviceFields diffs the present fields of an incoming
// device-level snapshot against cached metadata, updating meta in
// place and returning one human-readable description per change.
func compareDeviceFields(meta *cache.MetadataEntry, incoming map[string]string) []string {
	var changes []string
	apply := func(name string, oldVal *string, newVal string) {
		if newVal == "" || newVal == *oldVal {
			return
		}
		changes = append(changes, fmt.Sprintf("%s changed: %s → %s", name, *oldVal, newVal))
		*oldVal = newVal
	}
	if v, ok := incoming["ip"]; ok {
		apply("ip", &meta.IP, v)
	}
	if v, ok := incoming["mac"]; ok {
		apply("mac", &meta.Mac, v)
	}
	if v, ok := incoming["fwVer"]; ok {
		apply("fwVer", &meta.FwVer, v)
	}
	if v, ok := incoming["mask"]; ok {
		apply("mask", &meta.Mask, v)
	}
	if v, ok := incoming["gwIp"]; ok {
		apply("gwIp", &meta.GwIP, v)
	}
	return changes
}

// mergeModules applies module-level updates to meta.ActiveModules and
// returns change descriptions, per spec §4.5's module-level rules:
// added (new index), replaced (moduleId changed at same index),
// uTotal changed, fwVer changed. Removal is only evaluated when
// fullSnapshot is true.
func (n *Normalizer) mergeModules(meta *cache.MetadataEntry, updates []moduleUpdate, fullSnapshot bool) []string {
	existing := make(map[int]cache.ActiveModule, len(meta.ActiveModules))
	for _, m := range meta.ActiveModules {
		existing[m.ModuleIndex] = m
	}

	var changes []string
	seen := make(map[int]struct{}, len(updates))

	for _, u := range updates {
		seen[u.Index] = struct{}{}
		prev, ok := existing[u.Index]
		if !ok {
			next := cache.ActiveModule{ModuleIndex: u.Index, ModuleID: u.ID, UTotal: u.UTotal, FwVer: u.FwVer}
			existing[u.Index] = next
			changes = append(changes, fmt.Sprintf("module added: index %d (id=%s)", u.Index, u.ID))
			continue
		}

		next := prev
		if u.ID != "" && u.ID != prev.ModuleID {
			changes = append(changes, fmt.Sprintf("module replaced at index %d: %s → %s", u.Index, prev.ModuleID, u.ID))
			next.ModuleID = u.ID
		}
		if u.HasUTotal && u.UTotal != prev.UTotal {
			changes = append(changes, fmt.Sprintf("uTotal changed at index %d: %d → %d", u.Index, prev.UTotal, u.UTotal))
			next.UTotal = u.UTotal
		}
		if u.HasFwVer && u.FwVer != "" && u.FwVer != prev.FwVer {
			changes = append(changes, fmt.Sprintf("fwVer changed at index %d: %s → %s", u.Index, prev.FwVer, u.FwVer))
			next.FwVer = u.FwVer
		}
		existing[u.Index] = next
	}

	if fullSnapshot {
		for idx, m := range existing {
			if _, ok := seen[idx]; !ok {
				changes = append(changes, fmt.Sprintf("module removed: index %d (id=%s)", idx, m.ModuleID))
				delete(existing, idx)
			}
		}
	}

	modules := make([]cache.ActiveModule, 0, len(existing))
	for _, m := range existing {
		modules = append(modules, m)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].ModuleIndex < modules[j].ModuleIndex })
	meta.ActiveModules = modules

	return changes
}

// handleHeartbeat updates module liveness, merges incremental module
// and (when carried) device-level fields into metadata, archives the
// heartbeat unconditionally, and — when the merge changed anything —
// emits META_CHANGED_EVENT followed by DEVICE_METADATA (spec §4.5 and
// its worked metadata-change example, where a heartbeat carrying a
// new ip triggers the same change-event pair a snapshot would).
func (n *Normalizer) handleHeartbeat(s *sif.SIF, messageID string, entries []sif.Entry) {
	meta, _ := n.cache.GetMetadata(s.DeviceID)

	deviceFields := map[string]string{}
	updates := make([]moduleUpdate, 0, len(entries))
	revived := false
	for _, e := range entries {
		idx := entryInt(e, "moduleIndex")
		id := entryStr(e, "moduleId")
		uTotal := entryInt(e, "uTotal")
		updates = append(updates, moduleUpdate{Index: idx, ID: id, UTotal: uTotal, HasUTotal: true})

		for _, key := range []string{"ip", "mac", "fwVer", "mask", "gwIp"} {
			if v := entryStr(e, key); v != "" {
				deviceFields[key] = v
			}
		}

		tEntry, ok := n.cache.GetTelemetry(s.DeviceID, idx)
		if ok && !tEntry.IsOnline {
			revived = true
		}
		tEntry.IsOnline = true
		tEntry.LastSeenHB = time.Now()
		n.cache.PutTelemetry(s.DeviceID, idx, tEntry)
	}

	deviceChanges := compareDeviceFields(&meta, deviceFields)
	moduleChanges := n.mergeModules(&meta, updates, false)
	changes := append(deviceChanges, moduleChanges...)

	meta.LastSeenInfo = time.Now()
	n.cache.PutMetadata(s.DeviceID, meta)

	// HEARTBEAT always archives its module list, independent of
	// whether the merge produced a metadata change.
	payload := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, map[string]interface{}{
			"moduleIndex": entryInt(e, "moduleIndex"),
			"moduleId":    entryStr(e, "moduleId"),
			"uTotal":      entryInt(e, "uTotal"),
		})
	}
	n.publish(s, sif.HeartBeat, messageID, nil, "", payload)

	if len(changes) == 0 {
		// No metadata-field change, but an offline device reviving
		// still needs its own DEVICE_METADATA announcement — mirroring
		// the watchdog's offline transition, just the opposite edge.
		if revived {
			n.publishDeviceMetadata(s, messageID, meta, boolPtr(true))
		}
		return
	}
	changePayload := make([]interface{}, len(changes))
	for i, c := range changes {
		changePayload[i] = c
	}
	n.publish(s, sif.MetaChangedEvent, messageID, nil, "", changePayload)
	var online *bool
	if revived {
		online = boolPtr(true)
	}
	n.publishDeviceMetadata(s, messageID, meta, online)
}

// handleMetadataSnapshot covers DEVICE_INFO, MODULE_INFO (binary) and
// DEV_MOD_INFO, UTOTAL_CHANGED (JSON) — all metadata-bearing messages
// that, on change, emit META_CHANGED_EVENT followed by DEVICE_METADATA.
func (n *Normalizer) handleMetadataSnapshot(s *sif.SIF, messageID string, entries []sif.Entry) {
	meta, _ := n.cache.GetMetadata(s.DeviceID)

	var deviceChanges []string
	var updates []moduleUpdate
	fullSnapshot := s.MessageType == sif.DevModInfo

	switch s.MessageType {
	case sif.DeviceInfo:
		if len(entries) == 0 {
			return
		}
		e := entries[0]
		deviceChanges = compareDeviceFields(&meta, map[string]string{
			"ip":    entryStr(e, "ip"),
			"fwVer": entryStr(e, "fwVer"),
			"mac":   entryStr(e, "mac"),
			"mask":  entryStr(e, "mask"),
			"gwIp":  entryStr(e, "gwIp"),
		})
	case sif.ModuleInfo:
		for _, e := range entries {
			updates = append(updates, moduleUpdate{
				Index:    entryInt(e, "moduleIndex"),
				FwVer:    entryStr(e, "fwVer"),
				HasFwVer: true,
			})
		}
	case sif.DevModInfo, sif.UTotalChanged:
		if len(entries) == 0 {
			return
		}
		e := entries[0]
		deviceChanges = compareDeviceFields(&meta, map[string]string{
			"ip":  entryStr(e, "ip"),
			"mac": entryStr(e, "mac"),
		})
		for _, me := range entrySub(e, "modules") {
			updates = append(updates, moduleUpdate{
				Index:     entryInt(me, "moduleIndex"),
				ID:        entryStr(me, "moduleId"),
				UTotal:    entryInt(me, "uTotal"),
				HasUTotal: true,
				FwVer:     entryStr(me, "fwVer"),
				HasFwVer:  true,
			})
		}
	}

	moduleChanges := n.mergeModules(&meta, updates, fullSnapshot)
	changes := append(deviceChanges, moduleChanges...)

	if len(changes) == 0 {
		return
	}

	meta.DeviceType = string(s.DeviceType)
	meta.LastSeenInfo = time.Now()
	n.cache.PutMetadata(s.DeviceID, meta)

	changePayload := make([]interface{}, len(changes))
	for i, c := range changes {
		changePayload[i] = c
	}
	n.publish(s, sif.MetaChangedEvent, messageID, nil, "", changePayload)
	n.publishDeviceMetadata(s, messageID, meta, nil)
}

// publishDeviceMetadata emits a DEVICE_METADATA SUO for the given
// snapshot. online, when non-nil, adds an isOnline field reflecting an
// online/offline transition the caller just detected (nil omits the
// field entirely — most metadata changes carry no liveness signal).
func (n *Normalizer) publishDeviceMetadata(s *sif.SIF, messageID string, meta cache.MetadataEntry, online *bool) {
	modules := make([]interface{}, len(meta.ActiveModules))
	for i, m := range meta.ActiveModules {
		modules[i] = map[string]interface{}{
			"moduleIndex": m.ModuleIndex,
			"moduleId":    m.ModuleID,
			"uTotal":      m.UTotal,
			"fwVer":       m.FwVer,
		}
	}
	fields := map[string]interface{}{
		"deviceType":    meta.DeviceType,
		"ip":            meta.IP,
		"mac":           meta.Mac,
		"fwVer":         meta.FwVer,
		"mask":          meta.Mask,
		"gwIp":          meta.GwIP,
		"activeModules": modules,
	}
	if online != nil {
		fields["isOnline"] = *online
	}
	n.publish(s, sif.DeviceMetadata, messageID, nil, "", []interface{}{fields})
}

func boolPtr(b bool) *bool { return &b }
