// Package cache implements the State Cache: the single shared mutable
// store the Normalizer reads and mutates (spec §3, §5, §9). Entries
// are value records; the cache owns them exclusively and hands out
// copies for diff computation so callers never alias its internals.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// TempHumReading is one temperature/humidity sensor's last value.
type TempHumReading struct {
	SensorIndex int
	Temp        float64
	Hum         float64
}

// NoiseReading is one noise sensor's last value.
type NoiseReading struct {
	SensorIndex int
	Noise       float64
}

// RFIDSlot is one RFID slot's authoritative last-known tag.
type RFIDSlot struct {
	SensorIndex int
	TagID       string
	IsAlarm     bool
}

// ActiveModule describes one module attached to a device, as carried
// in device metadata snapshots.
type ActiveModule struct {
	ModuleIndex int
	ModuleID    string
	UTotal      int
	FwVer       string
}

// TelemetryEntry is the per-(deviceId, moduleIndex) cache record.
type TelemetryEntry struct {
	TempHum      []TempHumReading
	Noise        []NoiseReading
	RFIDSnapshot []RFIDSlot

	DoorState  *int
	Door1State *int
	Door2State *int

	IsOnline bool

	LastSeenHB    time.Time
	LastSeenTH    time.Time
	LastSeenNS    time.Time
	LastSeenRFID  time.Time
	LastSeenDoor  time.Time
}

// Clone returns a deep copy so callers can diff against a stable
// snapshot while the cache entry itself may be concurrently replaced.
func (t TelemetryEntry) Clone() TelemetryEntry {
	clone := t
	clone.TempHum = append([]TempHumReading(nil), t.TempHum...)
	clone.Noise = append([]NoiseReading(nil), t.Noise...)
	clone.RFIDSnapshot = append([]RFIDSlot(nil), t.RFIDSnapshot...)
	if t.DoorState != nil {
		v := *t.DoorState
		clone.DoorState = &v
	}
	if t.Door1State != nil {
		v := *t.Door1State
		clone.Door1State = &v
	}
	if t.Door2State != nil {
		v := *t.Door2State
		clone.Door2State = &v
	}
	return clone
}

// MetadataEntry is the per-deviceId metadata cache record.
type MetadataEntry struct {
	DeviceType    string
	IP            string
	Mac           string
	FwVer         string
	Mask          string
	GwIP          string
	ActiveModules []ActiveModule
	LastSeenInfo  time.Time
}

// Clone returns a deep copy of the metadata record.
func (m MetadataEntry) Clone() MetadataEntry {
	clone := m
	clone.ActiveModules = append([]ActiveModule(nil), m.ActiveModules...)
	return clone
}

// telemetryKey composes the (deviceId, moduleIndex) cache key.
type telemetryKey struct {
	deviceID    string
	moduleIndex int
}

// Cache is the process-resident State Cache. All mutation paths are
// expected to run while the caller holds the per-device lock returned
// by Lock, per spec §5's "reads of snapshots for diffing and
// subsequent writes happen under the same lock" requirement.
type Cache struct {
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	dataMu    sync.RWMutex
	telemetry map[telemetryKey]*TelemetryEntry
	metadata  map[string]*MetadataEntry

	messageSeq uint64
}

// New creates an empty State Cache.
func New() *Cache {
	return &Cache{
		locks:     make(map[string]*sync.Mutex),
		telemetry: make(map[telemetryKey]*TelemetryEntry),
		metadata:  make(map[string]*MetadataEntry),
	}
}

// Lock acquires the per-device lock for deviceID, creating it on
// first use, and returns an unlock function. Callers hold this lock
// for the full read-diff-write span of processing one message for
// that device — it is what lets the Normalizer serialize per
// deviceId without a races on diff computation (spec §5).
func (c *Cache) Lock(deviceID string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[deviceID] = l
	}
	c.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// NextMessageID assigns a monotonically increasing id for SIF/SUO
// messages that arrived without one, per spec §3.
func (c *Cache) NextMessageID() uint64 {
	return atomic.AddUint64(&c.messageSeq, 1)
}

// GetTelemetry returns a copy of the telemetry entry for
// (deviceID, moduleIndex), and whether it existed. Must be called
// while holding the device lock.
func (c *Cache) GetTelemetry(deviceID string, moduleIndex int) (TelemetryEntry, bool) {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	e, ok := c.telemetry[telemetryKey{deviceID, moduleIndex}]
	if !ok {
		return TelemetryEntry{}, false
	}
	return e.Clone(), true
}

// PutTelemetry replaces the telemetry entry wholesale. Must be called
// while holding the device lock.
func (c *Cache) PutTelemetry(deviceID string, moduleIndex int, entry TelemetryEntry) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	stored := entry.Clone()
	c.telemetry[telemetryKey{deviceID, moduleIndex}] = &stored
}

// GetMetadata returns a copy of the device's metadata entry, and
// whether it existed. Must be called while holding the device lock.
func (c *Cache) GetMetadata(deviceID string) (MetadataEntry, bool) {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	e, ok := c.metadata[deviceID]
	if !ok {
		return MetadataEntry{}, false
	}
	return e.Clone(), true
}

// PutMetadata replaces the device's metadata entry wholesale. Must be
// called while holding the device lock.
func (c *Cache) PutMetadata(deviceID string, entry MetadataEntry) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	stored := entry.Clone()
	c.metadata[deviceID] = &stored
}

// TelemetryDevices returns every (deviceID, moduleIndex) pair
// currently cached, used by the Cache Watchdog's liveness scan.
func (c *Cache) TelemetryDevices() []struct {
	DeviceID    string
	ModuleIndex int
} {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	out := make([]struct {
		DeviceID    string
		ModuleIndex int
	}, 0, len(c.telemetry))
	for k := range c.telemetry {
		out = append(out, struct {
			DeviceID    string
			ModuleIndex int
		}{k.deviceID, k.moduleIndex})
	}
	return out
}

// Size reports the number of cached telemetry and metadata entries,
// surfaced by the ambient metrics endpoint.
func (c *Cache) Size() (telemetry int, metadata int) {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return len(c.telemetry), len(c.metadata)
}
