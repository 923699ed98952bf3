// Package watchdog implements the Cache Watchdog: the only component
// that manufactures a state transition from absence rather than from
// an inbound message (spec §4.7).
package watchdog

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
	"go.uber.org/zap"
)

// DefaultScanInterval and DefaultOfflineThreshold are the spec's
// stated defaults for the periodic liveness scan.
const (
	DefaultScanInterval     = 10 * time.Second
	DefaultOfflineThreshold = 60 * time.Second
)

// Options configures the watchdog's scan cadence and offline policy.
type Options struct {
	ScanInterval     time.Duration
	OfflineThreshold time.Duration
}

// DefaultOptions returns the spec's stated defaults.
func DefaultOptions() Options {
	return Options{ScanInterval: DefaultScanInterval, OfflineThreshold: DefaultOfflineThreshold}
}

// Watchdog periodically scans the State Cache for telemetry entries
// whose last heartbeat has lapsed and flips them offline.
type Watchdog struct {
	cache *cache.Cache
	bus   *bus.Bus
	opts  Options
	cron  *cron.Cron
	log   *zap.Logger
}

// New builds a Watchdog bound to the given cache and bus.
func New(c *cache.Cache, b *bus.Bus, opts Options) *Watchdog {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = DefaultOfflineThreshold
	}
	return &Watchdog{
		cache: c,
		bus:   b,
		opts:  opts,
		cron:  cron.New(),
		log:   logger.WithComponent("watchdog"),
	}
}

// Start schedules the periodic scan and begins running it.
func (w *Watchdog) Start() error {
	_, err := w.cron.AddFunc("@every "+w.opts.ScanInterval.String(), w.scan)
	if err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight scan to finish.
func (w *Watchdog) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

// scan walks every cached telemetry entry and flips devices offline
// whose last heartbeat exceeds the offline threshold, emitting one
// DEVICE_METADATA SUO per transition (spec §4.7: "once per transition").
func (w *Watchdog) scan() {
	now := time.Now()
	for _, d := range w.cache.TelemetryDevices() {
		w.checkDevice(d.DeviceID, d.ModuleIndex, now)
	}
}

func (w *Watchdog) checkDevice(deviceID string, moduleIndex int, now time.Time) {
	unlock := w.cache.Lock(deviceID)
	defer unlock()

	entry, ok := w.cache.GetTelemetry(deviceID, moduleIndex)
	if !ok || !entry.IsOnline {
		return
	}
	if entry.LastSeenHB.IsZero() || now.Sub(entry.LastSeenHB) <= w.opts.OfflineThreshold {
		return
	}

	entry.IsOnline = false
	w.cache.PutTelemetry(deviceID, moduleIndex, entry)

	w.log.Info("device transitioned offline",
		zap.String("deviceId", deviceID),
		zap.Int("moduleIndex", moduleIndex),
		zap.Duration("sinceLastHeartbeat", now.Sub(entry.LastSeenHB)))

	w.emitOfflineMetadata(deviceID)
}

// emitOfflineMetadata publishes the device's current metadata snapshot
// as a DEVICE_METADATA SUO, reflecting the offline transition the
// scan just detected. If no metadata entry exists yet, the device is
// still announced with whatever identity fields the cache has.
func (w *Watchdog) emitOfflineMetadata(deviceID string) {
	meta, _ := w.cache.GetMetadata(deviceID)

	modules := make([]interface{}, len(meta.ActiveModules))
	for i, m := range meta.ActiveModules {
		modules[i] = map[string]interface{}{
			"moduleIndex": m.ModuleIndex,
			"moduleId":    m.ModuleID,
			"uTotal":      m.UTotal,
			"fwVer":       m.FwVer,
		}
	}
	payload := []interface{}{map[string]interface{}{
		"deviceType":    meta.DeviceType,
		"ip":            meta.IP,
		"mac":           meta.Mac,
		"fwVer":         meta.FwVer,
		"mask":          meta.Mask,
		"gwIp":          meta.GwIP,
		"activeModules": modules,
		"isOnline":      false,
	}}

	messageID := strconv.FormatUint(w.cache.NextMessageID(), 10)
	o := suo.New(sif.DeviceMetadata, deviceID, sif.ProtocolFamily(meta.DeviceType), messageID, payload)
	o.ParsedAt = time.Now()
	w.bus.Publish(bus.TopicDataNormalized, o)
}
