// Command iotmw runs the full ingestion pipeline: MQTT ingress, V5008/
// V6800 parsing, stateful normalization, relational+time-series
// storage, the cache watchdog, the outbound command service, and the
// ambient HTTP surface (health, metrics, canonical feed).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/command"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/config"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/dedupe"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/feed"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/health"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/httpapi"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/ingress"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/metrics"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/normalizer"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/parser"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/parser/v5008"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/parser/v6800"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/storage"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/watchdog"
)

var version = "0.1.0"

func main() {
	configPath := os.Getenv("IOTMW_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(loggerConfig(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.WithComponent("main")
	log.Info("iotmw starting", zap.String("version", version))

	eventBus := bus.New()
	stateCache := cache.New()
	met := metrics.New()
	checker := health.NewChecker()

	eventBus.Subscribe(bus.TopicError, func(msg interface{}) error {
		if ev, ok := msg.(bus.ErrorEvent); ok {
			log.Error("pipeline error", zap.String("source", ev.Source), zap.Error(ev.Err), zap.Any("context", ev.Context))
		}
		return nil
	})

	var dedupeGuard *dedupe.Guard
	if cfg.Dedupe.Addr != "" {
		dedupeGuard, err = dedupe.New(dedupe.Options{
			Addr:      cfg.Dedupe.Addr,
			Password:  cfg.Dedupe.Password,
			DB:        cfg.Dedupe.DB,
			KeyPrefix: cfg.Dedupe.KeyPrefix,
			TTL:       cfg.Dedupe.TTL,
		})
		if err != nil {
			log.Fatal("failed to connect to dedupe redis", zap.Error(err))
		}
		defer dedupeGuard.Close()
		log.Info("dedupe guard enabled", zap.String("addr", cfg.Dedupe.Addr))
	}

	var influxSink *storage.InfluxSink
	if cfg.Influx.URL != "" {
		influxSink, err = storage.NewInfluxSink(storage.InfluxOptions{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		if err != nil {
			log.Fatal("failed to connect to influx", zap.Error(err))
		}
		defer influxSink.Close()
		log.Info("influx sink enabled", zap.String("url", cfg.Influx.URL))
	}

	db, err := storage.Open(cfg.Database.Client, cfg.Database.Connection)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	writer := storage.New(db, storageOptions(cfg), eventBus, met, influxSink)

	parserMgr := parser.NewManager()
	parserMgr.Register("V5008Upload/", v5008.New(cfg.Debug.LogRawMessage))
	parserMgr.Register("V6800Upload/", v6800.New(cfg.Debug.LogRawMessage))

	norm := normalizer.New(stateCache, eventBus, dedupeGuard)

	wd := watchdog.New(stateCache, eventBus, watchdog.Options{
		ScanInterval:     cfg.Cache.WatchdogInterval,
		OfflineThreshold: cfg.Cache.OfflineThreshold,
	})

	cmdSvc := command.New(stateCache, eventBus, met, command.Options{
		BrokerURL:           cfg.MQTT.BrokerURL,
		ClientID:            cfg.Command.ClientID,
		ConnectTimeout:      cfg.MQTT.Options.ConnectTimeout,
		Keepalive:           cfg.MQTT.Options.Keepalive,
		DownloadTopicPrefix: cfg.MQTT.DownloadTopicPrefix,
	})

	ing := ingress.New(eventBus, met, ingress.Options{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.Options.ClientID,
		ConnectTimeout: cfg.MQTT.Options.ConnectTimeout,
		Keepalive:      cfg.MQTT.Options.Keepalive,
		Topics:         []string{cfg.MQTT.Topics.V5008, cfg.MQTT.Topics.V6800},
	})

	emitter := feed.New(eventBus)
	go emitter.Run()

	checker.Register("database", health.DatabaseCheck(writer.Ping), 30*time.Second)
	checker.Register("mqtt_ingress", health.MQTTBrokerCheck(ing.IsConnected), 15*time.Second)
	checker.Register("mqtt_command", health.MQTTBrokerCheck(cmdSvc.IsConnected), 15*time.Second)
	checker.Register("storage_backlog", health.StorageBacklogCheck(writer.PendingRows, cfg.Storage.MaxBufferedPerTable/2, cfg.Storage.MaxBufferedPerTable), 10*time.Second)
	checker.Register("cache_size", health.CacheSizeCheck(stateCache.Size, 100000), 30*time.Second)

	healthCtx, healthCancel := context.WithCancel(context.Background())
	defer healthCancel()
	checker.StartPeriodic(healthCtx)

	httpSrv := httpapi.New(checker, met, emitter, httpapi.Options{Addr: cfg.HTTP.Addr})

	// Subscribe the parser, normalizer and storage stages before
	// ingress starts, so nothing downstream of a stage it needs is
	// missing when the first message can possibly arrive.
	parserMgr.Start(eventBus, met)
	norm.Start()
	writer.Start()

	cmdCtx, cmdCancel := context.WithCancel(context.Background())
	defer cmdCancel()
	if err := cmdSvc.Start(cmdCtx); err != nil {
		log.Fatal("failed to start command service", zap.Error(err))
	}

	if err := wd.Start(); err != nil {
		log.Fatal("failed to start cache watchdog", zap.Error(err))
	}

	if err := ing.Start(); err != nil {
		log.Fatal("failed to start ingress", zap.Error(err))
	}

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	statsCtx, statsCancel := context.WithCancel(context.Background())
	defer statsCancel()
	go refreshStats(statsCtx, stateCache, met)

	log.Info("iotmw running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("iotmw shutting down")
	shutdown(log, ing, wd, cmdSvc, writer, httpSrv)
	log.Info("iotmw stopped")
}

// shutdown runs the five-step graceful sequence: stop accepting new
// uplinks, let in-flight parse/normalize work drain, flush every
// buffer, close broker clients, then close the DB pool.
func shutdown(log *zap.Logger, ing *ingress.Ingress, wd *watchdog.Watchdog, cmdSvc *command.Service, writer *storage.Writer, httpSrv *httpapi.Server) {
	ing.Stop()
	wd.Stop()

	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := writer.Shutdown(ctx); err != nil {
		log.Error("storage shutdown did not complete cleanly", zap.Error(err))
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	cmdSvc.Stop()
}

// refreshStats periodically folds State Cache size and process stats
// into the metrics snapshot consumed by /metrics. Neither the cache
// nor the metrics package update each other on their own.
func refreshStats(ctx context.Context, c *cache.Cache, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			telemetry, meta := c.Size()
			m.SetCacheSize(telemetry, meta)
			m.UpdateSystemMetrics()
		}
	}
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		Dir:        cfg.Logging.Dir,
		MaxSizeMB:  cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxFiles,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

func storageOptions(cfg *config.Config) storage.Options {
	filters := make(map[sif.MessageType]bool, len(cfg.Storage.Filters))
	for _, f := range cfg.Storage.Filters {
		filters[sif.MessageType(f)] = true
	}
	return storage.Options{
		BatchSize:           cfg.Storage.BatchSize,
		FlushInterval:       cfg.Storage.FlushInterval,
		Filters:             filters,
		MaxBufferedPerTable: cfg.Storage.MaxBufferedPerTable,
		MaxFlushRetries:     3,
	}
}
