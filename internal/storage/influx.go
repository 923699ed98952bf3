package storage

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
	"go.uber.org/zap"
)

// InfluxSink is the Storage Writer's optional secondary time-series
// route for TEMP_HUM/NOISE_LEVEL telemetry, run alongside (not instead
// of) the relational tables.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *zap.Logger
}

// InfluxOptions configures the secondary sink's connection.
type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxSink connects to InfluxDB and verifies reachability before
// returning. The writer is non-blocking (async WriteAPI): failures
// surface via the client's own error channel rather than blocking the
// storage fan-out.
func NewInfluxSink(opts InfluxOptions) (*InfluxSink, error) {
	client := influxdb2.NewClient(opts.URL, opts.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}

	sink := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(opts.Org, opts.Bucket),
		log:      logger.WithComponent("storage.influx"),
	}

	errCh := sink.writeAPI.Errors()
	go func() {
		for err := range errCh {
			sink.log.Error("influx write error", zap.Error(err))
		}
	}()

	return sink, nil
}

// Write converts a TEMP_HUM or NOISE_LEVEL SUO's payload entries into
// InfluxDB points tagged by device/module and queues them for async
// write.
func (s *InfluxSink) Write(o *suo.SUO) {
	measurement := measurementFor(o.MessageType)
	if measurement == "" {
		return
	}

	tags := map[string]string{"device_id": o.DeviceID}
	if o.ModuleIndex != nil {
		tags["module_index"] = strconv.Itoa(*o.ModuleIndex)
	}

	for _, raw := range o.Payload {
		p, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		fields := make(map[string]interface{}, len(p))
		for k, v := range p {
			if k == "sensorIndex" {
				continue
			}
			fields[k] = v
		}
		if len(fields) == 0 {
			continue
		}

		when := o.ParsedAt
		if when.IsZero() {
			when = time.Now()
		}

		point := influxdb2.NewPoint(measurement, tags, fields, when)
		s.writeAPI.WritePoint(point)
	}
}

// Close flushes any buffered points and closes the client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

func measurementFor(mt sif.MessageType) string {
	switch mt {
	case sif.TempHum:
		return "temp_hum"
	case sif.NoiseLevel:
		return "noise_level"
	default:
		return ""
	}
}

