package export

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/reading"
)

// InfluxConfig configures the InfluxDB exporter.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// Influx writes each reading as one point.
type Influx struct {
	client      influxdb2.Client
	write       api.WriteAPIBlocking
	measurement string
	logger      *zap.Logger
}

// NewInflux creates a new InfluxDB exporter
func NewInflux(cfg InfluxConfig, logger *zap.Logger) *Influx {
	if cfg.Measurement == "" {
		cfg.Measurement = "meter_reading"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client:      client,
		write:       client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      logger,
	}
}

// Publish writes r using the reading's own field names.
func (in *Influx) Publish(ctx context.Context, r reading.Reading) error {
	fields := make(map[string]interface{}, len(reading.Fields)+2)
	for _, f := range reading.Fields {
		fields[string(f)] = r.Value(f)
	}
	fields[string(reading.Output)] = r.Output
	fields[string(reading.Tamper)] = r.Tamper

	tags := map[string]string{
		"serial": r.Serial,
		"family": string(r.Family),
	}
	p := influxdb2.NewPoint(in.measurement, tags, fields, r.CapturedAt)

	if err := in.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("failed to write point to influxdb: %w", err)
	}
	in.logger.Debug("reading written to influxdb",
		zap.String("serial", r.Serial),
		zap.String("measurement", in.measurement),
	)
	return nil
}

// Close releases the client.
func (in *Influx) Close() {
	in.client.Close()
}
