package export

import (
	"context"
	"time"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/pkg/buffer"
	"github.com/mjasion/meterlink/pkg/metrics"
	"github.com/mjasion/meterlink/reading"
)

// RemoteWriteConfig configures the remote_write exporter.
type RemoteWriteConfig struct {
	URL          string
	Username     string
	Password     string
	PushInterval time.Duration
	BatchSize    int
	BufferSize   int
	// Labels are added to every series, e.g. site or instance.
	Labels map[string]string
}

// RemoteWrite buffers readings and pushes them to a Prometheus remote_write
// endpoint on an interval.
type RemoteWrite struct {
	buf    *buffer.RingBuffer[reading.Reading]
	pusher *metrics.Pusher[reading.Reading]
}

// NewRemoteWrite creates a new remote_write exporter
func NewRemoteWrite(cfg RemoteWriteConfig, logger *zap.Logger) *RemoteWrite {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 3600
	}
	buf := buffer.New[reading.Reading](cfg.BufferSize, logger)
	pusher := metrics.New(metrics.Config[reading.Reading]{
		URL:               cfg.URL,
		Username:          cfg.Username,
		Password:          cfg.Password,
		PushInterval:      cfg.PushInterval,
		BatchSize:         cfg.BatchSize,
		TimeSeriesBuilder: ReadingSeriesBuilder(cfg.Labels),
	}, buf, logger)
	return &RemoteWrite{buf: buf, pusher: pusher}
}

// Publish buffers r for the next push.
func (rw *RemoteWrite) Publish(_ context.Context, r reading.Reading) error {
	rw.buf.Add(r)
	return nil
}

// Run pushes until ctx is done.
func (rw *RemoteWrite) Run(ctx context.Context) {
	rw.pusher.Run(ctx)
}

// Flush pushes whatever is buffered now.
func (rw *RemoteWrite) Flush(ctx context.Context) {
	rw.pusher.Flush(ctx)
}

// Pending returns the number of buffered readings.
func (rw *RemoteWrite) Pending() int {
	return rw.buf.Size()
}

// ReadingSeriesBuilder returns a builder emitting one series per metric and
// meter, with samples in capture order.
func ReadingSeriesBuilder(extra map[string]string) metrics.TimeSeriesBuilder[reading.Reading] {
	return func(ctx context.Context, readings []reading.Reading) ([]prompb.TimeSeries, error) {
		_, span := otel.Tracer("export").Start(ctx, "export.BuildReadingSeries")
		defer span.End()

		type meterKey struct {
			serial string
			family string
		}
		var order []meterKey
		grouped := make(map[meterKey][]reading.Reading)
		for _, r := range readings {
			k := meterKey{serial: r.Serial, family: string(r.Family)}
			if _, ok := grouped[k]; !ok {
				order = append(order, k)
			}
			grouped[k] = append(grouped[k], r)
		}

		var out []prompb.TimeSeries
		for _, k := range order {
			labels := []prompb.Label{
				{Name: "serial", Value: k.serial},
				{Name: "family", Value: k.family},
			}
			for name, value := range extra {
				labels = append(labels, prompb.Label{Name: name, Value: value})
			}

			for _, m := range readingMetrics {
				samples := make([]prompb.Sample, 0, len(grouped[k]))
				for _, r := range grouped[k] {
					samples = append(samples, prompb.Sample{
						Value:     m.value(r),
						Timestamp: r.CapturedAt.UnixMilli(),
					})
				}
				out = append(out, metrics.Series(m.name, labels, samples))
			}
		}

		span.SetAttributes(attribute.Int("export.time_series_count", len(out)))
		span.SetStatus(codes.Ok, "reading series built")
		return out, nil
	}
}
