package telemetry

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/stephnangue/steward/logger"
)

// Tracker records operation events and exceptions. Implementations must
// never fail the operation being recorded; recording is fire-and-forget.
type Tracker interface {
	// TrackEvent records a named event with string properties and
	// numeric metrics (durations in milliseconds, cardinalities, ...)
	TrackEvent(name string, properties map[string]string, values map[string]float64)

	// TrackException records an error. Callers still propagate the
	// error; recording never suppresses it.
	TrackException(err error, properties map[string]string)
}

// MetricsTracker implements Tracker over go-metrics plus structured logs:
// counters per event name, a sample per metric value, and one log line
// carrying the full property set for correlation.
type MetricsTracker struct {
	serviceName string
	logger      logger.Logger
}

// Compile-time interface assertion
var _ Tracker = (*MetricsTracker)(nil)

// NewMetricsTracker creates a tracker that feeds the in-process go-metrics
// sink configured at startup.
func NewMetricsTracker(serviceName string, log logger.Logger) (*MetricsTracker, error) {
	return &MetricsTracker{
		serviceName: serviceName,
		logger:      log,
	}, nil
}

// SetupSink wires the global go-metrics sink with an in-memory aggregator.
// Called once from the server command.
func SetupSink(serviceName string) error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	_, err := metrics.NewGlobal(cfg, inm)
	return err
}

func (t *MetricsTracker) TrackEvent(name string, properties map[string]string, values map[string]float64) {
	metrics.IncrCounter([]string{"event", name}, 1)
	for metric, value := range values {
		metrics.AddSample([]string{"event", name, metric}, float32(value))
	}

	fields := make([]logger.TypedField, 0, len(properties)+len(values)+1)
	fields = append(fields, logger.String("event", name))
	for k, v := range properties {
		fields = append(fields, logger.String(k, v))
	}
	for k, v := range values {
		fields = append(fields, logger.Float64(k, v))
	}
	t.logger.Info("telemetry event", fields...)
}

func (t *MetricsTracker) TrackException(err error, properties map[string]string) {
	metrics.IncrCounter([]string{"exception"}, 1)

	fields := make([]logger.TypedField, 0, len(properties)+1)
	fields = append(fields, logger.Err(err))
	for k, v := range properties {
		fields = append(fields, logger.String(k, v))
	}
	t.logger.Error("telemetry exception", fields...)
}

// NopTracker discards everything. Used in tests.
type NopTracker struct{}

var _ Tracker = (*NopTracker)(nil)

func (NopTracker) TrackEvent(name string, properties map[string]string, values map[string]float64) {
}

func (NopTracker) TrackException(err error, properties map[string]string) {
}
