package endpoint

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter              metric.Meter
	handshakeStarted   metric.Int64Counter
	handshakeCompleted metric.Int64Counter
	handshakeFailed    metric.Int64Counter
	resourcesReleased  metric.Int64Counter
	releaseFailed      metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/ibverbs-go/endpoint"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	handshakeStarted, err := meter.Int64Counter("ibverbs.endpoint.handshake.started")
	if err != nil {
		return nil, err
	}
	handshakeCompleted, err := meter.Int64Counter("ibverbs.endpoint.handshake.completed")
	if err != nil {
		return nil, err
	}
	handshakeFailed, err := meter.Int64Counter("ibverbs.endpoint.handshake.failed")
	if err != nil {
		return nil, err
	}
	resourcesReleased, err := meter.Int64Counter("ibverbs.endpoint.resources.released")
	if err != nil {
		return nil, err
	}
	releaseFailed, err := meter.Int64Counter("ibverbs.endpoint.release.failed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:              meter,
		handshakeStarted:   handshakeStarted,
		handshakeCompleted: handshakeCompleted,
		handshakeFailed:    handshakeFailed,
		resourcesReleased:  resourcesReleased,
		releaseFailed:      releaseFailed,
	}, nil
}

// HandshakeStarted records that an endpoint handshake has begun.
func (o *OTelMetrics) HandshakeStarted(attrs map[string]string) {
	o.handshakeStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// HandshakeCompleted records a handshake that reached ready-to-send.
func (o *OTelMetrics) HandshakeCompleted(attrs map[string]string) {
	o.handshakeCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// HandshakeFailed records a handshake that failed, tagged with the stage
// that produced the error.
func (o *OTelMetrics) HandshakeFailed(stage string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelStage, stage))
	o.handshakeFailed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// ResourcesReleased records a clean endpoint teardown.
func (o *OTelMetrics) ResourcesReleased(attrs map[string]string) {
	o.resourcesReleased.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReleaseFailed records a teardown where a native release call failed.
func (o *OTelMetrics) ReleaseFailed(_ error, attrs map[string]string) {
	o.releaseFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelDevice, attrs[labelDevice]),
		attribute.String(labelPort, attrs[labelPort]),
	}
	if v := attrs[labelGIDIndex]; v != "" {
		kvs = append(kvs, attribute.String(labelGIDIndex, v))
	}
	return kvs
}
