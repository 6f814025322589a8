package endpoint

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	handshakeStarted   *prometheus.CounterVec
	handshakeCompleted *prometheus.CounterVec
	handshakeFailed    *prometheus.CounterVec
	resourcesReleased  *prometheus.CounterVec
	releaseFailed      *prometheus.CounterVec
}

var (
	handshakeLabelKeys = []string{labelDevice, labelPort, labelGIDIndex}
	failureLabelKeys   = []string{labelDevice, labelPort, labelGIDIndex, labelStage}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus
// counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		handshakeStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ibverbs_endpoint_handshake_started_total",
			Help:        "Number of endpoint handshakes started",
			ConstLabels: opts.ConstLabels,
		}, handshakeLabelKeys),
		handshakeCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ibverbs_endpoint_handshake_completed_total",
			Help:        "Number of endpoint handshakes that reached ready-to-send",
			ConstLabels: opts.ConstLabels,
		}, handshakeLabelKeys),
		handshakeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ibverbs_endpoint_handshake_failed_total",
			Help:        "Number of endpoint handshakes that failed, by stage",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
		resourcesReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ibverbs_endpoint_resources_released_total",
			Help:        "Number of clean endpoint teardowns",
			ConstLabels: opts.ConstLabels,
		}, handshakeLabelKeys),
		releaseFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ibverbs_endpoint_release_failed_total",
			Help:        "Number of endpoint teardowns where a native release call failed",
			ConstLabels: opts.ConstLabels,
		}, handshakeLabelKeys),
	}

	var err error
	if p.handshakeStarted, err = registerCounterVec(reg, p.handshakeStarted); err != nil {
		return nil, err
	}
	if p.handshakeCompleted, err = registerCounterVec(reg, p.handshakeCompleted); err != nil {
		return nil, err
	}
	if p.handshakeFailed, err = registerCounterVec(reg, p.handshakeFailed); err != nil {
		return nil, err
	}
	if p.resourcesReleased, err = registerCounterVec(reg, p.resourcesReleased); err != nil {
		return nil, err
	}
	if p.releaseFailed, err = registerCounterVec(reg, p.releaseFailed); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusMetrics) HandshakeStarted(attrs map[string]string) {
	p.handshakeStarted.With(labels(attrs, handshakeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandshakeCompleted(attrs map[string]string) {
	p.handshakeCompleted.With(labels(attrs, handshakeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandshakeFailed(stage string, _ error, attrs map[string]string) {
	labs := labels(attrs, failureLabelKeys...)
	labs[labelStage] = stage
	p.handshakeFailed.With(labs).Inc()
}

func (p *PrometheusMetrics) ResourcesReleased(attrs map[string]string) {
	p.resourcesReleased.With(labels(attrs, handshakeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReleaseFailed(_ error, attrs map[string]string) {
	p.releaseFailed.With(labels(attrs, handshakeLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
