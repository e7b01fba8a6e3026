package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream orchestrator.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	transcoderState   *prometheus.GaugeVec
	transcoderSpawns  prometheus.Counter
	transcoderFailure prometheus.Counter
	viewers           prometheus.Gauge
	eventsPublished   *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	configUpdates     prometheus.Counter
	configRejected    prometheus.Counter
	lastFPS           prometheus.Gauge
	lastBitrate       prometheus.Gauge
}

// TranscoderStates lists the label values of the transcoder state gauge.
var TranscoderStates = []string{"stopped", "starting", "running", "failed"}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		transcoderState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "live_transcoder_state",
			Help: "1 for the current transcoder state, 0 for the others",
		}, []string{"state"}),
		transcoderSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_transcoder_spawns_total",
			Help: "Total number of transcoder processes spawned",
		}),
		transcoderFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_transcoder_failures_total",
			Help: "Total number of spawn errors and abnormal transcoder exits",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_viewers",
			Help: "Number of open viewer signaling connections",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_events_published_total",
			Help: "Signaling events published, by event type",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_events_dropped_total",
			Help: "Signaling deliveries dropped because a viewer queue was full",
		}),
		configUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_config_updates_total",
			Help: "Accepted streaming configuration writes",
		}),
		configRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_config_rejected_total",
			Help: "Streaming configuration writes rejected for authorization or validation",
		}),
		lastFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_transcoder_fps",
			Help: "Most recent frames per second reported by the transcoder",
		}),
		lastBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_transcoder_bitrate_kbps",
			Help: "Most recent output bitrate in kbit/s reported by the transcoder",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.transcoderState,
		m.transcoderSpawns,
		m.transcoderFailure,
		m.viewers,
		m.eventsPublished,
		m.eventsDropped,
		m.configUpdates,
		m.configRejected,
		m.lastFPS,
		m.lastBitrate,
	)
	m.SetTranscoderState("stopped")

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// SetTranscoderState marks state as the current transcoder state.
func (m *Metrics) SetTranscoderState(state string) {
	if m == nil {
		return
	}
	for _, s := range TranscoderStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.transcoderState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncSpawns() {
	if m == nil {
		return
	}
	m.transcoderSpawns.Inc()
}

func (m *Metrics) IncFailures() {
	if m == nil {
		return
	}
	m.transcoderFailure.Inc()
}

// SetViewers sets the viewers gauge.
func (m *Metrics) SetViewers(n int) {
	if m == nil {
		return
	}
	m.viewers.Set(float64(n))
}

func (m *Metrics) IncEventsPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AddEventsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}

func (m *Metrics) IncConfigUpdates() {
	if m == nil {
		return
	}
	m.configUpdates.Inc()
}

func (m *Metrics) IncConfigRejected() {
	if m == nil {
		return
	}
	m.configRejected.Inc()
}

// ObserveStats records the latest telemetry values; nil values are left untouched.
func (m *Metrics) ObserveStats(fps *int, bitrateKbps *float64) {
	if m == nil {
		return
	}
	if fps != nil {
		m.lastFPS.Set(float64(*fps))
	}
	if bitrateKbps != nil {
		m.lastBitrate.Set(*bitrateKbps)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. viewers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
