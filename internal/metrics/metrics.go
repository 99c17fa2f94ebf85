package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for trackers and sinks.
type Metrics struct {
	cycles          *prometheus.CounterVec
	eventsScanned   *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	sinkSends       *prometheus.CounterVec
	pending         *prometheus.GaugeVec
	blocksBehind    *prometheus.GaugeVec
	resumeBlock     *prometheus.GaugeVec
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_tracker_cycles_total",
				Help: "Scan cycles by outcome",
			}, []string{"tracker", "result"}),
			eventsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_tracker_events_scanned_total",
				Help: "Events fetched from the chain and buffered",
			}, []string{"tracker"}),
			eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_tracker_events_delivered_total",
				Help: "Events accepted by the handler",
			}, []string{"tracker"}),
			handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_tracker_handler_failures_total",
				Help: "Handler calls that failed and halted dispatch",
			}, []string{"tracker"}),
			eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_tracker_events_dropped_total",
				Help: "Events skipped by routing (predicate/dedupe)",
			}, []string{"reason"}),
			sinkSends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_tracker_sink_sends_total",
				Help: "Sink delivery attempts by outcome",
			}, []string{"sink", "result"}),
			pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "event_tracker_pending_events",
				Help: "Events buffered but not yet delivered",
			}, []string{"tracker"}),
			blocksBehind: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "event_tracker_blocks_behind",
				Help: "Blocks between the chain head and the last scanned block",
			}, []string{"tracker"}),
			resumeBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "event_tracker_resume_block",
				Help: "Last persisted resume point",
			}, []string{"tracker"}),
		}
		prometheus.MustRegister(
			metrics.cycles,
			metrics.eventsScanned,
			metrics.eventsDelivered,
			metrics.handlerFailures,
			metrics.eventsDropped,
			metrics.sinkSends,
			metrics.pending,
			metrics.blocksBehind,
			metrics.resumeBlock,
		)
	})
	return metrics
}

// CycleCompleted counts a successful scan cycle.
func (m *Metrics) CycleCompleted(tracker string) {
	if m != nil {
		m.cycles.WithLabelValues(tracker, "ok").Inc()
	}
}

// CycleFailed counts a failed cycle; phase is where it failed (head, scan, checkpoint).
func (m *Metrics) CycleFailed(tracker, phase string) {
	if m != nil {
		m.cycles.WithLabelValues(tracker, phase+"_error").Inc()
	}
}

// EventsScanned adds n buffered events.
func (m *Metrics) EventsScanned(tracker string, n int) {
	if m != nil && n > 0 {
		m.eventsScanned.WithLabelValues(tracker).Add(float64(n))
	}
}

// EventDelivered increments the delivered counter.
func (m *Metrics) EventDelivered(tracker string) {
	if m != nil {
		m.eventsDelivered.WithLabelValues(tracker).Inc()
	}
}

// HandlerFailed increments the handler failure counter.
func (m *Metrics) HandlerFailed(tracker string) {
	if m != nil {
		m.handlerFailures.WithLabelValues(tracker).Inc()
	}
}

// EventDropped increments the dropped counter for reason.
func (m *Metrics) EventDropped(reason string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(reason).Inc()
	}
}

// SinkSend records a sink delivery attempt.
func (m *Metrics) SinkSend(sink string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.sinkSends.WithLabelValues(sink, result).Inc()
}

// ObserveCycle sets the per-tracker gauges after a cycle.
func (m *Metrics) ObserveCycle(tracker string, pending int, blocksBehind, resumeBlock uint64) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(tracker).Set(float64(pending))
	m.blocksBehind.WithLabelValues(tracker).Set(float64(blocksBehind))
	m.resumeBlock.WithLabelValues(tracker).Set(float64(resumeBlock))
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
