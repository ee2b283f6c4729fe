// Package metrics provides prometheus instrumentation for the relay.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's prometheus collectors
type Metrics struct {
	brokerConnected  prometheus.Gauge
	sessionsActive   prometheus.Gauge
	framesTotal      *prometheus.CounterVec
	stompErrorsTotal prometheus.Counter
	reconnectsTotal  prometheus.Counter
	heartbeatsSent   prometheus.Counter
	goroutines       prometheus.Gauge
}

// NewMetrics creates and registers the relay metrics. A nil registerer
// creates unregistered collectors, which tests use.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_relay_broker_connected",
			Help: "Whether the system session is STOMP-connected to the broker (1 or 0)",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_relay_sessions_active",
			Help: "Number of live session handlers, the system session included",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_relay_frames_total",
			Help: "Frames relayed, labeled by direction (forwarded, received, dropped)",
		}, []string{"direction"}),
		stompErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomp_relay_stomp_errors_total",
			Help: "STOMP ERROR frames emitted to the outbound application channel",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomp_relay_system_reconnects_total",
			Help: "Reconnect cycles of the system session",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomp_relay_heartbeats_sent_total",
			Help: "Heartbeat frames sent to the broker on the system session",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_relay_goroutines",
			Help: "Number of goroutines",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.brokerConnected,
			m.sessionsActive,
			m.framesTotal,
			m.stompErrorsTotal,
			m.reconnectsTotal,
			m.heartbeatsSent,
			m.goroutines,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// SetBrokerConnectionStatus records system-session STOMP connectedness
func (m *Metrics) SetBrokerConnectionStatus(connected bool) {
	if connected {
		m.brokerConnected.Set(1)
	} else {
		m.brokerConnected.Set(0)
	}
}

// SetSessionsActive records the session handler count
func (m *Metrics) SetSessionsActive(count float64) {
	m.sessionsActive.Set(count)
}

// IncFramesTotal increments the frame counter for a direction
func (m *Metrics) IncFramesTotal(direction string) {
	m.framesTotal.WithLabelValues(direction).Inc()
}

// IncStompErrors increments the outbound STOMP ERROR counter
func (m *Metrics) IncStompErrors() {
	m.stompErrorsTotal.Inc()
}

// IncSystemReconnects increments the system reconnect counter
func (m *Metrics) IncSystemReconnects() {
	m.reconnectsTotal.Inc()
}

// IncHeartbeatsSent increments the sent heartbeat counter
func (m *Metrics) IncHeartbeatsSent() {
	m.heartbeatsSent.Inc()
}

// MetricsCollector periodically samples runtime gauges
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewMetricsCollector creates a collector sampling at the given interval
func NewMetricsCollector(m *Metrics, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins periodic collection
func (c *MetricsCollector) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts collection and waits for the collector goroutine to exit
func (c *MetricsCollector) Stop() {
	close(c.stop)
	<-c.done
}
