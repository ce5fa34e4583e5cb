package runtime

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rabbitflow"

// serviceMetrics holds the Prometheus collectors of one service. A nil
// *serviceMetrics records nothing.
type serviceMetrics struct {
	messages          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	publishes         *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	connectionLosses  prometheus.Counter
	connectionState   prometheus.Gauge
	backoffDelay      prometheus.Gauge
}

func newServiceMetrics(reg prometheus.Registerer) (*serviceMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &serviceMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Messages processed, by channel, controller and result.",
		}, []string{"channel", "controller", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "message_duration_seconds",
			Help:      "Time spent in the middleware chain and controller.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "controller"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "published_total",
			Help:      "Messages published, by channel.",
		}, []string{"channel"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made.",
		}),
		connectionLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_losses_total",
			Help:      "Qualifying connection failures observed on live connections.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Reconnect state: 0 reconnecting, 1 connected, 2 backoff wait, 3 stopped.",
		}),
		backoffDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Current reconnect backoff delay.",
		}),
	}

	var err error
	m.messages = registerOrReuse(reg, m.messages, &err)
	m.duration = registerOrReuse(reg, m.duration, &err)
	m.publishes = registerOrReuse(reg, m.publishes, &err)
	m.reconnectAttempts = registerOrReuse(reg, m.reconnectAttempts, &err)
	m.connectionLosses = registerOrReuse(reg, m.connectionLosses, &err)
	m.connectionState = registerOrReuse(reg, m.connectionState, &err)
	m.backoffDelay = registerOrReuse(reg, m.backoffDelay, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse registers c, or returns the collector already registered
// under the same descriptor.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C, errOut *error) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		if *errOut == nil {
			*errOut = err
		}
	}
	return c
}

func (m *serviceMetrics) middleware(rc *RequestContext, next Next) error {
	start := time.Now()
	err := next()
	result := "success"
	if err != nil {
		result = "error"
	}
	m.messages.WithLabelValues(rc.Channel, rc.Socket.Controller, result).Inc()
	m.duration.WithLabelValues(rc.Channel, rc.Socket.Controller).Observe(time.Since(start).Seconds())
	return err
}

func (m *serviceMetrics) published(channel string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(channel).Inc()
}

func (m *serviceMetrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *serviceMetrics) connectionLost() {
	if m == nil {
		return
	}
	m.connectionLosses.Inc()
}

func (m *serviceMetrics) observeConnection(state ConnectionState, _ int, delay time.Duration) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
	m.backoffDelay.Set(delay.Seconds())
}
