package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the broker's prometheus collectors.
type Metrics struct {
	Published     prometheus.Counter
	Rejected      prometheus.Counter
	Delivered     prometheus.Counter
	Skipped       prometheus.Counter
	ReceiveErrors prometheus.Counter
	Dispatch      prometheus.Histogram

	pending prometheus.GaugeFunc
	modules prometheus.GaugeFunc
}

func newMetrics(b *Broker) *Metrics {
	return &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Subsystem: "broker", Name: "published_total",
			Help: "Messages accepted by Publish.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Subsystem: "broker", Name: "rejected_total",
			Help: "Publish calls refused because the broker was shutting down or full.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Subsystem: "broker", Name: "delivered_total",
			Help: "Receive calls completed without error.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Subsystem: "broker", Name: "skipped_total",
			Help: "Deliveries skipped because the recipient was removed after the snapshot.",
		}),
		ReceiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway", Subsystem: "broker", Name: "receive_errors_total",
			Help: "Receive calls that returned an error or panicked.",
		}),
		Dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway", Subsystem: "broker", Name: "dispatch_seconds",
			Help:    "Time to deliver one message to its whole recipient snapshot.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway", Subsystem: "broker", Name: "pending_messages",
			Help: "Published messages not yet fully dispatched.",
		}, func() float64 { return float64(b.QueueLen()) }),
		modules: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway", Subsystem: "broker", Name: "modules",
			Help: "Registered modules.",
		}, func() float64 { return float64(b.ModuleCount()) }),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Published, m.Rejected, m.Delivered, m.Skipped, m.ReceiveErrors, m.Dispatch, m.pending, m.modules,
	}
}

// register registers every collector, or none of them on failure.
func (m *Metrics) register(reg prometheus.Registerer) error {
	cs := m.collectors()
	for i, c := range cs {
		if err := reg.Register(c); err != nil {
			for _, done := range cs[:i] {
				reg.Unregister(done)
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
