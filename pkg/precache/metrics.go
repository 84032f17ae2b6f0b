package precache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	fetchTotal      *prometheus.CounterVec
	installTotal    *prometheus.CounterVec
	installDuration prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_total",
			Help: "The total number of fetch events by result",
		}, []string{"result"}),
		installTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "install_total",
			Help: "The total number of installs by result",
		}, []string{"result"}),
		installDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "install_duration_seconds",
			Help:    "The duration of installs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.fetchTotal, m.installTotal, m.installDuration} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
