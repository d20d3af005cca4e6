package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	managersLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "braindrive",
		Subsystem: "lifecycle",
		Name:      "managers_loaded",
		Help:      "Lifecycle managers currently cached",
	})

	managerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "braindrive",
			Subsystem: "lifecycle",
			Name:      "events_total",
			Help:      "Lifecycle registry events by name",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(managersLoaded, managerEvents)
}
