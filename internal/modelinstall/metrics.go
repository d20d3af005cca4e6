package modelinstall

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "braindrive",
		Subsystem: "model_install",
		Name:      "tasks_active",
		Help:      "Model install tasks not yet terminal",
	})

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "braindrive",
			Subsystem: "model_install",
			Name:      "tasks_finished_total",
			Help:      "Model install tasks by terminal state",
		},
		[]string{"state"},
	)

	dedupedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "braindrive",
		Subsystem: "model_install",
		Name:      "deduplicated_total",
		Help:      "Install requests answered with an in-flight task",
	})
)

func init() {
	prometheus.MustRegister(tasksActive, tasksFinished, dedupedTotal)
}
