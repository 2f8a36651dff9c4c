package plan

import "github.com/prometheus/client_golang/prometheus"

var planResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "regainflow",
	Subsystem: "plan",
	Name:      "results_total",
	Help:      "Deployment plans produced, by source",
}, []string{"source"})

func init() {
	if err := prometheus.Register(planResults); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				planResults = existing
			}
		}
	}
}

func observePlan(source Source) {
	planResults.WithLabelValues(string(source)).Inc()
}
