package deploy

import "github.com/prometheus/client_golang/prometheus"

var (
	deploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regainflow",
		Subsystem: "deploy",
		Name:      "deployments_total",
		Help:      "Deployment runs by outcome",
	}, []string{"outcome"})

	activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "regainflow",
		Subsystem: "deploy",
		Name:      "active_runs",
		Help:      "Deployment simulations currently running",
	})

	provisioningEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regainflow",
		Subsystem: "deploy",
		Name:      "provisioning_events_total",
		Help:      "Inbound provisioning events by source",
	}, []string{"source"})
)

func init() {
	collectors := []prometheus.Collector{deploymentsTotal, activeRuns, provisioningEvents}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				continue
			}
			switch v := are.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				if collector == deploymentsTotal {
					deploymentsTotal = v
				} else if collector == provisioningEvents {
					provisioningEvents = v
				}
			case prometheus.Gauge:
				activeRuns = v
			}
		}
	}
}

const (
	outcomeStarted   = "started"
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

func observeOutcome(outcome string) {
	deploymentsTotal.WithLabelValues(outcome).Inc()
}
