package isolate

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagekit",
		Subsystem: "isolate",
		Name:      "runs_total",
		Help:      "Isolated runs started, by invocation type.",
	}, []string{"invocation_type"})

	ephemeralLeaksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imagekit",
		Subsystem: "isolate",
		Name:      "ephemeral_leaks_total",
		Help:      "Ephemeral snapshot cleanups that failed on both the btrfs-delete and recursive-remove paths.",
	})
)

func init() {
	prometheus.MustRegister(runsTotal, ephemeralLeaksTotal)
}
