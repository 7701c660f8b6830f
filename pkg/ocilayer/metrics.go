package ocilayer

import "github.com/prometheus/client_golang/prometheus"

var entriesWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "imagekit",
	Subsystem: "ocilayer",
	Name:      "tar_entries_written_total",
	Help:      "Tar entries written by the layer synthesizer, by kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(entriesWrittenTotal)
}
