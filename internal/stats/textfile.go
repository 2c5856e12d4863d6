package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"phylopack/internal/fault"
)

// WriteTextfile exports stage timings in the node_exporter textfile format so
// batch runs can be scraped after they exit.
func WriteTextfile(path, runID string, stages []Stage) error {
	reg := prometheus.NewRegistry()
	seconds := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "phylopack",
		Name:      "stage_seconds",
		Help:      "Time spent per pipeline stage timing, by clock.",
		ConstLabels: prometheus.Labels{
			"run_id": runID,
		},
	}, []string{"stage", "timing", "clock"})
	rss := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "phylopack",
		Name:        "stage_max_rss_megabytes",
		Help:        "Peak resident set size observed at the end of each stage.",
		ConstLabels: prometheus.Labels{"run_id": runID},
	}, []string{"stage"})
	reg.MustRegister(seconds, rss)

	for _, st := range stages {
		for name, t := range st.Stats.Timings {
			seconds.WithLabelValues(st.Name, name, "wall").Set(t.WallTime)
			if t.HasCPU() {
				seconds.WithLabelValues(st.Name, name, "user").Set(*t.UserTime)
				seconds.WithLabelValues(st.Name, name, "system").Set(*t.SystemTime)
			}
		}
		rss.WithLabelValues(st.Name).Set(st.Stats.Resources.MaxRSSMB)
	}
	return fault.IO("write metrics textfile", prometheus.WriteToTextfile(path, reg))
}
