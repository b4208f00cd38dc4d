package ingest

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricRecordsInserted = "records_inserted_total"
	MetricRecordsUpdated  = "records_updated_total"
	MetricErrors          = "errors_total"
	MetricRuns            = "runs_total"
	MetricRunDuration     = "last_run_duration_seconds"
)

var CounterRecordsInserted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cpemirror",
		Name:      MetricRecordsInserted,
		Help:      "Records created in the store.",
	},
	[]string{"variant"},
)

var CounterRecordsUpdated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cpemirror",
		Name:      MetricRecordsUpdated,
		Help:      "Records replaced in the store.",
	},
	[]string{"variant"},
)

var CounterErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cpemirror",
		Name:      MetricErrors,
		Help:      "Soft and fatal errors observed during ingestion.",
	},
	[]string{"kind"},
)

var CounterRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cpemirror",
		Name:      MetricRuns,
		Help:      "Completed ingestion runs by outcome.",
	},
	[]string{"variant", "outcome"},
)

var GaugeRunDuration = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cpemirror",
		Name:      MetricRunDuration,
		Help:      "Wall clock duration of the last run.",
	},
	[]string{"variant"},
)

func init() {
	prometheus.MustRegister(CounterRecordsInserted)
	prometheus.MustRegister(CounterRecordsUpdated)
	prometheus.MustRegister(CounterErrors)
	prometheus.MustRegister(CounterRuns)
	prometheus.MustRegister(GaugeRunDuration)
}
