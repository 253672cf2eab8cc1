package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sboxd_fetch_source_failures_total",
		Help: "Failed download attempts by source kind.",
	}, []string{"kind"})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sboxd_fetch_tasks_total",
		Help: "Fetch-and-install tasks by result.",
	}, []string{"result"})

	downloadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sboxd_fetch_downloaded_bytes_total",
		Help: "Bytes written to archives by successful downloads.",
	})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sboxd_fetch_task_duration_seconds",
		Help:    "Wall time of fetch-and-install tasks.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)
