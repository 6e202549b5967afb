package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderq",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Jobs that reached a terminal status, by status.",
	}, []string{"status"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "renderq",
		Subsystem: "jobs",
		Name:      "in_flight",
		Help:      "Jobs currently between the processing transition and their terminal write.",
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "renderq",
		Subsystem: "jobs",
		Name:      "cache_hits_total",
		Help:      "Jobs satisfied from the on-disk result cache without execution.",
	})
)
