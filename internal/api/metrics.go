package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eyelocater_runs_total",
		Help: "Annotation runs by terminal status.",
	}, []string{"status"})

	backendFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eyelocater_backend_fallbacks_total",
		Help: "Runs that fell back from the accelerated backend to CPU.",
	})

	previewCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eyelocater_preview_cache_requests_total",
		Help: "Preview requests by cache outcome.",
	}, []string{"outcome"})
)
