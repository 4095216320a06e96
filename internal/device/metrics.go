package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transformsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vane_transform_total",
		Help: "Total number of layout transforms executed",
	}, []string{"backend", "dtype"})

	transformDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vane_transform_duration_seconds",
		Help:    "Time spent inside the transform kernel",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	transformElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vane_transform_elements_total",
		Help: "Total number of tensor elements moved by transforms",
	}, []string{"backend"})
)
