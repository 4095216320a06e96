package convert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vane_conversions_total",
		Help: "Total number of layout conversions completed",
	}, []string{"op"})

	conversionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vane_conversion_duration_seconds",
		Help:    "End-to-end time per conversion, including descriptor work",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	conversionBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vane_conversion_bytes_total",
		Help: "Total payload bytes converted",
	}, []string{"op"})

	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vane_descriptor_cache_hits_total",
		Help: "Descriptor pairs served from the shape cache",
	}, []string{"op"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vane_descriptor_cache_misses_total",
		Help: "Descriptor pairs derived because the shape changed",
	}, []string{"op"})
)
