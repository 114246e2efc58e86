package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glassproxy_requests_total",
		Help: "Proxied requests by method and status class",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "glassproxy_request_duration_seconds",
		Help:    "Upstream round-trip duration",
		Buckets: prometheus.DefBuckets,
	})

	connectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glassproxy_connects_total",
		Help: "CONNECT requests by outcome",
	}, []string{"outcome"})

	certMintsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glassproxy_cert_mints_total",
		Help: "Leaf certificates minted by this process",
	})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glassproxy_cert_cache_lookups_total",
		Help: "Certificate cache lookups by result",
	}, []string{"result"})

	activeTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glassproxy_active_tunnels",
		Help: "Currently open intercepted tunnel sessions",
	})

	logDroppedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glassproxy_log_dropped_lines_total",
		Help: "Log lines dropped because the writer channel was saturated",
	})
)
