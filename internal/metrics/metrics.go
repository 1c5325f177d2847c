// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package metrics is the platform's Prometheus-backed metrics registry.
// Every subsystem registers its counters/gauges/histograms here once, at
// construction time, rather than reaching for global package-level
// metrics, so that multiple node instances in one process (tests) don't
// collide on metric names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is a per-node metrics namespace.
type Registry struct {
	reg *prometheus.Registry
	ns  string
}

// New creates a Registry whose metrics are prefixed with namespace, e.g.
// "hashgraph" or "gossip".
func New(namespace string) *Registry {
	return &Registry{reg: prometheus.NewRegistry(), ns: namespace}
}

// Prometheus exposes the underlying registry for an HTTP exposition
// handler (promhttp.HandlerFor).
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Counter registers and returns a monotonic counter.
func (r *Registry) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.ns,
		Name:      name,
		Help:      help,
	}, labels)
	r.reg.MustRegister(c)
	return c
}

// Gauge registers and returns a gauge.
func (r *Registry) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: r.ns,
		Name:      name,
		Help:      help,
	}, labels)
	r.reg.MustRegister(g)
	return g
}

// Histogram registers and returns a histogram with the given buckets.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.ns,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	r.reg.MustRegister(h)
	return h
}
