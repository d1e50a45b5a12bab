/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics wires the counters, gauges and histograms every g3
// component emits onto a shared prometheus registry. The actual shipping to
// a StatsD/graphite/opentsdb sink is an excluded external collaborator
// (spec.md §1); this package only has to make those values observable the
// way the rest of the daemon family does it, via a local registry that an
// external scraper or sink adapter drains.
package metrics

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// DaemonGroup is the common tag attached to every metric emitted by this
// process, matching the control-plane group selected with -G.
var DaemonGroup = "default"

// Registry collects every counter/gauge/histogram a component registers and
// exposes them to a prometheus-compatible scraper. A fresh Registry is
// created per daemon instance so that repeated test runs do not collide on
// the global prometheus.DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP /metrics
// handler or for tests asserting on specific series.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// MustRegister registers one or more collectors, panicking on duplicate
// registration — mirroring prometheus.MustRegister, used the same way the
// teacher registers its SSH-proxy counters at package init.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Register registers a collector, returning an error instead of panicking.
func (r *Registry) Register(c prometheus.Collector) error {
	if err := r.reg.Register(c); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Component bundles a Counter/Gauge/Histogram factory scoped to one
// component name (server, escaper, resolver, auditor, user-group, pool).
// Every component in the engine calls NewComponent once at construction
// time and uses it for every metric it emits, so tag conventions (the
// daemon_group label plus the component's own name) stay consistent.
type Component struct {
	registry *Registry
	name     string
}

// NewComponent returns a Component bound to name, registering metrics into
// reg.
func NewComponent(reg *Registry, name string) *Component {
	return &Component{registry: reg, name: name}
}

const labelDaemonGroup = "daemon_group"

// Counter creates and registers a monotonic counter named
// "<component>.<name>".
func (c *Component) Counter(name, help string) prometheus.Counter {
	ctr := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "g3",
		Subsystem:   c.name,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{labelDaemonGroup: DaemonGroup},
	})
	c.registry.MustRegister(ctr)
	return ctr
}

// CounterVec creates and registers a counter vector with the given label
// names, e.g. per-reason user.forbidden.* counters (spec.md §4.5).
func (c *Component) CounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	ctr := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "g3",
		Subsystem:   c.name,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{labelDaemonGroup: DaemonGroup},
	}, labels)
	c.registry.MustRegister(ctr)
	return ctr
}

// Gauge creates and registers a gauge named "<component>.<name>".
func (c *Component) Gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "g3",
		Subsystem:   c.name,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{labelDaemonGroup: DaemonGroup},
	})
	c.registry.MustRegister(g)
	return g
}

// DefaultQuantiles are the quantile points reported on every histogram,
// matching spec.md §4.7's {min, max, mean, configured quantiles}.
var DefaultQuantiles = []float64{0.5, 0.9, 0.99}

// Histogram creates and registers a summary (quantile-reporting) collector
// named "<component>.<name>".
func (c *Component) Histogram(name, help string) prometheus.Summary {
	objectives := make(map[float64]float64, len(DefaultQuantiles))
	for _, q := range DefaultQuantiles {
		objectives[q] = 0.01
	}
	h := prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:   "g3",
		Subsystem:   c.name,
		Name:        name,
		Help:        help,
		Objectives:  objectives,
		ConstLabels: prometheus.Labels{labelDaemonGroup: DaemonGroup},
	})
	c.registry.MustRegister(h)
	return h
}
