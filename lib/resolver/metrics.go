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

package resolver

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bytedance/g3proxy/lib/metrics"
)

// countingDriver wraps a Driver with the resolver.query.driver.*
// counters named in spec.md §4.7 (query count by result, including the
// "timeout" result a failover chain's standby races against), so a
// declaratively-built driver chain emits the same series the rest of
// this engine's components register through a metrics.Component rather
// than staying silent.
type countingDriver struct {
	driver  Driver
	name    string
	queries *prometheus.CounterVec
	latency prometheus.Summary
}

// NewInstrumentedDriver wraps driver so every Query call against it is
// counted by result (ok/timeout/error) and timed, tagged with name (the
// resolver entry's configured name). A nil reg disables instrumentation
// and returns driver unchanged.
func NewInstrumentedDriver(driver Driver, reg *metrics.Registry, name string) Driver {
	if reg == nil {
		return driver
	}
	comp := metrics.NewComponent(reg, "resolver")
	return &countingDriver{
		driver:  driver,
		name:    name,
		queries: comp.CounterVec("query_driver_total", "resolver driver queries by result", "resolver", "result"),
		latency: comp.Histogram("query_driver_latency_seconds", "resolver driver query latency"),
	}
}

func (d *countingDriver) Query(ctx context.Context, name string, family Family) (*ResolvedSet, *ResolveError) {
	start := time.Now()
	set, rerr := d.driver.Query(ctx, name, family)
	d.latency.Observe(time.Since(start).Seconds())
	result := "ok"
	if rerr != nil {
		if rerr.Kind == Timeout {
			result = "timeout"
		} else {
			result = "error"
		}
	}
	d.queries.WithLabelValues(d.name, result).Inc()
	return set, rerr
}
