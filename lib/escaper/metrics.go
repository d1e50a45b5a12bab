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

package escaper

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bytedance/g3proxy/lib/logs"
	"github.com/bytedance/g3proxy/lib/metrics"
)

// instrumentedNode wraps a Node with the escape.connection.* counters
// named in spec.md §4.7 (attempt/establish/error/timeout) and, on
// failure, an escape-channel log record, without requiring every Node
// implementation to know about metrics or logging itself.
type instrumentedNode struct {
	Node
	attempt   prometheus.Counter
	establish prometheus.Counter
	errors    *prometheus.CounterVec
	log       *logs.Logger
}

// Instrument wraps n so every Dial is counted and, on failure, logged to
// the escape channel. A nil reg and/or log leaves the corresponding
// instrumentation off; either can be supplied independently since a
// component may want metrics without a configured escape-log sink or
// vice versa.
func Instrument(n Node, reg *metrics.Registry, log *logs.Logger) Node {
	if reg == nil && log == nil {
		return n
	}
	in := &instrumentedNode{Node: n, log: log}
	if reg != nil {
		comp := metrics.NewComponent(reg, "escaper")
		in.attempt = comp.Counter("connection_attempt_total", "escaper dial attempts")
		in.establish = comp.Counter("connection_establish_total", "escaper dials that produced a connection")
		in.errors = comp.CounterVec("connection_error_total", "escaper dial failures by kind", "node", "kind")
	}
	return in
}

// Unwrap returns the wrapped Node, so callers that need a concrete type
// (the control plane's publish RPC, which type-switches on
// *DirectFloat/*ProxyFloat) can see through instrumentation.
func (n *instrumentedNode) Unwrap() Node { return n.Node }

func (n *instrumentedNode) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	if n.attempt != nil {
		n.attempt.Inc()
	}
	conn, eerr := n.Node.Dial(ctx, req)
	if eerr != nil {
		if n.errors != nil {
			n.errors.WithLabelValues(n.Node.Name(), eerr.Kind.String()).Inc()
		}
		if n.log != nil {
			n.log.EscapeError("", eerr.Node, req.Host, eerr)
		}
		return nil, eerr
	}
	if n.establish != nil {
		n.establish.Inc()
	}
	return conn, nil
}
