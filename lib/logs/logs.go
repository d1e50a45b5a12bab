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

// Package logs implements the four structured log channels of spec.md §4.7:
// task, escape, resolve and intercept. Each channel is a thin wrapper over a
// logrus.FieldLogger scoped with log_type and component fields; the actual
// shipping to journald/syslog/Fluent-Forward is an excluded external
// collaborator (spec.md §6) reached through whatever logrus hook the
// deployment wires in.
package logs

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/task"
)

// Channel identifies one of the four structured log channels.
type Channel string

const (
	ChannelTask      Channel = "task"
	ChannelEscape    Channel = "escape"
	ChannelResolve   Channel = "resolve"
	ChannelIntercept Channel = "intercept"
)

// Logger emits structured records onto one channel.
type Logger struct {
	channel Channel
	entry   *logrus.Entry
}

// New returns a Logger for channel, scoped under component, deriving from
// base (nil defaults to logrus.StandardLogger()).
func New(base logrus.FieldLogger, channel Channel, component string) *Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Logger{
		channel: channel,
		entry: base.WithFields(logrus.Fields{
			"log_type":  string(channel),
			"component": component,
		}),
	}
}

// TaskFinish emits the task channel's one-record-per-completion log.
func (l *Logger) TaskFinish(t *task.Task) {
	snap := t.Counters.Snapshot()
	l.entry.WithFields(logrus.Fields{
		"task_id":       t.ID,
		"server":        t.ServerName,
		"user":          t.UserHandle,
		"upstream":      t.Upstream,
		"protocol":      t.Protocol,
		"stage":         t.Stage().String(),
		"reason":        t.Reason,
		"duration":      t.Duration(),
		"c_rd_bytes":    snap.ClientReadBytes,
		"c_wr_bytes":    snap.ClientWriteBytes,
		"c_rd_packets":  snap.ClientReadPackets,
		"c_wr_packets":  snap.ClientWritePackets,
		"r_rd_bytes":    snap.RemoteReadBytes,
		"r_wr_bytes":    snap.RemoteWriteBytes,
		"r_rd_packets":  snap.RemoteReadPackets,
		"r_wr_packets":  snap.RemoteWritePackets,
		"escaper":       t.Path.EscaperNode,
		"resolved_ip":   t.Path.ResolvedIP,
	}).Info("task finished")
}

// EscapeError emits the escape channel's one-record-per-failure log. The
// escape channel never logs success; only errors (spec.md §4.7).
func (l *Logger) EscapeError(taskID, escaperNode, nextTarget string, err error) {
	l.entry.WithFields(logrus.Fields{
		"task_id":     taskID,
		"escaper":     escaperNode,
		"next_target": nextTarget,
		"error":       err.Error(),
	}).Warn("escape error")
}

// ResolveError emits the resolve channel's one-record-per-driver-error log.
func (l *Logger) ResolveError(resolverNode, name string, family int, err error) {
	l.entry.WithFields(logrus.Fields{
		"resolver": resolverNode,
		"name":     name,
		"family":   family,
		"error":    err.Error(),
	}).Warn("resolve error")
}

// InterceptRecord emits the intercept channel's one-record-per-audited-
// transaction log.
func (l *Logger) InterceptRecord(taskID, auditorNode, protocol string, fields map[string]any) {
	e := l.entry.WithFields(logrus.Fields{
		"task_id":  taskID,
		"auditor":  auditorNode,
		"protocol": protocol,
		"ts":       time.Now(),
	})
	for k, v := range fields {
		e = e.WithField(k, v)
	}
	e.Info("intercepted transaction")
}
