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

// Package task implements the Task type, the unit of work servicing a
// single client request or connection as it moves through the server
// pipeline, escaper graph, resolver and auditor.
package task

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Protocol identifies the proxy protocol variant a task was created for.
type Protocol string

const (
	HTTPForward      Protocol = "http_forward"
	HTTPSForward     Protocol = "https_forward"
	HTTPConnect      Protocol = "http_connect"
	FTPOverHTTP      Protocol = "ftp_over_http"
	// EasyProxy is the simplified forward-only HTTP front end (spec.md
	// §4.1): no CONNECT tunneling, absolute-URI requests only.
	EasyProxy        Protocol = "easy_proxy"
	// Masque is the minimal CONNECT-UDP-style tunnel front end served
	// over QUIC (spec.md §4.1).
	Masque           Protocol = "masque"
	SocksTCPConnect  Protocol = "socks_tcp_connect"
	SocksUDPAssociate Protocol = "socks_udp_associate"
	SocksUDPConnect  Protocol = "socks_udp_connect"
	TCPStream        Protocol = "tcp_stream"
	TLSStream        Protocol = "tls_stream"
	SNITarget        Protocol = "sni_target"
)

// Stage is the task's position in its lifecycle state machine.
type Stage int

const (
	StageCreated Stage = iota
	StagePreparing
	StageConnecting
	StageConnected
	StageReplying
	StageLoggedIn
	StageRelaying
	StageFinished
)

func (s Stage) String() string {
	switch s {
	case StageCreated:
		return "Created"
	case StagePreparing:
		return "Preparing"
	case StageConnecting:
		return "Connecting"
	case StageConnected:
		return "Connected"
	case StageReplying:
		return "Replying"
	case StageLoggedIn:
		return "LoggedIn"
	case StageRelaying:
		return "Relaying"
	case StageFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Reason is the termination reason recorded on the task-finish log record.
type Reason string

const (
	ReasonFinished        Reason = "Finished"
	ReasonClientClosed    Reason = "ClientClosed"
	ReasonIdleTimeout     Reason = "IdleTimeout"
	ReasonAuthFailed      Reason = "AuthFailed"
	ReasonForbidden       Reason = "Forbidden"
	ReasonEscapeError     Reason = "EscapeError"
	ReasonResolveError    Reason = "ResolveError"
	ReasonAuditError      Reason = "AuditError"
	ReasonCancelled       Reason = "Cancelled"
	ReasonServerShutdown  Reason = "ServerShutdown"
)

// Counters tracks bytes and packets moved in both directions for a task.
type Counters struct {
	ClientReadBytes    int64
	ClientWriteBytes   int64
	ClientReadPackets  int64
	ClientWritePackets int64
	RemoteReadBytes    int64
	RemoteWriteBytes   int64
	RemoteReadPackets  int64
	RemoteWritePackets int64
}

// AddClientRead atomically accounts for bytes/packets read from the client.
func (c *Counters) AddClientRead(bytes int64) {
	atomic.AddInt64(&c.ClientReadBytes, bytes)
	atomic.AddInt64(&c.ClientReadPackets, 1)
}

// AddClientWrite atomically accounts for bytes/packets written to the client.
func (c *Counters) AddClientWrite(bytes int64) {
	atomic.AddInt64(&c.ClientWriteBytes, bytes)
	atomic.AddInt64(&c.ClientWritePackets, 1)
}

// AddRemoteRead atomically accounts for bytes/packets read from the upstream.
func (c *Counters) AddRemoteRead(bytes int64) {
	atomic.AddInt64(&c.RemoteReadBytes, bytes)
	atomic.AddInt64(&c.RemoteReadPackets, 1)
}

// AddRemoteWrite atomically accounts for bytes/packets written to the upstream.
func (c *Counters) AddRemoteWrite(bytes int64) {
	atomic.AddInt64(&c.RemoteWriteBytes, bytes)
	atomic.AddInt64(&c.RemoteWritePackets, 1)
}

// Snapshot returns a copy of the current counter values.
func (c *Counters) Snapshot() Counters {
	return Counters{
		ClientReadBytes:    atomic.LoadInt64(&c.ClientReadBytes),
		ClientWriteBytes:   atomic.LoadInt64(&c.ClientWriteBytes),
		ClientReadPackets:  atomic.LoadInt64(&c.ClientReadPackets),
		ClientWritePackets: atomic.LoadInt64(&c.ClientWritePackets),
		RemoteReadBytes:    atomic.LoadInt64(&c.RemoteReadBytes),
		RemoteWriteBytes:   atomic.LoadInt64(&c.RemoteWriteBytes),
		RemoteReadPackets:  atomic.LoadInt64(&c.RemoteReadPackets),
		RemoteWritePackets: atomic.LoadInt64(&c.RemoteWritePackets),
	}
}

// EgressPath is the result of an escaper-graph routing decision: the final
// escaper node, an optional bind IP, the resolved peer IP and an optional
// next-hop proxy address. It is created during routing and consumed by the
// dialer; it is also attached to the task log on completion or error.
type EgressPath struct {
	EscaperNode  string
	BindIP       string
	ResolvedIP   string
	NextProxy    string
	SelectionKey string
}

// PathSelectionHint carries a client-driven steering hint, e.g. a SOCKS5
// username extension (+key=value) or a custom HTTP header, that a
// route_select/route_mapping escaper may honor.
type PathSelectionHint struct {
	Index     int
	StickyKey string
}

// Task is the unit of work for one client request/connection. A task is
// exclusively owned by the goroutine servicing it; it is only safe to read
// its counters concurrently (e.g. for idle detection or metrics).
type Task struct {
	ID               string
	CreatedAt        time.Time
	ServerName       string
	UserHandle       string
	Upstream         string
	Protocol         Protocol
	SelectionHint     PathSelectionHint
	ClientAddr       string

	stage atomic.Int32

	Counters Counters
	Path     EgressPath
	Reason   Reason
}

// New creates a task owned by the server named serverName for a client
// connected from clientAddr.
func New(serverName string, protocol Protocol, clientAddr string) *Task {
	t := &Task{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now(),
		ServerName: serverName,
		Protocol:   protocol,
		ClientAddr: clientAddr,
	}
	t.stage.Store(int32(StageCreated))
	return t
}

// Stage returns the task's current stage.
func (t *Task) Stage() Stage {
	return Stage(t.stage.Load())
}

// SetStage advances the task's stage. Stage transitions are not validated
// against the formal state machine here; callers follow the server/escaper
// state machines that own the transitions.
func (t *Task) SetStage(s Stage) {
	t.stage.Store(int32(s))
}

// Duration returns the time elapsed since the task was created.
func (t *Task) Duration() time.Duration {
	return time.Since(t.CreatedAt)
}

// Finish marks the task Finished with the given reason. It is idempotent.
func (t *Task) Finish(reason Reason) {
	t.Reason = reason
	t.SetStage(StageFinished)
}
