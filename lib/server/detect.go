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

package server

import (
	"bufio"
	"io"
	"net"

	"github.com/gravitational/trace"

	"github.com/bytedance/g3proxy/lib/task"
)

const detectPeekSize = 16

// peekedConn lets a Handler keep reading through the bufio.Reader that
// Detect used to classify the stream, so the peeked bytes aren't lost.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }

var socks5Versions = []byte{0x05}
var socks4Versions = []byte{0x04}

var http1Methods = []string{"GET ", "POST ", "PUT ", "HEAD ", "DELETE ", "OPTIONS ", "CONNECT ", "PATCH ", "TRACE "}

// detect is the "intelli_proxy" protocol detector named in spec.md §4.1:
// it peeks the leading bytes of a freshly accepted connection and
// classifies it into the task.Protocol that should handle it, without
// consuming the bytes the Handler still needs to see. A TLS ClientHello
// is classified as task.SNITarget when the listener is configured as an
// SNI-routing front end, or task.TLSStream for an intercepting one.
func (l *Listener) detect(conn net.Conn) (task.Protocol, net.Conn, error) {
	br := bufio.NewReaderSize(conn, detectPeekSize)
	wrapped := &peekedConn{Conn: conn, r: br}

	peek, err := br.Peek(detectPeekSize)
	if err != nil && err != io.EOF {
		if len(peek) == 0 {
			return "", nil, trace.Wrap(err)
		}
	}
	if len(peek) == 0 {
		return "", nil, trace.BadParameter("connection closed before any bytes were read")
	}

	if looksLikeTLSClientHello(peek) {
		if l.cfg.SNIOnly {
			return task.SNITarget, wrapped, nil
		}
		return task.TLSStream, wrapped, nil
	}
	if looksLikeSocks(peek, socks5Versions) || looksLikeSocks(peek, socks4Versions) {
		return task.SocksTCPConnect, wrapped, nil
	}
	if method, ok := http1Method(peek); ok {
		if method == "CONNECT " {
			return task.HTTPConnect, wrapped, nil
		}
		return task.HTTPForward, wrapped, nil
	}
	return task.TCPStream, wrapped, nil
}

func looksLikeTLSClientHello(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x16 && b[1] == 0x03 && b[2] <= 0x04
}

func looksLikeSocks(b []byte, versions []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, v := range versions {
		if b[0] == v {
			return true
		}
	}
	return false
}

func http1Method(b []byte) (string, bool) {
	s := string(b)
	for _, m := range http1Methods {
		if len(s) >= len(m) && s[:len(m)] == m {
			return m, true
		}
	}
	return "", false
}
