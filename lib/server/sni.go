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
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/gravitational/trace"
)

// recordingConn tees every byte read off the underlying conn into buf, so
// the bytes crypto/tls consumes while sniffing ServerName can be replayed
// to the real relay afterwards.
type recordingConn struct {
	net.Conn
	buf bytes.Buffer
}

func (r *recordingConn) Read(b []byte) (int, error) {
	n, err := r.Conn.Read(b)
	if n > 0 {
		r.buf.Write(b[:n])
	}
	return n, err
}

var errSNICaptured = errors.New("server: sni captured")

// sniffSNI peeks a TLS ClientHello's ServerName without terminating the
// handshake, by running it through crypto/tls itself and aborting via
// GetConfigForClient once the hello is parsed (no SNI-parsing library
// exists in this stack; crypto/tls already does the parsing correctly,
// so driving it instead of hand-rolling a ClientHello decoder is the
// idiomatic choice here). It returns a bufio.Reader that replays the
// bytes tls.Server consumed, followed by the rest of conn, so the caller
// can still relay the original, unterminated stream.
func sniffSNI(conn net.Conn) (string, *bufio.Reader, error) {
	rec := &recordingConn{Conn: conn}

	var serverName string
	srv := tls.Server(rec, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			serverName = hello.ServerName
			return nil, errSNICaptured
		},
	})
	err := srv.Handshake()
	if serverName == "" {
		return "", nil, trace.BadParameter("no SNI ServerName found in ClientHello: %v", err)
	}

	replay := io.MultiReader(bytes.NewReader(rec.buf.Bytes()), conn)
	return serverName, bufio.NewReader(replay), nil
}
