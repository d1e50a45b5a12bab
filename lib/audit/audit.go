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

// Package audit implements the interception pipeline of spec.md §4.4:
// protocol classification, TLS MITM, ICAP request/response modification,
// and the opaque-stream detour.
package audit

import (
	"bufio"
	"io"
)

// Protocol is the result of peeking a tunneled stream's leading bytes
// (spec.md §4.4 "Protocol inspection").
type Protocol int

const (
	ProtocolBypass Protocol = iota
	ProtocolTLS
	ProtocolHTTP1
	ProtocolHTTP2
	ProtocolSMTP
	ProtocolIMAP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTLS:
		return "TLS"
	case ProtocolHTTP1:
		return "HTTP1"
	case ProtocolHTTP2:
		return "HTTP2"
	case ProtocolSMTP:
		return "SMTP"
	case ProtocolIMAP:
		return "IMAP"
	default:
		return "Bypass"
	}
}

const peekSize = 16

// Classify peeks at the first bytes of conn (via a bufio.Reader so the
// bytes remain available to the caller) and returns the protocol
// inspection state machine's verdict (spec.md §4.4).
func Classify(r *bufio.Reader, knownPort uint16) (Protocol, error) {
	peek, err := r.Peek(peekSize)
	if err != nil && err != io.EOF {
		if len(peek) == 0 {
			return ProtocolBypass, err
		}
	}
	if len(peek) == 0 {
		return ProtocolBypass, nil
	}

	if looksLikeTLSClientHello(peek) {
		return ProtocolTLS, nil
	}
	if looksLikeHTTP2Preface(peek) {
		return ProtocolHTTP2, nil
	}
	if looksLikeHTTP1(peek) {
		return ProtocolHTTP1, nil
	}
	switch knownPort {
	case 25, 465, 587:
		return ProtocolSMTP, nil
	case 143, 993:
		return ProtocolIMAP, nil
	}
	return ProtocolBypass, nil
}

// looksLikeTLSClientHello checks for a TLS record header (content type
// 0x16 = handshake, version 0x03 0x0{1,2,3,4}).
func looksLikeTLSClientHello(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x16 && b[1] == 0x03 && b[2] <= 0x04
}

var http2Preface = []byte("PRI * HTTP/2.0\r\n")

func looksLikeHTTP2Preface(b []byte) bool {
	n := len(http2Preface)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if b[i] != http2Preface[i] {
			return false
		}
	}
	return n > 0
}

var http1Methods = []string{"GET ", "POST ", "PUT ", "HEAD ", "DELETE ", "OPTIONS ", "CONNECT ", "PATCH ", "TRACE "}

func looksLikeHTTP1(b []byte) bool {
	s := string(b)
	for _, m := range http1Methods {
		if len(s) >= len(m) && s[:len(m)] == m {
			return true
		}
	}
	return false
}
