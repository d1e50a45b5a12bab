package audit

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTLSClientHello(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x16, 0x03, 0x01, 0x00, 0x50, 0x01}))
	p, err := Classify(r, 443)
	require.NoError(t, err)
	require.Equal(t, ProtocolTLS, p)
}

func TestClassifyHTTP1Request(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")))
	p, err := Classify(r, 80)
	require.NoError(t, err)
	require.Equal(t, ProtocolHTTP1, p)
}

func TestClassifyHTTP2Preface(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")))
	p, err := Classify(r, 443)
	require.NoError(t, err)
	require.Equal(t, ProtocolHTTP2, p)
}

func TestClassifyFallsBackToPortHeuristicForSMTP(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("220 mail.example.com ESMTP\r\n")))
	p, err := Classify(r, 25)
	require.NoError(t, err)
	require.Equal(t, ProtocolSMTP, p)
}

func TestClassifyBypassForUnknownBinaryStream(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x01, 0x02, 0x03, 0x04}))
	p, err := Classify(r, 9999)
	require.NoError(t, err)
	require.Equal(t, ProtocolBypass, p)
}
