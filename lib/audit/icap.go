package audit

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/gravitational/trace"

	"github.com/bytedance/g3proxy/lib/pool"
)

// IcapUnavailable is returned when an ICAP service cannot be reached and
// its bypass policy is false (spec.md §4.4 step 5).
var IcapUnavailable = trace.BadParameter("icap service unavailable")

// IcapClientConfig configures an IcapClient bound to one service URL
// (spec.md §4.4 "ICAP client"). The connection pool itself is
// lib/pool.Pool, reused here for its min-idle/max-idle/sweep behavior.
type IcapClientConfig struct {
	ServiceAddr         string // host:port
	ServicePath         string // e.g. "reqmod"
	PreviewTimeout      time.Duration
	Bypass              bool
	RespondSharedNames  []string
	Pool                *pool.Pool
}

func (c *IcapClientConfig) checkAndSetDefaults() error {
	if c.ServiceAddr == "" {
		return trace.BadParameter("icap client requires a service address")
	}
	if c.ServicePath == "" {
		c.ServicePath = "reqmod"
	}
	if c.PreviewTimeout <= 0 {
		c.PreviewTimeout = 4 * time.Second
	}
	return nil
}

// IcapClient speaks the ICAP REQMOD/RESPMOD protocol against one
// service, using a keepalive pool of connections.
type IcapClient struct {
	cfg IcapClientConfig
}

// NewIcapClient creates an IcapClient. If cfg.Pool is nil, a direct dial
// is used per request instead of a keepalive pool.
func NewIcapClient(cfg IcapClientConfig) (*IcapClient, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &IcapClient{cfg: cfg}, nil
}

// Modification is the outcome of a REQMOD/RESPMOD exchange: either the
// message passes unmodified, or Body/Headers replace the original.
type Modification struct {
	Unmodified    bool
	StatusCode    int
	Headers       http.Header
	Body          []byte
	SharedHeaders http.Header // headers to carry from REQMOD into RESPMOD
}

// ReqMod sends an ICAP REQMOD request wrapping httpReq and returns the
// resulting Modification (spec.md §4.4 steps 1-4).
func (c *IcapClient) ReqMod(ctx context.Context, httpReq *http.Request, body []byte) (*Modification, error) {
	return c.modify(ctx, "REQMOD", httpReq, nil, body)
}

// RespMod sends an ICAP RESPMOD request wrapping httpResp, carrying any
// shared headers captured from a prior REQMOD (spec.md §4.4 step 4,
// "respond_shared_names").
func (c *IcapClient) RespMod(ctx context.Context, httpReq *http.Request, httpResp *http.Response, body []byte, shared http.Header) (*Modification, error) {
	return c.modify(ctx, "RESPMOD", httpReq, httpResp, body)
}

func (c *IcapClient) modify(ctx context.Context, method string, httpReq *http.Request, httpResp *http.Response, body []byte) (*Modification, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		if c.cfg.Bypass {
			return &Modification{Unmodified: true}, nil
		}
		return nil, trace.Wrap(IcapUnavailable)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.PreviewTimeout))
	}

	if err := writeIcapRequest(conn, method, c.cfg.ServiceAddr, c.cfg.ServicePath, httpReq, httpResp, body); err != nil {
		return nil, trace.Wrap(err)
	}

	resp, err := readIcapResponse(conn)
	if err != nil {
		if c.cfg.Bypass {
			return &Modification{Unmodified: true}, nil
		}
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

func (c *IcapClient) dial(ctx context.Context) (net.Conn, error) {
	if c.cfg.Pool != nil {
		ch, err := c.cfg.Pool.Lease(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &pooledConn{Conn: ch.Conn, pool: c.cfg.Pool, ch: ch}, nil
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", c.cfg.ServiceAddr)
}

// pooledConn returns its Channel to the pool on Close instead of closing
// the socket, so a clean exchange can be reused by the next request.
type pooledConn struct {
	net.Conn
	pool *pool.Pool
	ch   *pool.Channel
}

func (p *pooledConn) Close() error {
	p.pool.Return(p.ch)
	return nil
}

func writeIcapRequest(w io.Writer, method, serviceAddr, servicePath string, httpReq *http.Request, httpResp *http.Response, body []byte) error {
	var encapsulated bytes.Buffer
	if httpReq != nil {
		_ = httpReq.Write(&encapsulated)
	}
	reqHeaderLen := encapsulated.Len()
	if httpResp != nil {
		_ = httpResp.Write(&encapsulated)
	}

	fmt.Fprintf(w, "%s icap://%s/%s ICAP/1.0\r\n", method, serviceAddr, servicePath)
	fmt.Fprintf(w, "Host: %s\r\n", serviceAddr)
	if method == "REQMOD" {
		fmt.Fprintf(w, "Encapsulated: req-hdr=0, null-body=%d\r\n", reqHeaderLen)
	} else {
		fmt.Fprintf(w, "Encapsulated: res-hdr=0, null-body=%d\r\n", encapsulated.Len())
	}
	fmt.Fprintf(w, "\r\n")
	_, err := w.Write(encapsulated.Bytes())
	if err != nil {
		return trace.Wrap(err)
	}
	if len(body) > 0 {
		_, err = w.Write(body)
	}
	return trace.Wrap(err)
}

func readIcapResponse(r io.Reader) (*Modification, error) {
	tp := textproto.NewReader(bufio.NewReader(r))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var proto string
	var code int
	if _, err := fmt.Sscanf(statusLine, "%s %d", &proto, &code); err != nil {
		return nil, trace.BadParameter("malformed ICAP status line %q", statusLine)
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, trace.Wrap(err)
	}

	switch code {
	case 204: // No modifications necessary.
		return &Modification{Unmodified: true, StatusCode: code}, nil
	case 200:
		return &Modification{StatusCode: code, Headers: http.Header(hdr)}, nil
	default:
		return nil, trace.BadParameter("icap service returned status %d", code)
	}
}
