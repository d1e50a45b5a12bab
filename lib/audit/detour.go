package audit

import (
	"context"
	"crypto/tls"
	"io"
	"time"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"
)

// DetourAction is the per-task action a detour session negotiates before
// bytes flow (spec.md §4.4 "Stream-detour").
type DetourAction int

const (
	DetourAllow DetourAction = iota
	DetourBlock
	DetourTerminate
)

// DetourClientConfig configures a DetourClient against a QUIC-based
// offline-inspection service.
type DetourClientConfig struct {
	Addr      string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (c *DetourClientConfig) checkAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("stream detour requires an address")
	}
	if c.TLSConfig == nil {
		c.TLSConfig = &tls.Config{NextProtos: []string{"g3-detour"}}
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return nil
}

// DetourClient forwards an opaque stream's bytes to a QUIC detour
// service and returns the negotiated action (spec.md §4.4).
type DetourClient struct {
	cfg DetourClientConfig
}

// NewDetourClient creates a DetourClient.
func NewDetourClient(cfg DetourClientConfig) (*DetourClient, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DetourClient{cfg: cfg}, nil
}

// Session is one negotiated detour: Stream carries the duplicated bytes
// to the inspection service, and Action() blocks until the service
// decides whether the task may proceed.
type Session struct {
	conn   quic.Connection
	stream quic.Stream
}

// Open starts a new detour session for one task, identified by taskID
// (used as the stream's opening frame so the service can correlate
// offline findings back to the task log).
func (d *DetourClient) Open(ctx context.Context, taskID string) (*Session, error) {
	dctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	conn, err := quic.DialAddr(dctx, d.cfg.Addr, d.cfg.TLSConfig, nil)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "stream detour service unreachable")
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, trace.Wrap(err)
	}
	if _, err := stream.Write([]byte(taskID + "\n")); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Session{conn: conn, stream: stream}, nil
}

// Forward copies n bytes from the tee'd task data into the detour
// stream. A detour session is fire-and-forget from the data-plane's
// perspective: the copy does not block the action negotiation.
func (s *Session) Forward(r io.Reader) error {
	_, err := io.Copy(s.stream, r)
	return trace.Wrap(err)
}

// Action reads the service's single-byte verdict frame and closes the
// session.
func (s *Session) Action(ctx context.Context) (DetourAction, error) {
	defer s.Close()
	buf := make([]byte, 1)
	if _, err := s.stream.Read(buf); err != nil {
		return DetourAllow, trace.Wrap(err)
	}
	switch buf[0] {
	case 1:
		return DetourBlock, nil
	case 2:
		return DetourTerminate, nil
	default:
		return DetourAllow, nil
	}
}

// Close releases the session's QUIC resources.
func (s *Session) Close() error {
	s.stream.Close()
	return s.conn.CloseWithError(0, "")
}
