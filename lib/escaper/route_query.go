package escaper

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/vmihailenco/msgpack/v5"
)

// queryRequest is the msgpack wire shape sent to the route_query helper.
type queryRequest struct {
	ClientIP string `msgpack:"client_ip"`
	User     string `msgpack:"user"`
	Host     string `msgpack:"host"`
	Port     uint16 `msgpack:"port"`
}

// queryResponse is the helper's reply: the chosen child node name.
type queryResponse struct {
	Child string `msgpack:"child"`
}

// QueryRoute asks an external helper over UDP/msgpack which child to use
// for a task, falling back to a configured node on timeout (spec.md
// §4.2 "route_query").
type QueryRoute struct {
	routeBase
	graph       *Graph
	helperAddr  *net.UDPAddr
	timeout     time.Duration
	fallback    string
}

// QueryRouteConfig builds a QueryRoute.
type QueryRouteConfig struct {
	NodeName   string
	Graph      *Graph
	HelperAddr string
	Timeout    time.Duration
	Fallback   string
	Candidates []string
}

// NewQueryRoute creates a route_query node.
func NewQueryRoute(cfg QueryRouteConfig) (*QueryRoute, error) {
	if cfg.NodeName == "" {
		return nil, trace.BadParameter("route_query requires a node name")
	}
	if cfg.HelperAddr == "" {
		return nil, trace.BadParameter("route_query %q requires helper_addr", cfg.NodeName)
	}
	if cfg.Fallback == "" {
		return nil, trace.BadParameter("route_query %q requires a fallback node", cfg.NodeName)
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.HelperAddr)
	if err != nil {
		return nil, trace.BadParameter("route_query %q: bad helper_addr %q: %v", cfg.NodeName, cfg.HelperAddr, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	children := append(append([]string{}, cfg.Candidates...), cfg.Fallback)
	return &QueryRoute{
		routeBase:  routeBase{name: cfg.NodeName, children: children},
		graph:      cfg.Graph,
		helperAddr: addr,
		timeout:    cfg.Timeout,
		fallback:   cfg.Fallback,
	}, nil
}

func (q *QueryRoute) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	childName := q.fallback
	if name, err := q.ask(ctx, req); err == nil && name != "" {
		childName = name
	}
	child, ok := q.graph.Node(childName)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: q.name, Err: trace.NotFound("child %q not found", childName)}
	}
	return child.Dial(ctx, req)
}

func (q *QueryRoute) ask(ctx context.Context, req *Request) (string, error) {
	conn, err := net.DialUDP("udp", nil, q.helperAddr)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > q.timeout {
		deadline = time.Now().Add(q.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", trace.Wrap(err)
	}

	payload, err := msgpack.Marshal(&queryRequest{
		ClientIP: req.ClientIP.String(),
		User:     req.User,
		Host:     req.Host,
		Port:     req.Port,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := conn.Write(payload); err != nil {
		return "", trace.Wrap(err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", trace.Wrap(err)
	}
	var resp queryResponse
	if err := msgpack.Unmarshal(buf[:n], &resp); err != nil {
		return "", trace.Wrap(err)
	}
	return resp.Child, nil
}
