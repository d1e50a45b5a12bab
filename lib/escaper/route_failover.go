package escaper

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// FailoverRoute runs a primary child and, if it has not replied within
// FallbackDelay, races a standby; the first successful dial wins and the
// other's half-open connection, if any, is closed (spec.md §4.2
// "route_failover"). Audit settings follow only the primary path per
// the invariant in spec.md §4.2 ("the standby path's audit config is
// ignored to prevent double-interception") -- enforced by the auditor
// binding layer, not here; this node only resolves the Connection.
type FailoverRoute struct {
	routeBase
	graph        *Graph
	primary      string
	standby      string
	fallbackDelay time.Duration
}

// FailoverRouteConfig builds a FailoverRoute.
type FailoverRouteConfig struct {
	NodeName      string
	Graph         *Graph
	Primary       string
	Standby       string
	FallbackDelay time.Duration
}

// NewFailoverRoute creates a route_failover node.
func NewFailoverRoute(cfg FailoverRouteConfig) (*FailoverRoute, error) {
	if cfg.NodeName == "" {
		return nil, trace.BadParameter("route_failover requires a node name")
	}
	if cfg.Primary == "" || cfg.Standby == "" {
		return nil, trace.BadParameter("route_failover %q requires primary and standby", cfg.NodeName)
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = 100 * time.Millisecond
	}
	return &FailoverRoute{
		routeBase:     routeBase{name: cfg.NodeName, children: []string{cfg.Primary, cfg.Standby}},
		graph:         cfg.Graph,
		primary:       cfg.Primary,
		standby:       cfg.Standby,
		fallbackDelay: cfg.FallbackDelay,
	}, nil
}

type dialResult struct {
	source string
	conn   *Connection
	err    *EscapeError
}

func (f *FailoverRoute) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	primary, ok := f.graph.Node(f.primary)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: f.name, Err: trace.NotFound("child %q not found", f.primary)}
	}
	standby, ok := f.graph.Node(f.standby)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: f.name, Err: trace.NotFound("child %q not found", f.standby)}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, 2)
	pending := 0

	dial := func(name string, n Node) {
		pending++
		go func() {
			conn, err := n.Dial(raceCtx, req)
			results <- dialResult{source: name, conn: conn, err: err}
		}()
	}
	dial("primary", primary)

	timer := time.NewTimer(f.fallbackDelay)
	defer timer.Stop()

	var lastErr *EscapeError

	select {
	case r := <-results:
		pending--
		if r.err == nil {
			cancel()
			drainLosers(results, pending)
			return r.conn, nil
		}
		lastErr = r.err
	case <-timer.C:
	case <-ctx.Done():
		return nil, &EscapeError{Kind: ConnectTimedOut, Node: f.name, Err: ctx.Err()}
	}

	dial("standby", standby)

	for pending > 0 {
		select {
		case r := <-results:
			pending--
			if r.err == nil {
				cancel()
				drainLosers(results, pending)
				return r.conn, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return nil, &EscapeError{Kind: ConnectTimedOut, Node: f.name, Err: ctx.Err()}
		}
	}
	if lastErr == nil {
		lastErr = &EscapeError{Kind: Unreachable, Node: f.name, Err: trace.BadParameter("both primary and standby failed")}
	}
	return nil, lastErr
}

func drainLosers(results chan dialResult, pending int) {
	go func() {
		for i := 0; i < pending; i++ {
			r := <-results
			if r.conn != nil {
				r.conn.Conn.Close()
			}
		}
	}()
}
