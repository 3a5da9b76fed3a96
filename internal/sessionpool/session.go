// Package sessionpool maps bidirectional address routes to NAT-style
// sessions between a client and the upstream server, with outbound-port
// allocation and activity-timeout eviction (spec.md §4.4).
package sessionpool

import (
	"sync/atomic"

	"wgproxy/internal/addr"
)

// Session is a NAT-like binding between a client and the upstream server
// through one local relay port. RouteClient is the route on which client
// packets arrive/depart; RouteServer is the route used to talk upstream.
type Session struct {
	RouteClient addr.Route
	RouteServer addr.Route

	// ownsServerRoute is false when this session was created under
	// relaxedServerRoute and lost the race for an already-claimed
	// RouteServer key: it still forwards uplink traffic fine (PeerRoute
	// matches on RouteServer.Remote regardless of map registration), but
	// it is not the session a downlink reply on the shared route resolves
	// to, and Pool must not double-release that route's local refcount
	// when this session is torn down.
	ownsServerRoute bool

	// atime is the last-activity timestamp, unix nanoseconds, stored
	// atomically so the event loop can stamp it without a lock even
	// though only that one goroutine ever touches it in practice
	// (spec.md §5 "Shared-resource policy").
	atime atomic.Int64
}

// newSession constructs a session active as of nowNanos.
func newSession(routeClient, routeServer addr.Route, nowNanos int64) *Session {
	s := &Session{RouteClient: routeClient, RouteServer: routeServer, ownsServerRoute: true}
	s.atime.Store(nowNanos)
	return s
}

// Touch stamps the session's last-activity time.
func (s *Session) Touch(nowNanos int64) { s.atime.Store(nowNanos) }

// IdleSince reports how many nanoseconds have elapsed since the session's
// last recorded activity, as of nowNanos.
func (s *Session) IdleSince(nowNanos int64) int64 { return nowNanos - s.atime.Load() }

// PeerRoute returns the route on the other side of the session from
// arrivingRoute, matching solely on arrivingRoute.Remote against the two
// known remotes (spec.md §4.4 "forward"). ok is false if arrivingRoute
// belongs to neither side — an invariant violation.
func (s *Session) PeerRoute(arrivingRoute addr.Route) (peer addr.Route, ok bool) {
	switch arrivingRoute.Remote {
	case s.RouteClient.Remote:
		return s.RouteServer, true
	case s.RouteServer.Remote:
		return s.RouteClient, true
	default:
		return addr.Route{}, false
	}
}
