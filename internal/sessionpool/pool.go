package sessionpool

import (
	"time"

	"wgproxy/internal/addr"
	"wgproxy/internal/relayerr"
	"wgproxy/internal/socketpool"
)

// Pool maps (spec.md §4.4) each live session under both of its directional
// routes, and tracks local-address usage for outbound-port allocation.
type Pool struct {
	resetOnHandshake bool
	// relaxedServerRoute is set in single-socket mode, where route_client.local
	// and route_server.local are the same bound address (spec.md §4.4
	// "single-socket mode... relaxed"). Every session then shares an
	// identical route_server key: instead of rejecting the collision, the
	// first session to claim that key keeps it for the lifetime of the
	// session (spec.md §8 "multiple handshakes do not disturb an existing
	// session" — grounded on original_source/tests/session.rs's handshake2,
	// where a reply on the shared route must still reach the first
	// client after a second handshake). Later sessions on the same key are
	// still created and still forward uplink traffic, distinguished solely
	// by (remote_client, remote_server); they just never receive a
	// downlink reply on the ambiguous shared route.
	relaxedServerRoute bool

	byRoute       map[addr.Route]*Session
	byClientLocal map[addr.Addr]*Session // only consulted when resetOnHandshake
	localRefs     map[addr.Addr]int
}

// New creates an empty session pool. resetOnHandshake selects the policy
// from spec.md §4.4's Open Question: true evicts a client's existing
// session when a new handshake arrives from a different remote on the same
// local listening address; false (multi-session, the fan-in default)
// leaves existing sessions untouched. relaxedServerRoute should be true iff
// the relay runs in single-socket mode (spec.md §4.4).
func New(resetOnHandshake, relaxedServerRoute bool) *Pool {
	return &Pool{
		resetOnHandshake:   resetOnHandshake,
		relaxedServerRoute: relaxedServerRoute,
		byRoute:            make(map[addr.Route]*Session),
		byClientLocal:      make(map[addr.Addr]*Session),
		localRefs:          make(map[addr.Addr]int),
	}
}

// Init constructs a session for (routeClient, routeServer) and registers it
// under routeClient. Under the reset-on-handshake policy, an existing
// session already bound to routeClient.Local for a different client route
// is evicted first. Returns a
// KindInvariant error if routeClient is already in use by a different
// session, or if routeServer is already in use and the pool is not running
// with relaxedServerRoute (spec.md §8 P1 "route uniqueness"). Under
// relaxedServerRoute, a routeServer collision does not error: the new
// session is still created and still registered under routeClient, but the
// already-claimed routeServer key keeps resolving to whichever session
// claimed it first.
func (p *Pool) Init(routeClient, routeServer addr.Route) (*Session, error) {
	if p.resetOnHandshake {
		if existing, ok := p.byClientLocal[routeClient.Local]; ok && existing.RouteClient != routeClient {
			p.removeSession(existing)
		}
	}

	if _, ok := p.byRoute[routeClient]; ok {
		return nil, relayerr.New(relayerr.KindInvariant, "route %s already bound to a session", routeClient)
	}
	_, serverRouteTaken := p.byRoute[routeServer]
	if serverRouteTaken && !p.relaxedServerRoute {
		return nil, relayerr.New(relayerr.KindInvariant, "route %s already bound to a session", routeServer)
	}

	session := newSession(routeClient, routeServer, time.Now().UnixNano())
	session.ownsServerRoute = !serverRouteTaken
	p.byRoute[routeClient] = session
	if session.ownsServerRoute {
		p.byRoute[routeServer] = session
		p.acquireLocal(routeServer.Local)
	}
	p.byClientLocal[routeClient.Local] = session
	p.acquireLocal(routeClient.Local)
	return session, nil
}

// ByRoute looks up the session registered under route, from either side.
func (p *Pool) ByRoute(route addr.Route) (*Session, bool) {
	s, ok := p.byRoute[route]
	return s, ok
}

// Forward determines the peer route of arrivingRoute within session, looks
// up the destination's local socket in sockets, sends packet, and on
// success stamps the session's activity time (spec.md §4.4 "forward").
func (p *Pool) Forward(session *Session, packet []byte, arrivingRoute addr.Route, sockets *socketpool.Pool) error {
	peer, ok := session.PeerRoute(arrivingRoute)
	if !ok {
		return relayerr.New(relayerr.KindInvariant, "route %s matches neither side of its session", arrivingRoute)
	}

	sock, ok := sockets.ByAddress(peer.Local)
	if !ok {
		return relayerr.New(relayerr.KindInvariant, "no socket bound for %s", peer.Local)
	}

	if _, err := sock.SendTo(packet, peer.Remote); err != nil {
		return relayerr.Wrap(relayerr.KindIO, err, "forward to %s failed", peer.Remote)
	}

	session.Touch(time.Now().UnixNano())
	return nil
}

// Addresses returns a snapshot of every local address referenced by any
// live session, used by the event loop to compute outbound-port
// availability as socketPool.Addresses() minus this set.
func (p *Pool) Addresses() map[addr.Addr]struct{} {
	out := make(map[addr.Addr]struct{}, len(p.localRefs))
	for a := range p.localRefs {
		out[a] = struct{}{}
	}
	return out
}

// Retain sweeps every live session, dropping those for which keep returns
// false, and reports how many were dropped. Both directional entries of a
// dropped session are removed atomically.
func (p *Pool) Retain(keep func(*Session) bool) int {
	seen := make(map[*Session]bool, len(p.byRoute)/2)
	var toDrop []*Session
	for _, s := range p.byRoute {
		if seen[s] {
			continue
		}
		seen[s] = true
		if !keep(s) {
			toDrop = append(toDrop, s)
		}
	}
	for _, s := range toDrop {
		p.removeSession(s)
	}
	return len(toDrop)
}

// Len reports the number of live sessions. It dedupes by session pointer
// rather than assuming two map entries per session: under
// relaxedServerRoute, a session that lost the race for the shared
// route_server key has only its routeClient entry in byRoute.
func (p *Pool) Len() int {
	seen := make(map[*Session]bool, len(p.byRoute))
	for _, s := range p.byRoute {
		seen[s] = true
	}
	return len(seen)
}

func (p *Pool) removeSession(s *Session) {
	if cur, ok := p.byRoute[s.RouteClient]; ok && cur == s {
		delete(p.byRoute, s.RouteClient)
	}
	// A session without ownsServerRoute never registered or acquired
	// RouteServer — releasing it here would double-release a local that
	// the owning session still holds.
	if s.ownsServerRoute {
		if cur, ok := p.byRoute[s.RouteServer]; ok && cur == s {
			delete(p.byRoute, s.RouteServer)
		}
		p.releaseLocal(s.RouteServer.Local)
	}
	if cur, ok := p.byClientLocal[s.RouteClient.Local]; ok && cur == s {
		delete(p.byClientLocal, s.RouteClient.Local)
	}
	p.releaseLocal(s.RouteClient.Local)
}

func (p *Pool) acquireLocal(a addr.Addr) { p.localRefs[a]++ }

func (p *Pool) releaseLocal(a addr.Addr) {
	p.localRefs[a]--
	if p.localRefs[a] <= 0 {
		delete(p.localRefs, a)
	}
}
