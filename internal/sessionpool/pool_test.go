package sessionpool

import (
	"net/netip"
	"testing"
	"time"

	"wgproxy/internal/addr"
	"wgproxy/internal/socketpool"
)

func mustSocket(t *testing.T, sockets *socketpool.Pool) *socketpool.Socket {
	t.Helper()
	s, err := sockets.Init(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0))
	if err != nil {
		t.Fatalf("Init socket: %v", err)
	}
	return s
}

func route(local, remote *socketpool.Socket) addr.Route {
	return addr.Route{Local: local.Address(), Remote: remote.Address()}
}

func TestPool_InitRegistersBothRoutes(t *testing.T) {
	sockets, err := socketpool.New()
	if err != nil {
		t.Fatalf("New sockets: %v", err)
	}
	defer sockets.Close()

	clientLocal := mustSocket(t, sockets)
	client := mustSocket(t, sockets)
	serverLocal := mustSocket(t, sockets)
	server := mustSocket(t, sockets)

	p := New(false, false)
	rc := route(clientLocal, client)
	rs := route(serverLocal, server)

	session, err := p.Init(rc, rs)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if got, ok := p.ByRoute(rc); !ok || got != session {
		t.Fatal("expected lookup by client route to hit")
	}
	if got, ok := p.ByRoute(rs); !ok || got != session {
		t.Fatal("expected lookup by server route to hit")
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", p.Len())
	}
}

func TestPool_Init_RejectsDuplicateRoute(t *testing.T) {
	sockets, err := socketpool.New()
	if err != nil {
		t.Fatalf("New sockets: %v", err)
	}
	defer sockets.Close()

	clientLocal := mustSocket(t, sockets)
	client := mustSocket(t, sockets)
	serverLocal := mustSocket(t, sockets)
	server := mustSocket(t, sockets)
	other := mustSocket(t, sockets)

	p := New(false, false)
	rc := route(clientLocal, client)
	rs := route(serverLocal, server)
	if _, err := p.Init(rc, rs); err != nil {
		t.Fatalf("first Init: %v", err)
	}

	if _, err := p.Init(rc, route(serverLocal, other)); err == nil {
		t.Fatal("expected a second session on the same client route to be rejected")
	}
}

func TestPool_RelaxedServerRoute_AllowsSharedServerRouteInSingleSocketMode(t *testing.T) {
	sockets, err := socketpool.New()
	if err != nil {
		t.Fatalf("New sockets: %v", err)
	}
	defer sockets.Close()

	// Single-socket mode: one listening address serves as both
	// route_client.local and route_server.local for every session.
	listen := mustSocket(t, sockets)
	clientA := mustSocket(t, sockets)
	clientB := mustSocket(t, sockets)
	server := mustSocket(t, sockets)

	p := New(false, true)
	rcA := route(listen, clientA)
	rcB := route(listen, clientB)
	rs := route(listen, server)

	sessionA, err := p.Init(rcA, rs)
	if err != nil {
		t.Fatalf("Init A: %v", err)
	}
	sessionB, err := p.Init(rcB, rs)
	if err != nil {
		t.Fatalf("expected a second session sharing route_server to be accepted under relaxedServerRoute, got: %v", err)
	}

	if got, ok := p.ByRoute(rcA); !ok || got != sessionA {
		t.Fatal("expected client A's own route to still resolve to session A")
	}
	if got, ok := p.ByRoute(rcB); !ok || got != sessionB {
		t.Fatal("expected client B's own route to resolve to session B")
	}
	if got, ok := p.ByRoute(rs); !ok || got != sessionA {
		t.Fatal("expected the shared server route to keep resolving to the session that first claimed it")
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 live sessions, got %d", p.Len())
	}

	dropped := p.Retain(func(*Session) bool { return false })
	if dropped != 2 {
		t.Fatalf("expected both sessions to be dropped, got %d", dropped)
	}
}

func TestPool_MultiSession_LeavesOtherClientsUntouched(t *testing.T) {
	sockets, err := socketpool.New()
	if err != nil {
		t.Fatalf("New sockets: %v", err)
	}
	defer sockets.Close()

	listen := mustSocket(t, sockets)
	clientA := mustSocket(t, sockets)
	clientB := mustSocket(t, sockets)
	serverA := mustSocket(t, sockets)
	serverB := mustSocket(t, sockets)

	p := New(false, false)
	sessionA, err := p.Init(route(listen, clientA), route(serverA, serverA))
	if err != nil {
		t.Fatalf("Init A: %v", err)
	}
	if _, err := p.Init(route(listen, clientB), route(serverB, serverB)); err != nil {
		t.Fatalf("Init B: %v", err)
	}

	if got, ok := p.ByRoute(route(listen, clientA)); !ok || got != sessionA {
		t.Fatal("expected session A to remain after session B was created on the same local")
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 live sessions, got %d", p.Len())
	}
}

func TestPool_ResetOnHandshake_EvictsPriorClient(t *testing.T) {
	sockets, err := socketpool.New()
	if err != nil {
		t.Fatalf("New sockets: %v", err)
	}
	defer sockets.Close()

	listen := mustSocket(t, sockets)
	clientA := mustSocket(t, sockets)
	clientB := mustSocket(t, sockets)
	serverA := mustSocket(t, sockets)
	serverB := mustSocket(t, sockets)

	p := New(true, false)
	if _, err := p.Init(route(listen, clientA), route(serverA, serverA)); err != nil {
		t.Fatalf("Init A: %v", err)
	}
	sessionB, err := p.Init(route(listen, clientB), route(serverB, serverB))
	if err != nil {
		t.Fatalf("Init B: %v", err)
	}

	if _, ok := p.ByRoute(route(listen, clientA)); ok {
		t.Fatal("expected client A's session to be evicted under reset-on-handshake")
	}
	if got, ok := p.ByRoute(route(listen, clientB)); !ok || got != sessionB {
		t.Fatal("expected client B's session to remain")
	}
	if p.Len() != 1 {
		t.Fatalf("expected exactly 1 live session after reset, got %d", p.Len())
	}
}

func TestPool_Forward_SendsAndTouches(t *testing.T) {
	sockets, err := socketpool.New()
	if err != nil {
		t.Fatalf("New sockets: %v", err)
	}
	defer sockets.Close()

	clientLocal := mustSocket(t, sockets)
	client := mustSocket(t, sockets)
	serverLocal := mustSocket(t, sockets)
	server := mustSocket(t, sockets)

	p := New(false, false)
	rc := route(clientLocal, client)
	rs := route(serverLocal, server)
	session, err := p.Init(rc, rs)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	asOf := time.Now().UnixNano()
	before := session.IdleSince(asOf)

	payload := []byte("forwarded")
	if err := p.Forward(session, payload, rc, sockets); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	tokens, err := sockets.WaitForIO(time.Second)
	if err != nil {
		t.Fatalf("WaitForIO: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != server.Token() {
		t.Fatalf("expected upstream socket to be the only ready token, got %v", tokens)
	}

	buf := make([]byte, 1500)
	n, _, err := server.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("payload mismatch: got %q", buf[:n])
	}

	time.Sleep(time.Millisecond)
	if session.IdleSince(asOf) >= before {
		t.Fatal("expected Forward to refresh the session's activity time")
	}
}

func TestPool_Retain_DropsBothRoutesAtomically(t *testing.T) {
	sockets, err := socketpool.New()
	if err != nil {
		t.Fatalf("New sockets: %v", err)
	}
	defer sockets.Close()

	clientLocal := mustSocket(t, sockets)
	client := mustSocket(t, sockets)
	serverLocal := mustSocket(t, sockets)
	server := mustSocket(t, sockets)

	p := New(false, false)
	rc := route(clientLocal, client)
	rs := route(serverLocal, server)
	if _, err := p.Init(rc, rs); err != nil {
		t.Fatalf("Init: %v", err)
	}

	dropped := p.Retain(func(*Session) bool { return false })
	if dropped != 1 {
		t.Fatalf("expected exactly 1 session dropped, got %d", dropped)
	}
	if _, ok := p.ByRoute(rc); ok {
		t.Fatal("expected client route to be gone after Retain dropped the session")
	}
	if _, ok := p.ByRoute(rs); ok {
		t.Fatal("expected server route to be gone after Retain dropped the session")
	}
	if len(p.Addresses()) != 0 {
		t.Fatalf("expected no referenced local addresses after eviction, got %v", p.Addresses())
	}
}

func TestPool_Addresses_TracksOutboundLocals(t *testing.T) {
	sockets, err := socketpool.New()
	if err != nil {
		t.Fatalf("New sockets: %v", err)
	}
	defer sockets.Close()

	clientLocal := mustSocket(t, sockets)
	client := mustSocket(t, sockets)
	serverLocal := mustSocket(t, sockets)
	server := mustSocket(t, sockets)
	spareLocal := mustSocket(t, sockets)

	p := New(false, false)
	if _, err := p.Init(route(clientLocal, client), route(serverLocal, server)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	used := p.Addresses()
	if _, ok := used[serverLocal.Address()]; !ok {
		t.Fatal("expected the session's outbound local to be marked in use")
	}
	if _, ok := used[spareLocal.Address()]; ok {
		t.Fatal("expected an unused local to be absent from Addresses")
	}

	free := sockets.Addresses()
	for a := range used {
		delete(free, a)
	}
	if _, ok := free[spareLocal.Address()]; !ok {
		t.Fatal("expected spareLocal to remain in the free set")
	}
}
