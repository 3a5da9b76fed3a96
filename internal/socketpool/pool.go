package socketpool

import (
	"net"
	"net/netip"
	"time"

	"wgproxy/internal/addr"
	"wgproxy/internal/relayerr"
)

// poller is the readiness-notification backend a Pool drives. It is
// satisfied by the Linux epoll implementation in epoll_linux.go.
type poller interface {
	add(fd int) error
	remove(fd int) error
	wait(timeout time.Duration, tokens []Token) (int, error)
	close() error
}

// Pool owns a set of bound UDP sockets, the poller that multiplexes them,
// and a reusable event buffer (spec.md §4.3).
type Pool struct {
	poll      poller
	sockets   map[Token]*Socket
	byAddress map[addr.Addr]Token
	events    []Token
}

// New creates an empty socket pool.
func New() (*Pool, error) {
	p, err := newPoller()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindBind, err, "failed to create poller")
	}
	return &Pool{
		poll:      p,
		sockets:   make(map[Token]*Socket),
		byAddress: make(map[addr.Addr]Token),
		events:    make([]Token, 64),
	}, nil
}

// Init binds a new UDP socket at bindAddr, registers it with the poller
// under its own fd as token, and grows the event buffer to at least twice
// the socket count.
func (p *Pool) Init(bindAddr netip.AddrPort) (*Socket, error) {
	udpAddr := net.UDPAddrFromAddrPort(bindAddr)
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindBind, err, "failed to bind %s", bindAddr)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, relayerr.Wrap(relayerr.KindBind, err, "failed to access raw conn for %s", bindAddr)
	}
	var fd int
	if err := rawConn.Control(func(f uintptr) { fd = int(f) }); err != nil {
		_ = conn.Close()
		return nil, relayerr.Wrap(relayerr.KindBind, err, "failed to read fd for %s", bindAddr)
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	localAddrPort := local.AddrPort()
	canon := addr.Canonical(localAddrPort)

	socket := &Socket{
		conn:    conn,
		fd:      fd,
		address: canon,
		isV4:    isV4Bind(localAddrPort.Addr()),
	}

	if err := p.poll.add(fd); err != nil {
		_ = conn.Close()
		return nil, relayerr.Wrap(relayerr.KindBind, err, "failed to register %s with poller", bindAddr)
	}

	token := socket.Token()
	p.sockets[token] = socket
	p.byAddress[canon] = token
	if len(p.sockets)*2 > len(p.events) {
		p.events = make([]Token, len(p.sockets)*2)
	}

	return socket, nil
}

// ByToken returns the socket registered under token, if any.
func (p *Pool) ByToken(t Token) (*Socket, bool) {
	s, ok := p.sockets[t]
	return s, ok
}

// ByAddress returns the socket bound to the given canonical local address.
func (p *Pool) ByAddress(a addr.Addr) (*Socket, bool) {
	token, ok := p.byAddress[a]
	if !ok {
		return nil, false
	}
	return p.sockets[token]
}

// Addresses returns a snapshot of every local address currently bound in
// the pool.
func (p *Pool) Addresses() map[addr.Addr]struct{} {
	out := make(map[addr.Addr]struct{}, len(p.byAddress))
	for a := range p.byAddress {
		out[a] = struct{}{}
	}
	return out
}

// WaitForIO blocks until at least one socket is readable or timeout
// elapses, populating the reusable event buffer.
func (p *Pool) WaitForIO(timeout time.Duration) ([]Token, error) {
	n, err := p.poll.wait(timeout, p.events)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindIO, err, "poll wait failed")
	}
	return p.events[:n], nil
}

// Close deregisters and closes every socket in the pool.
func (p *Pool) Close() error {
	var firstErr error
	for _, s := range p.sockets {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.poll.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
