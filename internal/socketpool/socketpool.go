// Package socketpool owns a set of bound, non-blocking UDP sockets and the
// readiness poller that multiplexes them (spec.md §4.3). Tokens are the
// sockets' own file descriptors: stable for the process lifetime and
// already unique, so no separate counter is needed.
package socketpool

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"wgproxy/internal/addr"
	"wgproxy/internal/relayerr"
)

// Token is the poller's opaque per-socket identifier.
type Token int32

// Socket is a single bound, non-blocking UDP endpoint owned by a Pool.
type Socket struct {
	conn    *net.UDPConn
	fd      int
	address addr.Addr
	isV4    bool
}

// Address is the canonical local address this socket is bound to.
func (s *Socket) Address() addr.Addr { return s.address }

// Token is this socket's poller token.
func (s *Socket) Token() Token { return Token(s.fd) }

// SendTo writes packet to dst, de-mapping to v4 first if this socket is
// itself bound to an IPv4 address and dst is v4-mappable (spec.md §4.1).
func (s *Socket) SendTo(packet []byte, dst addr.Addr) (int, error) {
	target := dst.SendAddr(s.isV4)
	n, err := s.conn.WriteToUDPAddrPort(packet, target)
	if err != nil {
		return n, relayerr.Wrap(relayerr.KindIO, err, "send to %s failed", dst)
	}
	return n, nil
}

// RecvFrom reads one packet into buf without blocking the calling
// goroutine: it arms an already-elapsed read deadline so the read returns
// immediately, surfacing IsWouldBlock(err) when no datagram is queued. The
// caller must keep calling RecvFrom until it reports would-block — edge-
// triggered readiness is latched, so undrained bytes will not re-arm the
// poller (spec.md §4.3 "Drain discipline").
func (s *Socket) RecvFrom(buf []byte) (int, addr.Addr, error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, addr.Addr{}, relayerr.Wrap(relayerr.KindIO, err, "failed to arm non-blocking read")
	}
	n, srcAddrPort, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if IsWouldBlock(err) {
			return 0, addr.Addr{}, err
		}
		return 0, addr.Addr{}, relayerr.Wrap(relayerr.KindIO, err, "recv on %s failed", s.address)
	}
	return n, addr.Canonical(srcAddrPort), nil
}

// IsWouldBlock reports whether err is the "no data available right now"
// sentinel produced by RecvFrom's elapsed-deadline trick.
func IsWouldBlock(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// isV4Bind reports whether a local address is actually bound as IPv4.
func isV4Bind(local netip.Addr) bool {
	return local.Is4() || local.Is4In6()
}
