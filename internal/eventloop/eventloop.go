// Package eventloop drives the relay's single-threaded, cooperative core:
// a socket pool, a session pool, and a handshake validator (spec.md §4.5).
package eventloop

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"wgproxy/internal/addr"
	"wgproxy/internal/config"
	"wgproxy/internal/handshake"
	"wgproxy/internal/logging"
	"wgproxy/internal/relayerr"
	"wgproxy/internal/sessionpool"
	"wgproxy/internal/socketpool"
	"wgproxy/internal/stats"
)

// recvBufferSize is the single reused receive buffer, sized comfortably
// above any WireGuard-shaped datagram (spec.md §5 "Memory discipline").
const recvBufferSize = 4096

// Core owns every long-lived piece of forwarding state: the bound sockets,
// the live sessions, the handshake validator, and the relay's counters.
type Core struct {
	cfg       *config.Config
	log       logging.Logger
	sockets   *socketpool.Pool
	sessions  *sessionpool.Pool
	validator *handshake.Validator
	counters  *stats.Counters

	serverAddr addr.Addr
	recvBuf    [recvBufferSize]byte
}

// Build binds every address in cfg.BindAddrs, constructs the session pool
// and handshake validator per cfg, and returns a ready-to-run Core. Bind
// failures are fatal (spec.md §4.5 "Fatal vs recoverable").
func Build(cfg *config.Config, log logging.Logger) (*Core, error) {
	sockets, err := socketpool.New()
	if err != nil {
		return nil, err
	}
	for _, bindAddr := range cfg.BindAddrs {
		if _, err := sockets.Init(bindAddr); err != nil {
			_ = sockets.Close()
			return nil, err
		}
	}

	var replay *handshake.ReplayFilter
	if !cfg.NoReplay {
		replay = handshake.NewReplayFilter(handshake.DefaultHistorySize)
	}
	validator := handshake.New(cfg.PubKeys, replay)

	return &Core{
		cfg:        cfg,
		log:        log,
		sockets:    sockets,
		sessions:   sessionpool.New(cfg.ResetOnHandshake, cfg.Mode == config.ModeSingleSocket),
		validator:  validator,
		counters:   stats.New(),
		serverAddr: addr.Canonical(cfg.ServerAddr),
	}, nil
}

// Counters exposes the relay's running counters (for tests and the
// debug-level periodic dump).
func (c *Core) Counters() *stats.Counters { return c.counters }

// ListenAddrs returns the actual bound address of every relay-capable
// socket, including kernel-assigned ephemeral ports — useful for tests
// that bind to port 0.
func (c *Core) ListenAddrs() []netip.AddrPort {
	addrs := c.sockets.Addresses()
	out := make([]netip.AddrPort, 0, len(addrs))
	for a := range addrs {
		out = append(out, a.SendAddr(a.WasV4))
	}
	return out
}

// Close releases every bound socket.
func (c *Core) Close() error { return c.sockets.Close() }

// Run drives the event loop until ctx is cancelled, per spec.md §4.5's
// exact per-iteration sequence: poll, sweep expired sessions, drain each
// ready socket.
func (c *Core) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		tokens, err := c.sockets.WaitForIO(config.PollTimeout)
		if err != nil {
			c.log.Errorf("poll wait failed: %v", err)
			continue
		}

		c.sweepExpired()

		for _, token := range tokens {
			sock, ok := c.sockets.ByToken(token)
			if !ok {
				err := relayerr.New(relayerr.KindInvariant, "poller token %v has no registered socket", token)
				c.log.LogError(logging.LevelError, err)
				panic(err)
			}
			c.drain(sock)
		}
	}
}

func (c *Core) sweepExpired() {
	now := time.Now().UnixNano()
	timeoutNanos := c.cfg.Timeout.Nanoseconds()
	dropped := c.sessions.Retain(func(s *sessionpool.Session) bool {
		return s.IdleSince(now) <= timeoutNanos
	})
	if dropped > 0 {
		c.counters.SessionsExpired(dropped)
		c.log.Infof("swept %d expired session(s): %s", dropped, c.counters.Snapshot().Summary())
	}
	if c.log != nil && c.cfg.LogLevel >= logging.LevelDebug {
		c.log.Debugf("%s", c.counters.Snapshot().Summary())
	}
}

// drain repeatedly reads from sock until it reports would-block, per
// spec.md §4.3's edge-triggered drain discipline.
func (c *Core) drain(sock *socketpool.Socket) {
	for {
		n, from, err := sock.RecvFrom(c.recvBuf[:])
		if err != nil {
			if socketpool.IsWouldBlock(err) {
				return
			}
			c.log.Errorf("recv on %s failed: %v", sock.Address(), err)
			return
		}

		c.handlePacket(sock, c.recvBuf[:n], from)
	}
}

func (c *Core) handlePacket(sock *socketpool.Socket, packet []byte, from addr.Addr) {
	inbound := addr.Route{Local: sock.Address(), Remote: from}

	if session, ok := c.sessions.ByRoute(inbound); ok {
		c.forward(session, packet, inbound)
		return
	}

	if err := c.validator.Validate(packet); err != nil {
		c.counters.HandshakeRejected(classify(err))
		c.log.Debugf("dropped initiation from %s: %v", from, err)
		return
	}

	outboundLocal, ok := c.allocateOutboundLocal()
	if !ok {
		c.counters.CapacityExhausted()
		c.log.Warnf("no free outbound local address for new session from %s", from)
		return
	}

	routeServer := addr.Route{Local: outboundLocal, Remote: c.serverAddr}
	session, err := c.sessions.Init(inbound, routeServer)
	if err != nil {
		c.log.Errorf("invariant violation creating session for %s: %v", from, err)
		return
	}
	c.counters.SessionCreated()
	c.forward(session, packet, inbound)
}

func (c *Core) forward(session *sessionpool.Session, packet []byte, arrivingRoute addr.Route) {
	if err := c.sessions.Forward(session, packet, arrivingRoute, c.sockets); err != nil {
		c.log.Errorf("forward failed: %v", err)
		return
	}
	c.counters.PacketForwarded()
}

// allocateOutboundLocal picks a bound local address not already in use by
// any live session (spec.md §4.4 "Outbound-port allocation policy"). In
// single-socket mode there is exactly one bound address, and the "different
// local per session" busy-check is relaxed: the same address is reused for
// every session regardless of how many are already live.
func (c *Core) allocateOutboundLocal() (addr.Addr, bool) {
	if c.cfg.Mode == config.ModeSingleSocket {
		for a := range c.sockets.Addresses() {
			return a, true
		}
		return addr.Addr{}, false
	}

	inUse := c.sessions.Addresses()
	for a := range c.sockets.Addresses() {
		if _, busy := inUse[a]; !busy {
			return a, true
		}
	}
	return addr.Addr{}, false
}

func classify(err error) stats.RejectReason {
	switch {
	case errors.Is(err, handshake.ErrReplay):
		return stats.RejectReplay
	case errors.Is(err, handshake.ErrMACMismatch):
		return stats.RejectMACMismatch
	case errors.Is(err, handshake.ErrBadMagic):
		return stats.RejectBadMagic
	default:
		return stats.RejectBadLength
	}
}
