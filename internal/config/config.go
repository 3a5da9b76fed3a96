// Package config loads the relay's fixed-at-startup configuration from
// environment variables only (spec.md §6.1), using koanf/v2 with its env
// provider. No file or YAML provider is wired: the relay has no on-disk
// configuration to layer defaults under (spec.md §6 is env-only by design),
// so those koanf providers have no component to serve here (see DESIGN.md).
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"wgproxy/internal/logging"
	"wgproxy/internal/relayerr"
)

// Mode selects which of WGPROXY_LISTEN or WGPROXY_PORTS governs bind
// addresses (spec.md §9 "Single-socket vs port-range").
type Mode int

const (
	// ModePortRange binds one relay-capable endpoint per port in a range
	// on [::] — the default, multi-port fan-in shape.
	ModePortRange Mode = iota
	// ModeSingleSocket binds exactly one listening address, explicitly
	// requested via WGPROXY_LISTEN.
	ModeSingleSocket
)

const (
	envServer           = "WGPROXY_SERVER"
	envPubKeys          = "WGPROXY_PUBKEYS"
	envPubKey           = "WGPROXY_PUBKEY"
	envPorts            = "WGPROXY_PORTS"
	envListen           = "WGPROXY_LISTEN"
	envTimeout          = "WGPROXY_TIMEOUT"
	envLogLevel         = "WGPROXY_LOGLEVEL"
	envResetOnHandshake = "WGPROXY_RESET_ON_HANDSHAKE"
	envNoReplay         = "WGPROXY_NOREPLAY"

	defaultPorts        = "51820-51829"
	defaultListen       = "[::]:51820"
	defaultTimeoutSecs  = 60
	defaultLogLevel     = 1
	pollTimeoutSeconds  = 7 // design default, spec.md §4.5
)

// Config is the relay's fully-parsed, validated, read-only configuration.
type Config struct {
	Server     string // retained verbatim to allow periodic re-resolution
	ServerAddr netip.AddrPort

	PubKeys [][32]byte

	Mode      Mode
	BindAddrs []netip.AddrPort // one per configured port, or a single entry

	Timeout time.Duration

	LogLevel logging.Level

	ResetOnHandshake bool
	NoReplay         bool
}

// PollTimeout is the design default from spec.md §4.5: a short poll
// timeout so timeout sweeps occur even on an idle relay.
const PollTimeout = pollTimeoutSeconds * time.Second

// Load reads every WGPROXY_* environment variable, validates it, and
// returns a Config, or a *relayerr.Error of KindConfig describing the
// first problem found.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("WGPROXY_", ".", func(s string) string { return s }), nil); err != nil {
		return nil, relayerr.Wrap(relayerr.KindConfig, err, "failed to read environment")
	}

	cfg := &Config{}

	server := k.String(envServer)
	if server == "" {
		return nil, relayerr.New(relayerr.KindConfig, "%s is required", envServer)
	}
	serverAddr, err := resolveHostPort(server)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConfig, err, "%s %q is not resolvable", envServer, server)
	}
	cfg.Server = server
	cfg.ServerAddr = serverAddr

	pubKeysRaw := k.String(envPubKeys)
	if pubKeysRaw == "" {
		pubKeysRaw = k.String(envPubKey)
	}
	if pubKeysRaw == "" {
		return nil, relayerr.New(relayerr.KindConfig, "%s or %s is required", envPubKeys, envPubKey)
	}
	pubKeys, err := parsePubKeys(pubKeysRaw)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConfig, err, "invalid %s", envPubKeys)
	}
	cfg.PubKeys = pubKeys

	listen := k.String(envListen)
	if listen != "" {
		addr, err := netip.ParseAddrPort(listen)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindConfig, err, "invalid %s %q", envListen, listen)
		}
		cfg.Mode = ModeSingleSocket
		cfg.BindAddrs = []netip.AddrPort{addr}
	} else {
		portsRaw := k.String(envPorts)
		if portsRaw == "" {
			portsRaw = defaultPorts
		}
		addrs, err := parsePortRange(portsRaw)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindConfig, err, "invalid %s %q", envPorts, portsRaw)
		}
		cfg.Mode = ModePortRange
		cfg.BindAddrs = addrs
	}

	timeoutSecs := defaultTimeoutSecs
	if raw := k.String(envTimeout); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, relayerr.New(relayerr.KindConfig, "invalid %s %q: must be a non-negative integer", envTimeout, raw)
		}
		timeoutSecs = n
	}
	cfg.Timeout = time.Duration(timeoutSecs) * time.Second

	logLevel := defaultLogLevel
	if raw := k.String(envLogLevel); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 3 {
			return nil, relayerr.New(relayerr.KindConfig, "invalid %s %q: must be 0..3", envLogLevel, raw)
		}
		logLevel = n
	}
	cfg.LogLevel = logging.Level(logLevel)

	cfg.ResetOnHandshake = parseBool(k.String(envResetOnHandshake))
	cfg.NoReplay = parseBool(k.String(envNoReplay))

	return cfg, nil
}

func resolveHostPort(hostPort string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses found for %q", host)
	}
	ip, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unparseable address for %q", host)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}

func parsePubKeys(raw string) ([][32]byte, error) {
	parts := strings.Split(raw, ",")
	keys := make([][32]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("decode key %q: %w", p, err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("key %q decodes to %d bytes, want 32", p, len(decoded))
		}
		var key [32]byte
		copy(key[:], decoded)
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no public keys configured")
	}
	return keys, nil
}

func parsePortRange(raw string) ([]netip.AddrPort, error) {
	lo, hi, ok := strings.Cut(raw, "-")
	if !ok {
		return nil, fmt.Errorf("expected lo-hi, got %q", raw)
	}
	loPort, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid low port %q: %w", lo, err)
	}
	hiPort, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid high port %q: %w", hi, err)
	}
	if hiPort < loPort {
		return nil, fmt.Errorf("high port %d is below low port %d", hiPort, loPort)
	}
	wildcard := netip.IPv6Unspecified()
	addrs := make([]netip.AddrPort, 0, hiPort-loPort+1)
	for port := loPort; port <= hiPort; port++ {
		addrs = append(addrs, netip.AddrPortFrom(wildcard, uint16(port)))
	}
	return addrs, nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
