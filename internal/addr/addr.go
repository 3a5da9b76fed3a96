// Package addr implements canonical, family-agnostic socket addresses.
//
// IPv4 addresses are stored as IPv4-mapped IPv6 (netip.Addr's native
// representation already unifies this) so that equality, hashing, and route
// lookups never fragment across address families. See spec.md §4.1 and
// §9 ("Address families").
package addr

import "net/netip"

// Addr is a canonicalized (IPv6, port) pair. WasV4 records whether the
// original address was an IPv4 address, so a socket bound to IPv4 can
// de-map before handing the address to the OS.
type Addr struct {
	IP    netip.Addr
	Port  uint16
	WasV4 bool
}

// Canonical lifts ap into canonical-v6 form. An already-v6 address is kept
// as-is (identity); a v4 address is mapped to its ::ffff:a.b.c.d form.
func Canonical(ap netip.AddrPort) Addr {
	ip := ap.Addr()
	wasV4 := ip.Is4() || ip.Is4In6()
	return Addr{IP: netip.AddrFrom16(ip.As16()), Port: ap.Port(), WasV4: wasV4}
}

// AddrPort returns the canonical v6 netip.AddrPort for this address,
// regardless of the original family.
func (a Addr) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

// ToV4 attempts to recover the IPv4 form of a, failing if the stored address
// is not v4-mapped.
func (a Addr) ToV4() (netip.Addr, bool) {
	unmapped := a.IP.Unmap()
	if !unmapped.Is4() {
		return netip.Addr{}, false
	}
	return unmapped, true
}

// SendAddr returns the address to hand to the OS when sending from a socket
// that is (or is not) itself bound to an IPv4 address: de-mapped to v4 when
// the owning socket is v4 and the destination is v4-mappable, the canonical
// v6 form otherwise.
func (a Addr) SendAddr(socketIsV4 bool) netip.AddrPort {
	if socketIsV4 {
		if v4, ok := a.ToV4(); ok {
			return netip.AddrPortFrom(v4, a.Port)
		}
	}
	return a.AddrPort()
}

// String renders the canonical v6 address for logging.
func (a Addr) String() string {
	return a.AddrPort().String()
}

// Route is an ordered (local, remote) pair of canonical addresses. Routes
// are comparable and usable directly as map keys — they are the keys into
// the session pool (spec.md §3 "Route").
type Route struct {
	Local  Addr
	Remote Addr
}

// String renders the route as "local<-remote" for logging.
func (r Route) String() string {
	return r.Local.String() + "<-" + r.Remote.String()
}
