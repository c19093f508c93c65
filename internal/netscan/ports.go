// Package netscan finds local TCP ports some process listens on. Workers
// must not be started on such ports even when they do not answer as
// workers.
package netscan

import (
	"context"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/CZERTAINLY/Legion/internal/parallel"
)

// dial probes run concurrently with this limit
const dialers = 16

// Range is an inclusive range of TCP ports.
type Range struct {
	First uint16
	Last  uint16
}

func (r Range) Contains(port uint16) bool {
	return port >= r.First && port <= r.Last
}

// Listening returns the set of ports from r some local process listens on.
// On linux it asks the kernel over netlink and falls back to dialing the
// loopback addresses when netlink is not accessible, elsewhere it always
// dials.
func Listening(ctx context.Context, r Range) map[int]struct{} {
	ports, err := kernelListeners(r)
	if err == nil {
		return ports
	}
	slog.DebugContext(ctx, "kernel socket dump failed, dialing ports", "error", err)

	ports = make(map[int]struct{})
	for ap := range Dial(ctx, r) {
		ports[int(ap.Port())] = struct{}{}
	}
	return ports
}

// Dial yields the ports of r accepting TCP connections on any of addresses,
// 127.0.0.1 and ::1 when none are given.
func Dial(ctx context.Context, r Range, addresses ...netip.Addr) iter.Seq[netip.AddrPort] {
	if len(addresses) == 0 {
		addresses = []netip.Addr{
			netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			netip.IPv6Loopback(),
		}
	}

	return func(yield func(netip.AddrPort) bool) {
		probe := func(ctx context.Context, ap netip.AddrPort) (bool, error) {
			return Open(ctx, ap), nil
		}
		m := parallel.NewMap(ctx, dialers, probe)
		for ap, open := range m.Zip(candidates(r, addresses)) {
			if open && !yield(ap) {
				return
			}
		}
	}
}

// Open reports whether something accepts TCP connections on ap.
func Open(ctx context.Context, ap netip.AddrPort) bool {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", ap.String())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func candidates(r Range, addresses []netip.Addr) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		for _, addr := range addresses {
			for port := int(r.First); port <= int(r.Last); port++ {
				if !yield(netip.AddrPortFrom(addr, uint16(port))) {
					return
				}
			}
		}
	}
}
