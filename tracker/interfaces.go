package tracker

import (
	"context"
	"net/netip"
)

// SendFlags qualifies an outgoing datagram.
type SendFlags uint8

const (
	// FlagTracker marks tracker traffic. Sockets shared with other
	// protocols use it to account for bytes separately.
	FlagTracker SendFlags = 1 << iota
)

// SendFunc sends a datagram to an endpoint.
type SendFunc func(to netip.AddrPort, b []byte, flags SendFlags) error

// SendHostnameFunc sends a datagram to a host that is resolved by the
// transport, for instance by a proxy.
type SendHostnameFunc func(host string, port uint16, b []byte,
	flags SendFlags) error

// Resolver resolves tracker hostnames.
type Resolver interface {
	// Resolve returns the addresses of host.
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// StatsSink accounts for tracker traffic.
type StatsSink interface {
	// AddSentTrackerBytes records n bytes sent to trackers.
	AddSentTrackerBytes(n int)

	// AddRecvTrackerBytes records n bytes received from trackers.
	AddRecvTrackerBytes(n int)
}
