// Package udpsock owns the UDP socket tracker datagrams are sent from and
// feeds received datagrams to a packet handler.
package udpsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/trackd/trackd/tracker"
)

const (
	// maxDatagramSize is the largest datagram read from the socket.
	maxDatagramSize = 64 * 1024

	// resolveTimeout bounds the lookup of hostname addressed datagrams.
	resolveTimeout = 10 * time.Second

	// DefaultHostnameCacheSize is the number of endpoints whose hostname
	// is remembered for routing answers.
	DefaultHostnameCacheSize = 256
)

// ErrNotStarted is returned when sending on a socket that is not running.
var ErrNotStarted = errors.New("udp socket not started")

// PacketHandler consumes the datagrams and errors read from the socket.
type PacketHandler interface {
	// IncomingPacket handles a datagram received from an endpoint.
	IncomingPacket(from netip.AddrPort, buf []byte) bool

	// IncomingPacketHostname handles a datagram from an endpoint that
	// was addressed by hostname.
	IncomingPacketHostname(host string, buf []byte) bool

	// IncomingError handles a socket error reported for an endpoint.
	IncomingError(err error, from netip.AddrPort)
}

// Config configures a Socket.
type Config struct {
	// Listen is the local address to bind.
	Listen string

	// ReadBuffer is the size of the kernel receive buffer. Zero keeps the
	// system default.
	ReadBuffer int

	// Resolver resolves the hosts of hostname addressed datagrams.
	Resolver tracker.Resolver

	// HostnameCacheSize bounds the number of endpoints remembered for
	// hostname addressed datagrams. Zero selects
	// DefaultHostnameCacheSize.
	HostnameCacheSize int
}

// hostname is the host a datagram to an endpoint was addressed to.
type hostname string

// Size returns the "size" of an entry.
func (h hostname) Size() (uint64, error) {
	return 1, nil
}

// Socket is a UDP socket shared by all UDP tracker requests.
type Socket struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	conn    *net.UDPConn
	handler PacketHandler

	// hostnames maps endpoints to the hostname datagrams were addressed
	// to, so their answers are routed back by hostname. The least
	// recently used endpoints are forgotten first.
	hostnames *lru.Cache[netip.AddrPort, hostname]

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a socket for the given config.
func New(cfg *Config) *Socket {
	size := cfg.HostnameCacheSize
	if size <= 0 {
		size = DefaultHostnameCacheSize
	}

	return &Socket{
		cfg:       cfg,
		hostnames: lru.NewCache[netip.AddrPort, hostname](uint64(size)),
		quit:      make(chan struct{}),
	}
}

// Start binds the socket and starts reading datagrams into handler.
func (s *Socket) Start(handler PacketHandler) error {
	var startErr error
	s.started.Do(func() {
		addr, err := net.ResolveUDPAddr("udp", s.cfg.Listen)
		if err != nil {
			startErr = fmt.Errorf("invalid listen address %v: %w",
				s.cfg.Listen, err)
			return
		}

		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			startErr = err
			return
		}

		if s.cfg.ReadBuffer > 0 {
			if err := conn.SetReadBuffer(s.cfg.ReadBuffer); err != nil {
				log.Warnf("Unable to set read buffer: %v", err)
			}
		}

		s.conn = conn
		s.handler = handler

		log.Infof("UDP socket listening on %v", conn.LocalAddr())

		s.wg.Add(1)
		go s.readLoop()
	})

	return startErr
}

// Stop closes the socket and waits for its goroutines.
func (s *Socket) Stop() error {
	var err error
	s.stopped.Do(func() {
		log.Info("UDP socket shutting down...")

		close(s.quit)
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.wg.Wait()
	})

	return err
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}

	return unmap(s.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Send writes a datagram to an endpoint.
func (s *Socket) Send(to netip.AddrPort, b []byte,
	flags tracker.SendFlags) error {

	if s.conn == nil {
		return ErrNotStarted
	}

	log.Tracef("Sending %d bytes to %v (flags=%b)", len(b), to, flags)

	_, err := s.conn.WriteToUDPAddrPort(b, to)

	return err
}

// SendHostname resolves host in the background and writes the datagram to
// the first address found. Answers from that endpoint are routed by
// hostname. Failures are logged, as the datagram has been accepted already.
func (s *Socket) SendHostname(host string, port uint16, b []byte,
	flags tracker.SendFlags) error {

	if s.conn == nil {
		return ErrNotStarted
	}
	if s.cfg.Resolver == nil {
		return tracker.ErrHostnameSendUnsupported
	}

	buf := append([]byte(nil), b...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(
			context.Background(), resolveTimeout,
		)
		defer cancel()

		go func() {
			select {
			case <-s.quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		addrs, err := s.cfg.Resolver.Resolve(ctx, host)
		if err != nil || len(addrs) == 0 {
			log.Debugf("Unable to resolve %v: %v", host, err)
			return
		}

		to := netip.AddrPortFrom(addrs[0].Unmap(), port)

		s.rememberHostname(to, host)

		if err := s.Send(to, buf, flags); err != nil {
			log.Debugf("Unable to send to %v (%v): %v", host, to,
				err)
		}
	}()

	return nil
}

// rememberHostname routes answers from the endpoint to host.
func (s *Socket) rememberHostname(to netip.AddrPort, host string) {
	if _, err := s.hostnames.Put(to, hostname(host)); err != nil {
		log.Debugf("Unable to remember hostname of %v: %v", to, err)
	}
}

// hostnameOf returns the hostname datagrams to from were addressed to.
func (s *Socket) hostnameOf(from netip.AddrPort) (string, bool) {
	host, err := s.hostnames.Get(from)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return "", false

	case err != nil:
		log.Debugf("Unable to look up hostname of %v: %v", from, err)
		return "", false
	}

	return string(host), true
}

// readLoop hands every datagram to the handler until the socket closes.
//
// NOTE: This MUST be run as a goroutine.
func (s *Socket) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			// Some platforms surface ICMP errors on the read
			// path together with the peer they refer to.
			if from.IsValid() {
				s.handler.IncomingError(err, unmap(from))
				continue
			}

			log.Debugf("Read error: %v", err)
			continue
		}

		from = unmap(from)
		datagram := buf[:n]

		if host, ok := s.hostnameOf(from); ok {
			if s.handler.IncomingPacketHostname(host, datagram) {
				continue
			}
		}

		if !s.handler.IncomingPacket(from, datagram) {
			log.Tracef("Unhandled datagram of %d bytes from %v", n,
				from)
		}
	}
}

// unmap strips the IPv4-in-IPv6 prefix of dual stack sockets.
func unmap(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
