package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// udpState is the step of the UDP tracker conversation.
type udpState uint8

const (
	// udpStateIdle is the state before start.
	udpStateIdle udpState = iota

	// udpStateResolving waits for the tracker hostname to resolve.
	udpStateResolving

	// udpStateConnecting waits for the connect response.
	udpStateConnecting

	// udpStateRequesting waits for the announce or scrape response.
	udpStateRequesting
)

// udpConn is a request to a UDP tracker. Responses are routed to it by the
// manager using its current transaction id.
type udpConn struct {
	connBase

	// transactionID is the key the connection is registered under. It
	// changes with every step and every retransmission.
	transactionID uint32

	host string
	port uint16

	// endpoint is the tracker address once known. It stays invalid when
	// datagrams are addressed by hostname.
	endpoint    netip.AddrPort
	useHostname bool

	connectionID uint64

	state    udpState
	attempts int

	cancelResolve context.CancelFunc
}

// A compile time check to ensure udpConn implements connection.
var _ connection = (*udpConn)(nil)

// newUDPConn returns a UDP connection registered under tid.
func newUDPConn(mgr *Manager, req Request, ref RequesterRef,
	tid uint32) *udpConn {

	c := &udpConn{
		transactionID: tid,
	}
	c.init(mgr, req, ref, c, "UDPTracker")

	return c
}

// start parses the tracker address and either starts the conversation or
// resolves the hostname first.
func (c *udpConn) start() {
	host, port, err := splitUDPTrackerURL(c.req.URL)
	if err != nil {
		c.fail(err, -1, "", 0, 0)
		return
	}
	c.host, c.port = host, port

	c.log.Debugf("Starting %v", c.req)

	if addr, err := netip.ParseAddr(host); err == nil {
		c.endpoint = netip.AddrPortFrom(addr.Unmap(), port)
		c.startConversation()

		return
	}

	if c.mgr.cfg.Settings.ProxyHostnames {
		c.useHostname = true
		c.startConversation()

		return
	}

	c.resolve()
}

// splitUDPTrackerURL returns the host and port of a udp:// tracker URL.
func splitUDPTrackerURL(raw string) (string, uint16, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidTrackerURL, err)
	}

	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("%w: missing host in %v",
			ErrInvalidTrackerURL, raw)
	}

	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("%w: missing port in %v",
			ErrInvalidTrackerURL, raw)
	}

	return host, uint16(port), nil
}

// resolve looks the tracker hostname up in a helper goroutine and posts the
// result back to the loop.
func (c *udpConn) resolve() {
	c.state = udpStateResolving

	err := c.timeout.setTimeout(c.attemptTimeout(), 0)
	if err != nil {
		c.fail(err, -1, "", 0, 0)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelResolve = cancel

	var (
		host     = c.host
		resolver = c.mgr.cfg.Resolver
		loop     = c.mgr.loop
	)
	started := c.mgr.goroutines.Go(ctx, func(ctx context.Context) {
		addrs, err := resolver.Resolve(ctx, host)
		loop.Post(func() {
			c.onResolved(addrs, err)
		})
	})
	if !started {
		cancel()
		c.fail(ErrManagerShuttingDown, -1, "", 0, 0)
	}
}

// onResolved continues the conversation once the hostname resolved.
func (c *udpConn) onResolved(addrs []netip.Addr, err error) {
	if c.closed || c.failing || c.state != udpStateResolving {
		return
	}

	c.cancelResolve()
	c.cancelResolve = nil

	if err != nil {
		c.fail(fmt.Errorf("resolving %v: %w", c.host, err), -1, "", 0,
			0)
		return
	}

	addr, ok := pickAddr(addrs)
	if !ok {
		c.fail(fmt.Errorf("%w: %v", ErrNoAddress, c.host), -1, "", 0,
			0)
		return
	}

	c.endpoint = netip.AddrPortFrom(addr, c.port)
	c.log.Debugf("Resolved %v to %v", c.host, c.endpoint)

	c.startConversation()
}

// pickAddr returns the first IPv4 address, or the first address if there is
// none.
func pickAddr(addrs []netip.Addr) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, addr := range addrs {
		if !addr.IsValid() {
			continue
		}

		addr = addr.Unmap()
		if addr.Is4() {
			return addr, true
		}
		if !fallback.IsValid() {
			fallback = addr
		}
	}

	return fallback, fallback.IsValid()
}

// cacheKey identifies the tracker in the connection id cache.
func (c *udpConn) cacheKey() string {
	if c.useHostname {
		return net.JoinHostPort(c.host, strconv.Itoa(int(c.port)))
	}

	return c.endpoint.String()
}

// startConversation reuses a cached connection id or connects first.
func (c *udpConn) startConversation() {
	now := c.mgr.loop.Now()
	if id, ok := c.mgr.connIDs.get(c.cacheKey(), now); ok {
		c.log.Tracef("Reusing connection id %x", id)

		c.connectionID = id
		c.sendRequest()

		return
	}

	c.sendConnect()
}

// sendConnect starts the connect step.
func (c *udpConn) sendConnect() {
	c.state = udpStateConnecting
	c.attempts = 0
	c.transmit()
}

// sendRequest starts the announce or scrape step.
func (c *udpConn) sendRequest() {
	c.state = udpStateRequesting
	c.attempts = 0
	c.transmit()
}

// transmit sends the datagram of the current step under the current
// transaction id and arms the attempt timeout.
func (c *udpConn) transmit() {
	var buf []byte
	switch {
	case c.state == udpStateConnecting:
		buf = encodeConnect(c.transactionID)

	case c.state == udpStateRequesting && c.req.Kind == KindScrape:
		buf = encodeScrape(
			c.connectionID, c.transactionID, c.req.InfoHash,
		)

	case c.state == udpStateRequesting:
		buf = encodeAnnounce(c.connectionID, c.transactionID, &c.req)

	default:
		return
	}

	c.attempts++

	var err error
	if c.useHostname {
		err = c.mgr.sendHostname(c.host, c.port, buf, FlagTracker)
	} else {
		err = c.mgr.send(c.endpoint, buf, FlagTracker)
	}
	if err != nil {
		c.fail(fmt.Errorf("sending to tracker: %w", err), -1, "", 0, 0)
		return
	}
	c.sentBytes(len(buf) + udpIPOverhead)

	c.log.Tracef("Sent %d bytes, tid=%x, attempt=%d", len(buf),
		c.transactionID, c.attempts)

	err = c.timeout.setTimeout(c.attemptTimeout(), 0)
	if err != nil {
		c.fail(err, -1, "", 0, 0)
	}
}

// attemptTimeout is the time to wait for each answer.
func (c *udpConn) attemptTimeout() time.Duration {
	settings := &c.mgr.cfg.Settings

	timeout := settings.UDPAttemptTimeout
	if c.req.Event == EventStopped && settings.StopTimeout > 0 &&
		settings.StopTimeout < timeout {

		timeout = settings.StopTimeout
	}

	return timeout
}

// onTimeout retransmits under a fresh transaction id until the attempts are
// used up.
func (c *udpConn) onTimeout(err error) {
	if c.closed || c.failing {
		return
	}

	switch {
	case c.state == udpStateResolving:
		c.fail(fmt.Errorf("resolving %v: %w", c.host, err), -1, "", 0,
			0)

	case c.attempts >= c.mgr.cfg.Settings.maxAttempts():
		// An unanswered request may be caused by a connection id
		// the tracker no longer honours.
		if c.state == udpStateRequesting {
			c.mgr.connIDs.remove(c.cacheKey())
		}
		c.fail(err, -1, "", 0, 0)

	default:
		c.log.Debugf("No answer to attempt %d, retransmitting",
			c.attempts)

		c.mgr.updateTransactionID(c, c.mgr.newTransactionID())
		c.transmit()
	}
}

// onReceive handles a datagram received from an endpoint. It returns false
// if the datagram was not meant for this connection.
func (c *udpConn) onReceive(from netip.AddrPort, buf []byte) bool {
	if c.closed || c.failing || c.useHostname {
		return false
	}

	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	if from != c.endpoint {
		c.log.Tracef("Ignoring datagram from %v, expected %v", from,
			c.endpoint)
		return false
	}

	c.receivedBytes(len(buf) + udpIPOverhead)

	return c.handleResponse(buf)
}

// onReceiveHostname handles a datagram received from a host through a
// hostname addressed transport.
func (c *udpConn) onReceiveHostname(host string, buf []byte) bool {
	if c.closed || c.failing || !c.useHostname {
		return false
	}

	if !strings.EqualFold(host, c.host) {
		c.log.Tracef("Ignoring datagram from %v, expected %v", host,
			c.host)
		return false
	}

	c.receivedBytes(len(buf) + udpIPOverhead)

	return c.handleResponse(buf)
}

// handleResponse dispatches a response on the current step.
func (c *udpConn) handleResponse(buf []byte) bool {
	action, tid := udpResponseHeader(buf)
	if tid != c.transactionID {
		return false
	}

	if action == actionError {
		msg := string(buf[udpHeaderLen:])
		c.mgr.connIDs.remove(c.cacheKey())
		c.fail(ErrTrackerFailure, -1, msg, 0, 0)

		return true
	}

	switch {
	case c.state == udpStateConnecting:
		c.onConnectResponse(action, buf)

	case c.state == udpStateRequesting && c.req.Kind == KindScrape:
		c.onScrapeResponse(action, buf)

	case c.state == udpStateRequesting:
		c.onAnnounceResponse(action, buf)

	default:
		return false
	}

	return true
}

// invalidResponse fails the request because of a malformed response.
func (c *udpConn) invalidResponse(step string, action uint32, n int) {
	c.fail(fmt.Errorf("%w: %v response with action %d and %d bytes",
		ErrInvalidTrackerResponse, step, action, n), -1, "", 0, 0)
}

// onConnectResponse stores the connection id and moves on to the request.
func (c *udpConn) onConnectResponse(action uint32, buf []byte) {
	if action != actionConnect || len(buf) < connectResponseLen {
		c.invalidResponse("connect", action, len(buf))
		return
	}

	c.connectionID = binary.BigEndian.Uint64(buf[8:16])
	c.mgr.connIDs.put(c.cacheKey(), c.connectionID, c.mgr.loop.Now())

	c.log.Tracef("Connected, connection id %x", c.connectionID)

	c.mgr.updateTransactionID(c, c.mgr.newTransactionID())
	c.sendRequest()
}

// onAnnounceResponse delivers an announce response.
func (c *udpConn) onAnnounceResponse(action uint32, buf []byte) {
	if action != actionAnnounce || len(buf) < announceResponseMinLen {
		c.invalidResponse("announce", action, len(buf))
		return
	}

	interval := binary.BigEndian.Uint32(buf[8:12])
	resp := &AnnounceResponse{
		Interval:    time.Duration(interval) * time.Second,
		Incomplete:  int(binary.BigEndian.Uint32(buf[12:16])),
		Complete:    int(binary.BigEndian.Uint32(buf[16:20])),
		Downloaded:  -1,
		TrackerAddr: c.endpoint,
		Peers: decodeCompactPeers(
			buf[announceResponseMinLen:], c.endpoint.Addr().Is6(),
		),
	}

	c.log.Debugf("Announce response: %d peers, interval %v",
		len(resp.Peers), resp.Interval)
	c.log.Tracef("Announce response: %v", newLogClosure(func() string {
		return spew.Sdump(resp)
	}))

	c.respond(func(r Requester) {
		r.TrackerResponse(c.req, resp)
	})
}

// onScrapeResponse delivers a scrape response.
func (c *udpConn) onScrapeResponse(action uint32, buf []byte) {
	if action != actionScrape || len(buf) < scrapeResponseMinLen {
		c.invalidResponse("scrape", action, len(buf))
		return
	}

	resp := &ScrapeResponse{
		Complete:   int(binary.BigEndian.Uint32(buf[8:12])),
		Downloaded: int(binary.BigEndian.Uint32(buf[12:16])),
		Incomplete: int(binary.BigEndian.Uint32(buf[16:20])),
	}

	c.log.Debugf("Scrape response: %d complete, %d incomplete",
		resp.Complete, resp.Incomplete)

	c.respond(func(r Requester) {
		r.TrackerScrapeResponse(c.req, resp)
	})
}

// close cancels a pending lookup and unregisters the connection.
func (c *udpConn) close() {
	if c.cancelResolve != nil {
		c.cancelResolve()
		c.cancelResolve = nil
	}

	c.closeBase()
}
