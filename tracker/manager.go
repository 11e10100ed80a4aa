package tracker

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/trackd/trackd/eventloop"
	"golang.org/x/time/rate"
)

const (
	// noiseLogInterval and noiseLogBurst limit how often datagrams that
	// match no request are logged.
	noiseLogInterval = time.Second
	noiseLogBurst    = 10
)

// Config holds the capabilities the manager needs from its environment.
// Send, Resolver and Stats are required.
type Config struct {
	// Send transmits a datagram to a UDP tracker.
	Send SendFunc

	// SendHostname transmits a datagram to a UDP tracker addressed by
	// hostname. It is only used with Settings.ProxyHostnames.
	SendHostname SendHostnameFunc

	// Resolver resolves UDP tracker hostnames.
	Resolver Resolver

	// Stats accounts for tracker traffic.
	Stats StatsSink

	// Settings tunes timeouts and limits.
	Settings Settings

	// Clock is the time source of the manager. It defaults to the wall
	// clock.
	Clock clock.Clock

	// HTTPClient performs HTTP tracker requests. It defaults to a client
	// without a timeout of its own.
	HTTPClient *http.Client

	// StatsTicker paces the log line reporting requests in flight. It
	// defaults to a ticker firing every Settings.StatsInterval.
	StatsTicker ticker.Ticker
}

// Manager keeps track of all outstanding tracker requests. It routes
// incoming UDP datagrams to the request they answer and cancels requests in
// bulk on shutdown.
//
// All state is owned by a single event loop, which also runs the Requester
// callbacks. QueueRequest, AbortAllRequests, IncomingError, Empty and
// NumRequests never wait on the loop and may be called from anywhere,
// callbacks included. IncomingPacket and IncomingPacketHostname wait for
// the routing result and are meant for the socket reader.
type Manager struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	loop       *eventloop.Loop
	goroutines *fn.GoroutineManager

	// httpConns holds the HTTP requests in the order they were queued.
	httpConns []*httpConn

	// udpConns maps transaction ids to UDP requests.
	udpConns map[uint32]*udpConn

	// numRequests mirrors the size of both registries. It is only
	// written by the loop.
	numRequests atomic.Int64

	connIDs *connIDCache

	// abort is set once AbortAllRequests ran. Only stopped announces are
	// accepted afterwards.
	abort bool

	noiseLimiter *rate.Limiter

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager returns a manager for the given config. Start must be called
// before requests are queued.
func NewManager(cfg *Config) (*Manager, error) {
	switch {
	case cfg.Send == nil:
		return nil, errors.New("tracker manager needs a send function")

	case cfg.Resolver == nil:
		return nil, errors.New("tracker manager needs a resolver")

	case cfg.Stats == nil:
		return nil, errors.New("tracker manager needs a stats sink")
	}

	if err := cfg.Settings.validate(); err != nil {
		return nil, err
	}

	config := *cfg
	if config.Clock == nil {
		config.Clock = clock.NewDefaultClock()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.StatsTicker == nil {
		interval := config.Settings.StatsInterval
		if interval <= 0 {
			interval = DefaultStatsInterval
		}
		config.StatsTicker = ticker.New(interval)
	}

	return &Manager{
		cfg:        &config,
		loop:       eventloop.New(config.Clock),
		goroutines: fn.NewGoroutineManager(),
		udpConns:   make(map[uint32]*udpConn),
		connIDs: newConnIDCache(
			connectionIDCacheSize,
			config.Settings.UDPConnectionIDExpiry,
		),
		noiseLimiter: rate.NewLimiter(
			rate.Every(noiseLogInterval), noiseLogBurst,
		),
		quit: make(chan struct{}),
	}, nil
}

// Start launches the event loop and the periodic stats log.
func (m *Manager) Start() error {
	m.started.Do(func() {
		log.Info("Tracker manager starting")

		m.loop.Start()

		m.cfg.StatsTicker.Resume()
		m.wg.Add(1)
		go m.logStats()
	})

	return nil
}

// Stop aborts every request, including stopped announces, and waits for all
// goroutines of the manager to exit.
func (m *Manager) Stop() error {
	m.stopped.Do(func() {
		log.Info("Tracker manager shutting down...")
		defer log.Debug("Tracker manager shutdown complete")

		err := m.loop.Call(func() {
			m.abortAllRequests(true)
		})
		if err != nil {
			log.Warnf("Unable to abort tracker requests: %v", err)
		}

		close(m.quit)
		m.cfg.StatsTicker.Stop()

		// Helper goroutines post their results to the loop, so they
		// are drained before the loop goes away.
		m.goroutines.Stop()
		m.wg.Wait()

		m.loop.Stop()
	})

	return nil
}

// logStats periodically logs the number of requests in flight.
//
// NOTE: This MUST be run as a goroutine.
func (m *Manager) logStats() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.StatsTicker.Ticks():
			m.loop.Post(func() {
				log.Debugf("Tracker requests in flight: "+
					"http=%d, udp=%d", len(m.httpConns),
					len(m.udpConns))
			})

		case <-m.quit:
			return
		}
	}
}

// QueueRequest starts the request. The outcome is reported to the requester
// referenced by ref, which may be nil if nobody is interested.
func (m *Manager) QueueRequest(req Request, ref RequesterRef) error {
	if req.NumWant < 0 {
		return ErrNegativeNumWant
	}
	if ref == nil {
		ref = detached{}
	}

	if !m.loop.Post(func() { m.queueRequest(req, ref) }) {
		return ErrManagerShuttingDown
	}

	return nil
}

// queueRequest creates and starts the connection serving req.
func (m *Manager) queueRequest(req Request, ref RequesterRef) {
	if m.abort && req.Event != EventStopped {
		log.Debugf("Dropping %v, manager is aborting", req)
		return
	}

	if req.Event == EventStopped {
		req.NumWant = 0
	}

	switch scheme := req.scheme(); {
	case scheme == "http" ||
		(scheme == "https" && m.cfg.Settings.AllowHTTPS):

		c := newHTTPConn(m, req, ref)
		m.httpConns = append(m.httpConns, c)
		m.numRequests.Add(1)
		c.start()

		return

	case scheme == "udp":
		c := newUDPConn(m, req, ref, m.newTransactionID())
		m.udpConns[c.transactionID] = c
		m.numRequests.Add(1)
		c.start()

		return
	}

	log.Debugf("Unsupported tracker URL protocol in %v", req)

	ref.Load().WhenSome(func(r Requester) {
		m.loop.Post(func() {
			r.TrackerRequestError(
				req, -1, ErrUnsupportedURLProtocol, "", 0,
			)
		})
	})
}

// newTransactionID returns a random transaction id no UDP request uses.
func (m *Manager) newTransactionID() uint32 {
	for {
		tid := rand.Uint32()
		if _, ok := m.udpConns[tid]; !ok {
			return tid
		}
	}
}

// IncomingPacket routes a datagram received from an endpoint to the UDP
// request it answers. It returns false if the datagram is not a tracker
// response or no request accepted it.
func (m *Manager) IncomingPacket(from netip.AddrPort, buf []byte) bool {
	var handled bool
	err := m.loop.Call(func() {
		handled = m.incomingPacket(from, buf)
	})
	if err != nil {
		return false
	}

	return handled
}

// incomingPacket is the loop side of IncomingPacket.
func (m *Manager) incomingPacket(from netip.AddrPort, buf []byte) bool {
	c, ok := m.lookupResponse(from.String(), buf, udpHeaderLen)
	if !ok {
		return false
	}

	return c.onReceive(from, buf)
}

// IncomingPacketHostname routes a datagram received from a host through a
// hostname addressed transport.
func (m *Manager) IncomingPacketHostname(host string, buf []byte) bool {
	var handled bool
	err := m.loop.Call(func() {
		handled = m.incomingPacketHostname(host, buf)
	})
	if err != nil {
		return false
	}

	return handled
}

// incomingPacketHostname is the loop side of IncomingPacketHostname.
func (m *Manager) incomingPacketHostname(host string, buf []byte) bool {
	c, ok := m.lookupResponse(host, buf, udpHostnameHeaderLen)
	if !ok {
		return false
	}

	return c.onReceiveHostname(host, buf)
}

// lookupResponse validates the response header and returns the UDP request
// registered under its transaction id.
func (m *Manager) lookupResponse(from string, buf []byte,
	minLen int) (*udpConn, bool) {

	if len(buf) < minLen {
		log.Debugf("Ignoring short datagram from %v: %d bytes", from,
			len(buf))
		return nil, false
	}

	action, tid := udpResponseHeader(buf)
	if action > maxAction {
		log.Debugf("Ignoring datagram from %v with action %d", from,
			action)
		return nil, false
	}

	// The connection is held here as onReceive may remove it from the
	// map.
	c, ok := m.udpConns[tid]
	if !ok {
		if m.noiseLimiter.Allow() {
			log.Debugf("Ignoring datagram from %v with unknown "+
				"transaction id %x", from, tid)
		}
		return nil, false
	}

	return c, true
}

// IncomingError fails every UDP request waiting on the endpoint the socket
// error was reported for.
func (m *Manager) IncomingError(err error, from netip.AddrPort) {
	m.loop.Post(func() {
		m.incomingError(err, from)
	})
}

// incomingError is the loop side of IncomingError.
func (m *Manager) incomingError(err error, from netip.AddrPort) {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	var affected []*udpConn
	for _, c := range m.udpConns {
		if !c.useHostname && c.endpoint == from {
			affected = append(affected, c)
		}
	}

	for _, c := range affected {
		c.log.Debugf("Socket error from %v: %v", from, err)
		c.fail(err, -1, "", 0, 0)
	}
}

// updateTransactionID registers c under a new transaction id.
func (m *Manager) updateTransactionID(c *udpConn, tid uint32) {
	delete(m.udpConns, c.transactionID)
	c.transactionID = tid
	m.udpConns[tid] = c
}

// removeRequest unregisters c. Unknown connections are ignored.
func (m *Manager) removeRequest(c connection) {
	for i, hc := range m.httpConns {
		if connection(hc) == c {
			m.httpConns = slices.Delete(m.httpConns, i, i+1)
			m.numRequests.Add(-1)
			return
		}
	}

	for tid, uc := range m.udpConns {
		if connection(uc) == c {
			delete(m.udpConns, tid)
			m.numRequests.Add(-1)
			return
		}
	}
}

// AbortAllRequests closes every request without notifying the requesters
// and makes the manager drop all further requests except stopped announces.
// Stopped announces in flight survive unless force is set. The abort is
// queued behind the tasks already posted, so requests queued after it
// returns observe it.
func (m *Manager) AbortAllRequests(force bool) error {
	if !m.loop.Post(func() { m.abortAllRequests(force) }) {
		return ErrManagerShuttingDown
	}

	return nil
}

// abortAllRequests is the loop side of AbortAllRequests.
func (m *Manager) abortAllRequests(force bool) {
	m.abort = true

	log.Debugf("Aborting tracker requests (force=%v)", force)

	var toClose []connection
	for _, c := range m.httpConns {
		if c.req.Event == EventStopped && !force {
			continue
		}

		c.log.Debugf("Aborting %v", c.req)
		toClose = append(toClose, c)
	}
	for _, c := range m.udpConns {
		if c.req.Event == EventStopped && !force {
			continue
		}

		c.log.Debugf("Aborting %v", c.req)
		toClose = append(toClose, c)
	}

	for _, c := range toClose {
		c.close()
	}
}

// Empty reports whether no request is in flight.
func (m *Manager) Empty() bool {
	return m.NumRequests() == 0
}

// NumRequests returns the number of requests in flight as of the last
// task the loop finished.
func (m *Manager) NumRequests() int {
	return int(m.numRequests.Load())
}

// sentBytes accounts for bytes sent to trackers.
func (m *Manager) sentBytes(n int) {
	m.cfg.Stats.AddSentTrackerBytes(n)
}

// receivedBytes accounts for bytes received from trackers.
func (m *Manager) receivedBytes(n int) {
	m.cfg.Stats.AddRecvTrackerBytes(n)
}

// send transmits a datagram to an endpoint.
func (m *Manager) send(to netip.AddrPort, b []byte, flags SendFlags) error {
	return m.cfg.Send(to, b, flags)
}

// sendHostname transmits a datagram to a host.
func (m *Manager) sendHostname(host string, port uint16, b []byte,
	flags SendFlags) error {

	if m.cfg.SendHostname == nil {
		return ErrHostnameSendUnsupported
	}

	return m.cfg.SendHostname(host, port, b, flags)
}
