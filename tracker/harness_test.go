package tracker

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTrackerPort = 6969

var testTrackerAddr = netip.MustParseAddrPort("192.0.2.1:6969")

// datagram is a datagram handed to one of the send functions.
type datagram struct {
	to   netip.AddrPort
	host string
	port uint16
	buf  []byte
}

// action returns the action of a request datagram.
func (d datagram) action() uint32 {
	return binary.BigEndian.Uint32(d.buf[8:12])
}

// tid returns the transaction id of a request datagram.
func (d datagram) tid() uint32 {
	return binary.BigEndian.Uint32(d.buf[12:16])
}

// mockStats is a StatsSink that records every call.
type mockStats struct {
	mock.Mock
}

func (m *mockStats) AddSentTrackerBytes(n int) {
	m.Called(n)
}

func (m *mockStats) AddRecvTrackerBytes(n int) {
	m.Called(n)
}

// mockResolver resolves hostnames from a static table.
type mockResolver struct {
	mu    sync.Mutex
	addrs map[string][]netip.Addr
	err   error
}

func (m *mockResolver) Resolve(_ context.Context,
	host string) ([]netip.Addr, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	return m.addrs[host], nil
}

// outcome is a callback received by the recording requester.
type outcome struct {
	kind     string
	req      Request
	code     int
	err      error
	msg      string
	retry    time.Duration
	announce *AnnounceResponse
	scrape   *ScrapeResponse
}

// recordingRequester pushes every callback onto a channel.
type recordingRequester struct {
	outcomes chan outcome
}

func newRecordingRequester() *recordingRequester {
	return &recordingRequester{
		outcomes: make(chan outcome, 16),
	}
}

func (r *recordingRequester) TrackerResponse(req Request,
	resp *AnnounceResponse) {

	r.outcomes <- outcome{kind: "announce", req: req, announce: resp}
}

func (r *recordingRequester) TrackerScrapeResponse(req Request,
	resp *ScrapeResponse) {

	r.outcomes <- outcome{kind: "scrape", req: req, scrape: resp}
}

func (r *recordingRequester) TrackerWarning(req Request, msg string) {
	r.outcomes <- outcome{kind: "warning", req: req, msg: msg}
}

func (r *recordingRequester) TrackerRequestError(req Request, code int,
	err error, msg string, retry time.Duration) {

	r.outcomes <- outcome{
		kind:  "error",
		req:   req,
		code:  code,
		err:   err,
		msg:   msg,
		retry: retry,
	}
}

func (r *recordingRequester) next(t *testing.T) outcome {
	t.Helper()

	select {
	case o := <-r.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no tracker callback received")
		return outcome{}
	}
}

func (r *recordingRequester) requireNone(t *testing.T) {
	t.Helper()

	select {
	case o := <-r.outcomes:
		t.Fatalf("unexpected tracker callback: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

// testHarness runs a manager against in-memory transports.
type testHarness struct {
	t        *testing.T
	mgr      *Manager
	clock    *clock.TestClock
	stats    *mockStats
	resolver *mockResolver
	sent     chan datagram
}

func newTestHarness(t *testing.T, modify ...func(*Config)) *testHarness {
	t.Helper()

	h := &testHarness{
		t:     t,
		clock: clock.NewTestClock(testTime),
		stats: &mockStats{},
		resolver: &mockResolver{
			addrs: make(map[string][]netip.Addr),
		},
		sent: make(chan datagram, 64),
	}
	h.stats.On("AddSentTrackerBytes", mock.Anything).Return()
	h.stats.On("AddRecvTrackerBytes", mock.Anything).Return()

	cfg := &Config{
		Send: func(to netip.AddrPort, b []byte, _ SendFlags) error {
			h.sent <- datagram{to: to, buf: append([]byte(nil), b...)}
			return nil
		},
		SendHostname: func(host string, port uint16, b []byte,
			_ SendFlags) error {

			h.sent <- datagram{
				host: host,
				port: port,
				buf:  append([]byte(nil), b...),
			}
			return nil
		},
		Resolver:    h.resolver,
		Stats:       h.stats,
		Settings:    DefaultSettings(),
		Clock:       h.clock,
		StatsTicker: ticker.NewForce(time.Hour),
	}
	for _, m := range modify {
		m(cfg)
	}

	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	t.Cleanup(func() {
		require.NoError(t, mgr.Stop())
	})
	h.mgr = mgr

	return h
}

// nextDatagram returns the next datagram sent by the manager. The loop is
// synced afterwards so the attempt timeout is armed when this returns.
func (h *testHarness) nextDatagram() datagram {
	h.t.Helper()

	select {
	case d := <-h.sent:
		h.sync()
		return d
	case <-time.After(5 * time.Second):
		h.t.Fatal("no datagram sent")
		return datagram{}
	}
}

func (h *testHarness) requireNoDatagram() {
	h.t.Helper()

	select {
	case d := <-h.sent:
		h.t.Fatalf("unexpected datagram: %x", d.buf)
	case <-time.After(50 * time.Millisecond):
	}
}

// sync waits for all tasks queued on the manager's loop.
func (h *testHarness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.mgr.loop.Call(func() {}))
}

// requireEmpty asserts that no request is left once the loop is idle.
func (h *testHarness) requireEmpty() {
	h.t.Helper()

	h.sync()
	require.True(h.t, h.mgr.Empty())
}

// onLoop runs f on the manager's loop.
func (h *testHarness) onLoop(f func()) {
	h.t.Helper()
	require.NoError(h.t, h.mgr.loop.Call(f))
}

// queue queues req for the requester and waits until it started.
func (h *testHarness) queue(req Request, r Requester) {
	h.t.Helper()

	require.NoError(h.t, h.mgr.QueueRequest(req, NewHandle(r)))
	h.sync()
}

// advance moves the test clock forward by d.
func (h *testHarness) advance(d time.Duration) {
	h.clock.SetTime(h.clock.Now().Add(d))
}

// udpAnnounce returns an announce to the test tracker.
func udpAnnounce(event Event) Request {
	return Request{
		URL:      "udp://" + testTrackerAddr.String() + "/announce",
		Kind:     KindAnnounce,
		Event:    event,
		InfoHash: InfoHash{1, 2, 3},
		PeerID:   PeerID{'-', 'T', 'D'},
		Port:     51413,
		Left:     1000,
		NumWant:  50,
		Key:      0xdeadbeef,
	}
}

// connectResponse returns a connect response.
func connectResponse(tid uint32, connID uint64) []byte {
	buf := make([]byte, connectResponseLen)
	binary.BigEndian.PutUint32(buf[0:4], actionConnect)
	binary.BigEndian.PutUint32(buf[4:8], tid)
	binary.BigEndian.PutUint64(buf[8:16], connID)

	return buf
}

// announceResponse returns an announce response carrying IPv4 peers.
func announceResponse(tid uint32, interval, leechers, seeders uint32,
	peers ...netip.AddrPort) []byte {

	buf := make([]byte, announceResponseMinLen, announceResponseMinLen+
		len(peers)*peer4Len)
	binary.BigEndian.PutUint32(buf[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(buf[4:8], tid)
	binary.BigEndian.PutUint32(buf[8:12], interval)
	binary.BigEndian.PutUint32(buf[12:16], leechers)
	binary.BigEndian.PutUint32(buf[16:20], seeders)

	for _, p := range peers {
		ip := p.Addr().As4()
		buf = append(buf, ip[:]...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port())
	}

	return buf
}

// errorResponse returns an error response.
func errorResponse(tid uint32, msg string) []byte {
	buf := make([]byte, udpHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], actionError)
	binary.BigEndian.PutUint32(buf[4:8], tid)

	return append(buf, msg...)
}

// connectUDP answers the connect request of a freshly queued UDP request
// and returns the announce datagram that follows.
func (h *testHarness) connectUDP(connID uint64) datagram {
	h.t.Helper()

	d := h.nextDatagram()
	require.Equal(h.t, actionConnect, d.action())
	require.Equal(h.t, udpProtocolID, binary.BigEndian.Uint64(d.buf[0:8]))

	require.True(h.t, h.mgr.IncomingPacket(
		testTrackerAddr, connectResponse(d.tid(), connID),
	))

	return h.nextDatagram()
}
