package tracker

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/require"
)

// newTrackerServer serves the given handler and returns its announce URL.
func newTrackerServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server.URL + "/announce"
}

// bencoded returns a handler answering with the bencoding of v.
func bencoded(t *testing.T, v interface{}) http.HandlerFunc {
	body, err := bencode.Marshal(v)
	require.NoError(t, err)

	return func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}
}

func httpAnnounce(u string, event Event) Request {
	req := udpAnnounce(event)
	req.URL = u

	return req
}

// TestHTTPAnnounce runs an HTTP announce with compact peers.
func TestHTTPAnnounce(t *testing.T) {
	t.Parallel()

	queries := make(chan url.Values, 1)
	body, err := bencode.Marshal(map[string]interface{}{
		"interval":     1800,
		"min interval": 60,
		"complete":     5,
		"incomplete":   7,
		"tracker id":   "abc",
		"peers":        "\xc6\x33\x64\x01\x1a\xe1",
		"peers6": "\x20\x01\x0d\xb8\x00\x00\x00\x00" +
			"\x00\x00\x00\x00\x00\x00\x00\x01\x1a\xe2",
		"external ip": "\xcb\x00\x71\x05",
	})
	require.NoError(t, err)

	u := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		_, _ = w.Write(body)
	})

	h := newTestHarness(t)
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventStarted), r)

	o := r.next(t)
	require.Equal(t, "announce", o.kind)
	require.Equal(t, 30*time.Minute, o.announce.Interval)
	require.Equal(t, time.Minute, o.announce.MinInterval)
	require.Equal(t, 5, o.announce.Complete)
	require.Equal(t, 7, o.announce.Incomplete)
	require.Equal(t, -1, o.announce.Downloaded)
	require.Equal(t, "abc", o.announce.TrackerID)
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("198.51.100.1:6881"),
		netip.MustParseAddrPort("[2001:db8::1]:6882"),
	}, o.announce.Peers)
	require.Equal(t, netip.MustParseAddr("203.0.113.5"),
		o.announce.ExternalIP)
	require.True(t, o.announce.TrackerAddr.IsValid())
	h.requireEmpty()

	query := <-queries
	require.Equal(t, "started", query.Get("event"))
	require.Equal(t, "51413", query.Get("port"))
	require.Equal(t, "50", query.Get("numwant"))
	require.Equal(t, "1", query.Get("compact"))
	require.Equal(t, "DEADBEEF", query.Get("key"))
	require.Equal(t, string(o.req.InfoHash[:]), query.Get("info_hash"))

	var received int
	h.sync()
	for _, call := range h.stats.Calls {
		if call.Method == "AddRecvTrackerBytes" {
			received += call.Arguments.Int(0)
		}
	}
	require.Equal(t, len(body), received)
}

// TestHTTPAnnouncePeerList asserts that the dictionary peer list is
// accepted and unusable entries are skipped.
func TestHTTPAnnouncePeerList(t *testing.T) {
	t.Parallel()

	u := newTrackerServer(t, bencoded(t, map[string]interface{}{
		"interval": 900,
		"peers": []map[string]interface{}{
			{"ip": "198.51.100.3", "port": 1000},
			{"ip": "not-an-ip", "port": 1001},
			{"ip": "2001:db8::2", "port": 1002},
			{"ip": "198.51.100.4", "port": 0},
		},
	}))

	h := newTestHarness(t)
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventNone), r)

	o := r.next(t)
	require.Equal(t, "announce", o.kind)
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("198.51.100.3:1000"),
		netip.MustParseAddrPort("[2001:db8::2]:1002"),
	}, o.announce.Peers)
}

// TestHTTPFailureReason asserts that a tracker failure is reported with its
// message and retry interval.
func TestHTTPFailureReason(t *testing.T) {
	t.Parallel()

	u := newTrackerServer(t, bencoded(t, map[string]interface{}{
		"failure reason": "torrent not registered",
		"min interval":   120,
	}))

	h := newTestHarness(t)
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventNone), r)

	o := r.next(t)
	require.Equal(t, "error", o.kind)
	require.ErrorIs(t, o.err, ErrTrackerFailure)
	require.Equal(t, "torrent not registered", o.msg)
	require.Equal(t, 2*time.Minute, o.retry)
	require.Equal(t, http.StatusOK, o.code)
	h.requireEmpty()
	r.requireNone(t)
}

// TestHTTPWarning asserts that a warning is delivered before the response.
func TestHTTPWarning(t *testing.T) {
	t.Parallel()

	u := newTrackerServer(t, bencoded(t, map[string]interface{}{
		"warning message": "slow down",
		"interval":        60,
		"peers":           "",
	}))

	h := newTestHarness(t)
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventNone), r)

	o := r.next(t)
	require.Equal(t, "warning", o.kind)
	require.Equal(t, "slow down", o.msg)

	o = r.next(t)
	require.Equal(t, "announce", o.kind)
	require.Empty(t, o.announce.Peers)
}

// TestHTTPStatus asserts that non-200 answers fail with the status code.
func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	u := newTrackerServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})

	h := newTestHarness(t)
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventNone), r)

	o := r.next(t)
	require.ErrorIs(t, o.err, ErrHTTPStatus)
	require.Equal(t, http.StatusNotFound, o.code)
	require.Equal(t, "Not Found", o.msg)
}

// TestHTTPResponseTooLarge asserts that oversized bodies are refused.
func TestHTTPResponseTooLarge(t *testing.T) {
	t.Parallel()

	u := newTrackerServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	})

	h := newTestHarness(t, func(cfg *Config) {
		cfg.Settings.MaxResponseLength = 1024
	})
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventNone), r)

	o := r.next(t)
	require.ErrorIs(t, o.err, ErrResponseTooLarge)
}

// TestHTTPDefaultResponseLength asserts that settings without a response
// limit fall back to the default one.
func TestHTTPDefaultResponseLength(t *testing.T) {
	t.Parallel()

	u := newTrackerServer(t, bencoded(t, map[string]interface{}{
		"interval": 1800,
		"complete": 1,
		"peers":    "\xc6\x33\x64\x01\x1a\xe1",
	}))

	h := newTestHarness(t, func(cfg *Config) {
		cfg.Settings = Settings{
			CompletionTimeout: time.Minute,
			UDPAttemptTimeout: time.Second,
		}
	})
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventNone), r)

	o := r.next(t)
	require.Equal(t, "announce", o.kind)
	require.Equal(t, 1, o.announce.Complete)
	require.Len(t, o.announce.Peers, 1)
}

// TestHTTPInvalidBody asserts that a body that is not bencoded fails.
func TestHTTPInvalidBody(t *testing.T) {
	t.Parallel()

	u := newTrackerServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	h := newTestHarness(t)
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventNone), r)

	o := r.next(t)
	require.ErrorIs(t, o.err, ErrInvalidTrackerResponse)
}

// TestHTTPScrape runs an HTTP scrape against the derived scrape URL.
func TestHTTPScrape(t *testing.T) {
	t.Parallel()

	infoHash := InfoHash{9, 9, 9}
	paths := make(chan string, 1)
	body, err := bencode.Marshal(map[string]interface{}{
		"files": map[string]interface{}{
			string(infoHash[:]): map[string]interface{}{
				"complete":   3,
				"incomplete": 4,
				"downloaded": 5,
			},
		},
	})
	require.NoError(t, err)

	u := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_, _ = w.Write(body)
	})

	h := newTestHarness(t)
	r := newRecordingRequester()

	req := httpAnnounce(u, EventNone)
	req.Kind = KindScrape
	req.InfoHash = infoHash
	h.queue(req, r)

	o := r.next(t)
	require.Equal(t, "scrape", o.kind)
	require.Equal(t, &ScrapeResponse{
		Complete:   3,
		Incomplete: 4,
		Downloaded: 5,
	}, o.scrape)
	require.Equal(t, "/scrape", <-paths)

	// A torrent missing from the answer fails.
	req.InfoHash = InfoHash{1}
	h.queue(req, r)
	o = r.next(t)
	require.ErrorIs(t, o.err, ErrInvalidTrackerResponse)
}

// TestHTTPScrapeNotSupported asserts that a tracker URL without an announce
// path element can't be scraped.
func TestHTTPScrapeNotSupported(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	r := newRecordingRequester()

	req := httpAnnounce("http://tracker.example/track", EventNone)
	req.Kind = KindScrape
	h.queue(req, r)

	o := r.next(t)
	require.ErrorIs(t, o.err, ErrScrapeNotSupported)
	h.requireEmpty()
}

// TestHTTPReadTimeout asserts that a tracker that stops sending data is
// timed out and the round trip is cancelled.
func TestHTTPReadTimeout(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	u := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()

		<-r.Context().Done()
		close(cancelled)
	})

	h := newTestHarness(t)
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventNone), r)

	h.advance(DefaultReceiveTimeout)

	o := r.next(t)
	require.ErrorIs(t, o.err, ErrReadTimeout)
	h.requireEmpty()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("round trip not cancelled")
	}
}

// TestStoppedHTTPAnnounceTimeout asserts that stopped announces use the stop
// timeout.
func TestStoppedHTTPAnnounceTimeout(t *testing.T) {
	t.Parallel()

	u := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	h := newTestHarness(t, func(cfg *Config) {
		cfg.Settings.ReceiveTimeout = time.Hour
	})
	r := newRecordingRequester()
	h.queue(httpAnnounce(u, EventStopped), r)

	h.advance(DefaultStopTimeout)

	o := r.next(t)
	require.ErrorIs(t, o.err, ErrCompletionTimeout)
}
