package tracker

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Event is the announce event reported to the tracker.
type Event uint8

const (
	// EventNone is a regular, periodic announce.
	EventNone Event = iota

	// EventCompleted is sent once the download finished.
	EventCompleted

	// EventStarted is sent when the download starts.
	EventStarted

	// EventStopped is sent when the download stops. Stopped announces ask
	// for no peers.
	EventStopped

	// EventPaused is sent when the download is paused. UDP trackers have no
	// such event and receive it as a regular announce.
	EventPaused
)

// String returns the value of the event query parameter used by HTTP
// trackers.
func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventPaused:
		return "paused"
	default:
		return ""
	}
}

// udpCode returns the event as encoded in a UDP announce.
func (e Event) udpCode() uint32 {
	switch e {
	case EventCompleted, EventStarted, EventStopped:
		return uint32(e)
	default:
		return 0
	}
}

// Kind is the kind of tracker request.
type Kind uint8

const (
	// KindAnnounce announces the local peer and asks for other peers.
	KindAnnounce Kind = iota

	// KindScrape asks for swarm statistics.
	KindScrape
)

// String returns a human readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAnnounce:
		return "announce"
	case KindScrape:
		return "scrape"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// InfoHash identifies a torrent.
type InfoHash [20]byte

// String returns the hex encoding of the info hash.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// PeerID identifies the local peer towards the tracker.
type PeerID [20]byte

// Request describes a single announce or scrape sent to a tracker.
type Request struct {
	// URL is the tracker URL. Its scheme selects the transport.
	URL string

	// Kind selects between announce and scrape.
	Kind Kind

	// Event is the announce event.
	Event Event

	// InfoHash is the torrent being announced or scraped.
	InfoHash InfoHash

	// PeerID is the local peer's id.
	PeerID PeerID

	// Port is the port the local peer accepts connections on.
	Port uint16

	// Uploaded, Downloaded, Left and Corrupt are the transfer counters in
	// bytes.
	Uploaded   int64
	Downloaded int64
	Left       int64
	Corrupt    int64

	// NumWant is the number of peers asked for. It must not be negative and
	// is forced to zero for stopped events.
	NumWant int32

	// Key is a random value that lets the tracker recognize the peer across
	// address changes.
	Key uint32

	// TrackerID is the id a tracker handed out in a previous response.
	TrackerID string
}

// scheme returns everything in front of the first colon of the URL.
func (r *Request) scheme() string {
	i := strings.IndexByte(r.URL, ':')
	if i < 0 {
		return ""
	}

	return r.URL[:i]
}

// String returns a short description of the request for logging.
func (r Request) String() string {
	event := r.Event.String()
	if event == "" {
		event = "none"
	}

	return fmt.Sprintf("%v(url=%v, info_hash=%v, event=%v)", r.Kind,
		r.URL, r.InfoHash, event)
}

// AnnounceResponse is a successful announce answer.
type AnnounceResponse struct {
	// Interval is the time the tracker asks the client to wait before the
	// next regular announce.
	Interval time.Duration

	// MinInterval is the minimum time before a forced re-announce.
	MinInterval time.Duration

	// Complete is the number of seeds, Incomplete the number of
	// downloaders. Negative values mean the tracker did not report them.
	Complete   int
	Incomplete int

	// Downloaded is the number of completed downloads, or -1.
	Downloaded int

	// Peers is the list of peers returned by the tracker.
	Peers []netip.AddrPort

	// TrackerID is an id the tracker asks to be echoed in later announces.
	TrackerID string

	// ExternalIP is our address as seen by the tracker, if reported.
	ExternalIP netip.Addr

	// TrackerAddr is the address the answer was received from, if known.
	TrackerAddr netip.AddrPort
}

// ScrapeResponse is a successful scrape answer.
type ScrapeResponse struct {
	Complete   int
	Incomplete int
	Downloaded int
}
