package tracker

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/torrent/bencode"
)

// httpPeer is a peer in the non-compact peer list.
type httpPeer struct {
	IP   string `bencode:"ip"`
	Port int64  `bencode:"port"`
}

// httpAnnounceResponse is the bencoded announce response of an HTTP
// tracker.
type httpAnnounceResponse struct {
	FailureReason  string        `bencode:"failure reason"`
	WarningMessage string        `bencode:"warning message"`
	Interval       int64         `bencode:"interval"`
	MinInterval    int64         `bencode:"min interval"`
	TrackerID      string        `bencode:"tracker id"`
	Complete       int64         `bencode:"complete"`
	Incomplete     int64         `bencode:"incomplete"`
	Downloaded     int64         `bencode:"downloaded"`
	Peers          bencode.Bytes `bencode:"peers"`
	Peers6         string        `bencode:"peers6"`
	ExternalIP     string        `bencode:"external ip"`
}

// parseAnnounceResponse decodes an HTTP announce response body.
func parseAnnounceResponse(body []byte) (*httpAnnounceResponse, error) {
	raw := &httpAnnounceResponse{
		Complete:   -1,
		Incomplete: -1,
		Downloaded: -1,
	}
	if err := bencode.Unmarshal(body, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrackerResponse, err)
	}

	return raw, nil
}

// intervals returns the announce intervals requested by the tracker.
func (r *httpAnnounceResponse) intervals() (time.Duration, time.Duration) {
	return time.Duration(max(r.Interval, 0)) * time.Second,
		time.Duration(max(r.MinInterval, 0)) * time.Second
}

// announceResponse converts the decoded body.
func (r *httpAnnounceResponse) announceResponse() (*AnnounceResponse,
	error) {

	peers, err := decodeHTTPPeers(r.Peers)
	if err != nil {
		return nil, err
	}
	peers = append(peers, decodeCompactPeers([]byte(r.Peers6), true)...)

	interval, minInterval := r.intervals()
	resp := &AnnounceResponse{
		Interval:    interval,
		MinInterval: minInterval,
		Complete:    int(r.Complete),
		Incomplete:  int(r.Incomplete),
		Downloaded:  int(r.Downloaded),
		Peers:       peers,
		TrackerID:   r.TrackerID,
	}

	if addr, ok := netip.AddrFromSlice([]byte(r.ExternalIP)); ok {
		resp.ExternalIP = addr.Unmap()
	}

	return resp, nil
}

// decodeHTTPPeers decodes the peers entry, which is either a compact string
// or a list of dictionaries.
func decodeHTTPPeers(raw bencode.Bytes) ([]netip.AddrPort, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	if raw[0] != 'l' {
		var compact string
		if err := bencode.Unmarshal(raw, &compact); err != nil {
			return nil, fmt.Errorf("%w: peers: %v",
				ErrInvalidTrackerResponse, err)
		}

		return decodeCompactPeers([]byte(compact), false), nil
	}

	var list []httpPeer
	if err := bencode.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: peers: %v", ErrInvalidTrackerResponse,
			err)
	}

	peers := make([]netip.AddrPort, 0, len(list))
	for _, p := range list {
		addr, err := netip.ParseAddr(p.IP)
		if err != nil || p.Port <= 0 || p.Port > 0xffff {
			log.Tracef("Skipping peer %v:%d", p.IP, p.Port)
			continue
		}

		peers = append(peers, netip.AddrPortFrom(addr.Unmap(),
			uint16(p.Port)))
	}

	return peers, nil
}

// httpScrapeFile holds the statistics of one torrent in a scrape response.
type httpScrapeFile struct {
	Complete   int64 `bencode:"complete"`
	Incomplete int64 `bencode:"incomplete"`
	Downloaded int64 `bencode:"downloaded"`
}

// httpScrapeResponse is the bencoded scrape response of an HTTP tracker.
type httpScrapeResponse struct {
	FailureReason string                    `bencode:"failure reason"`
	Files         map[string]httpScrapeFile `bencode:"files"`
}

// parseScrapeResponse decodes an HTTP scrape response body.
func parseScrapeResponse(body []byte) (*httpScrapeResponse, error) {
	var raw httpScrapeResponse
	if err := bencode.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrackerResponse, err)
	}

	return &raw, nil
}

// scrapeResponse returns the statistics of the info hash.
func (r *httpScrapeResponse) scrapeResponse(
	infoHash InfoHash) (*ScrapeResponse, error) {

	file, ok := r.Files[string(infoHash[:])]
	if !ok {
		return nil, fmt.Errorf("%w: info hash %v missing from scrape",
			ErrInvalidTrackerResponse, infoHash)
	}

	return &ScrapeResponse{
		Complete:   int(file.Complete),
		Incomplete: int(file.Incomplete),
		Downloaded: int(file.Downloaded),
	}, nil
}
