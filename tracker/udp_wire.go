package tracker

import (
	"encoding/binary"
	"net/netip"
)

// The UDP tracker protocol as described by BEP 15.
const (
	// udpProtocolID is the magic connection id of connect requests.
	udpProtocolID uint64 = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3

	// maxAction is the highest action a tracker may send.
	maxAction = actionError

	// udpHeaderLen is the length of the action and transaction id that
	// start every response.
	udpHeaderLen = 8

	// udpHostnameHeaderLen is the minimum length of a response received
	// through a hostname addressed transport.
	udpHostnameHeaderLen = 16

	connectRequestLen      = 16
	connectResponseLen     = 16
	announceRequestLen     = 98
	announceResponseMinLen = 20
	scrapeRequestLen       = 36
	scrapeResponseMinLen   = 20

	// udpIPOverhead approximates the IP and UDP headers of a datagram for
	// traffic accounting.
	udpIPOverhead = 28

	peer4Len = 6
	peer6Len = 18
)

// udpResponseHeader returns the action and transaction id of a response. The
// buffer must hold at least udpHeaderLen bytes.
func udpResponseHeader(buf []byte) (uint32, uint32) {
	return binary.BigEndian.Uint32(buf[0:4]),
		binary.BigEndian.Uint32(buf[4:8])
}

// encodeConnect returns a connect request.
func encodeConnect(tid uint32) []byte {
	buf := make([]byte, connectRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], tid)

	return buf
}

// encodeAnnounce returns an announce request for req.
func encodeAnnounce(connID uint64, tid uint32, req *Request) []byte {
	buf := make([]byte, announceRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], tid)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], req.Event.udpCode())

	// The IP address field is left at zero so the tracker uses the
	// source address of the datagram.
	binary.BigEndian.PutUint32(buf[88:92], req.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(req.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	return buf
}

// encodeScrape returns a scrape request for a single info hash.
func encodeScrape(connID uint64, tid uint32, infoHash InfoHash) []byte {
	buf := make([]byte, scrapeRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionScrape)
	binary.BigEndian.PutUint32(buf[12:16], tid)
	copy(buf[16:36], infoHash[:])

	return buf
}

// decodeCompactPeers parses a list of compact peers. Each peer is an IPv4 or
// IPv6 address followed by a big endian port. Trailing bytes are ignored.
func decodeCompactPeers(b []byte, ipv6 bool) []netip.AddrPort {
	size := peer4Len
	if ipv6 {
		size = peer6Len
	}

	peers := make([]netip.AddrPort, 0, len(b)/size)
	for ; len(b) >= size; b = b[size:] {
		addr, ok := netip.AddrFromSlice(b[:size-2])
		if !ok {
			continue
		}
		port := binary.BigEndian.Uint16(b[size-2 : size])

		peers = append(peers, netip.AddrPortFrom(addr, port))
	}

	return peers
}
