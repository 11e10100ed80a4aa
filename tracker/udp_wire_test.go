package tracker

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEncodeAnnounceLayout asserts the offsets of the announce request.
func TestEncodeAnnounceLayout(t *testing.T) {
	t.Parallel()

	req := udpAnnounce(EventPaused)
	req.Uploaded = 11
	req.Downloaded = 22

	buf := encodeAnnounce(0x0102030405060708, 0xaabbccdd, &req)
	require.Len(t, buf, announceRequestLen)

	require.EqualValues(t, 0x0102030405060708,
		binary.BigEndian.Uint64(buf[0:8]))
	require.Equal(t, actionAnnounce, binary.BigEndian.Uint32(buf[8:12]))
	require.EqualValues(t, 0xaabbccdd, binary.BigEndian.Uint32(buf[12:16]))
	require.EqualValues(t, 22, binary.BigEndian.Uint64(buf[56:64]))
	require.EqualValues(t, 11, binary.BigEndian.Uint64(buf[72:80]))

	// Paused is sent as a regular announce.
	require.Zero(t, binary.BigEndian.Uint32(buf[80:84]))
	require.Zero(t, binary.BigEndian.Uint32(buf[84:88]))
}

// TestDecodeCompactPeers asserts that both address families are decoded and
// trailing bytes ignored.
func TestDecodeCompactPeers(t *testing.T) {
	t.Parallel()

	v4 := []byte{10, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 2, 0x00, 0x50, 0xff}
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:6881"),
		netip.MustParseAddrPort("10.0.0.2:80"),
	}, decodeCompactPeers(v4, false))

	v6 := append(netip.MustParseAddr("2001:db8::5").AsSlice(), 0, 1)
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("[2001:db8::5]:1"),
	}, decodeCompactPeers(v6, true))

	require.Empty(t, decodeCompactPeers(nil, false))
}

// TestConnIDCache asserts expiry and removal of cached connection ids.
func TestConnIDCache(t *testing.T) {
	t.Parallel()

	c := newConnIDCache(2, time.Minute)

	_, ok := c.get("a", testTime)
	require.False(t, ok)

	c.put("a", 1, testTime)
	id, ok := c.get("a", testTime.Add(59*time.Second))
	require.True(t, ok)
	require.EqualValues(t, 1, id)

	_, ok = c.get("a", testTime.Add(time.Minute))
	require.False(t, ok)

	c.put("b", 2, testTime)
	c.remove("b")
	_, ok = c.get("b", testTime)
	require.False(t, ok)

	// The least recently used id is evicted at capacity.
	c.put("x", 1, testTime)
	c.put("y", 2, testTime)
	c.put("z", 3, testTime)
	_, ok = c.get("x", testTime)
	require.False(t, ok)

	// A zero expiry disables the cache.
	disabled := newConnIDCache(2, 0)
	disabled.put("a", 1, testTime)
	_, ok = disabled.get("a", testTime)
	require.False(t, ok)
}
