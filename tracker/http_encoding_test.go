package tracker

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func brotlied(t *testing.T, b []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write(b)
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	return buf.Bytes()
}

// TestDecodeBody checks every supported content coding.
func TestDecodeBody(t *testing.T) {
	t.Parallel()

	payload := []byte("d8:intervali900ee")

	tests := []struct {
		encoding string
		body     []byte
	}{
		{"", payload},
		{"identity", payload},
		{"gzip", gzipped(t, payload)},
		{"X-Gzip", gzipped(t, payload)},
		{"br", brotlied(t, payload)},
	}

	for _, test := range tests {
		r, closeFn, err := decodeBody(
			test.encoding, bytes.NewReader(test.body),
		)
		require.NoError(t, err, test.encoding)

		got, err := io.ReadAll(r)
		require.NoError(t, err, test.encoding)
		require.Equal(t, payload, got, test.encoding)
		require.NoError(t, closeFn())
	}

	_, _, err := decodeBody("compress", bytes.NewReader(payload))
	require.ErrorIs(t, err, ErrInvalidTrackerResponse)

	_, _, err = decodeBody("gzip", bytes.NewReader(payload))
	require.ErrorIs(t, err, ErrInvalidTrackerResponse)
}

// TestHTTPAnnounceCompressed asserts that compressed announce responses are
// decoded.
func TestHTTPAnnounceCompressed(t *testing.T) {
	t.Parallel()

	body, err := bencode.Marshal(map[string]interface{}{
		"interval": 600,
		"peers":    "\xc6\x33\x64\x01\x1a\xe1",
	})
	require.NoError(t, err)

	for _, encoding := range []string{"gzip", "br"} {
		encoded := gzipped(t, body)
		if encoding == "br" {
			encoded = brotlied(t, body)
		}

		accepted := make(chan string, 1)
		u := newTrackerServer(t, func(w http.ResponseWriter,
			r *http.Request) {

			accepted <- r.Header.Get("Accept-Encoding")

			w.Header().Set("Content-Encoding", encoding)
			_, _ = w.Write(encoded)
		})

		h := newTestHarness(t)
		r := newRecordingRequester()
		h.queue(httpAnnounce(u, EventNone), r)

		o := r.next(t)
		require.Equal(t, "announce", o.kind, encoding)
		require.Len(t, o.announce.Peers, 1, encoding)
		require.Contains(t, <-accepted, encoding)
	}
}
