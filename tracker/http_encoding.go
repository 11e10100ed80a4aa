package tracker

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// acceptEncoding lists the content codings understood in tracker responses.
const acceptEncoding = "gzip, br"

// decodeBody wraps r with a reader undoing the given content coding. The
// returned close function releases the decoder.
func decodeBody(encoding string, r io.Reader) (io.Reader, func() error,
	error) {

	nop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nop, nil

	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad gzip stream: %v",
				ErrInvalidTrackerResponse, err)
		}

		return zr, zr.Close, nil

	case "br":
		return brotli.NewReader(r), nop, nil

	default:
		return nil, nil, fmt.Errorf("%w: unsupported content "+
			"encoding %q", ErrInvalidTrackerResponse, encoding)
	}
}
