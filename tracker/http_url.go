package tracker

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// buildRequestURL returns the URL of the HTTP announce or scrape described
// by req. Parameters already present in the tracker URL are kept.
func buildRequestURL(req *Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTrackerURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %v",
			ErrInvalidTrackerURL, req.URL)
	}

	var params []string
	if req.Kind == KindScrape {
		if err := toScrapePath(u); err != nil {
			return "", err
		}

		params = append(params, "info_hash="+escapeBytes(req.InfoHash[:]))
	} else {
		params = announceParams(req)
	}

	query := strings.Join(params, "&")
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + query
	}
	u.RawQuery = query

	return u.String(), nil
}

// announceParams returns the query parameters of an announce.
func announceParams(req *Request) []string {
	params := []string{
		"info_hash=" + escapeBytes(req.InfoHash[:]),
		"peer_id=" + escapeBytes(req.PeerID[:]),
		"port=" + strconv.Itoa(int(req.Port)),
		"uploaded=" + strconv.FormatInt(req.Uploaded, 10),
		"downloaded=" + strconv.FormatInt(req.Downloaded, 10),
		"left=" + strconv.FormatInt(req.Left, 10),
		"corrupt=" + strconv.FormatInt(req.Corrupt, 10),
		fmt.Sprintf("key=%08X", req.Key),
	}

	if event := req.Event.String(); event != "" {
		params = append(params, "event="+event)
	}

	params = append(params,
		"numwant="+strconv.Itoa(int(req.NumWant)),
		"compact=1",
		"no_peer_id=1",
	)

	if req.TrackerID != "" {
		params = append(params,
			"trackerid="+escapeBytes([]byte(req.TrackerID)))
	}

	return params
}

// toScrapePath rewrites the last path element of an announce URL from
// "announce" to "scrape".
func toScrapePath(u *url.URL) error {
	i := strings.LastIndexByte(u.Path, '/')
	last := u.Path[i+1:]
	if !strings.HasPrefix(last, "announce") {
		return fmt.Errorf("%w: %v", ErrScrapeNotSupported, u.Redacted())
	}

	u.Path = u.Path[:i+1] + "scrape" + strings.TrimPrefix(last, "announce")
	u.RawPath = ""

	return nil
}

// escapeBytes percent encodes every byte outside the unreserved set of RFC
// 3986.
func escapeBytes(b []byte) string {
	const hexDigits = "0123456789ABCDEF"

	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z',
			'0' <= c && c <= '9', c == '-', c == '.', c == '_',
			c == '~':

			sb.WriteByte(c)

		default:
			sb.WriteByte('%')
			sb.WriteByte(hexDigits[c>>4])
			sb.WriteByte(hexDigits[c&0x0f])
		}
	}

	return sb.String()
}
