package swcache

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNetwork marks a fetch that produced no HTTP response at all. Error
// statuses from the origin are responses, not network errors.
var ErrNetwork = errors.New("network error")

// Network performs the real fetch behind the worker.
type Network interface {
	Fetch(ctx context.Context, req *Request) (CacheEntry, error)
}

// NetworkFunc adapts a function to Network.
type NetworkFunc func(ctx context.Context, req *Request) (CacheEntry, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (CacheEntry, error) {
	return f(ctx, req)
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Connection":    {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

type originNetwork struct {
	origin     string
	httpClient *http.Client
}

// NewOriginNetwork fetches from origin. Redirects are handed back to the
// caller untouched, the way a browser would see them.
func NewOriginNetwork(origin string, timeout time.Duration) Network {
	return &originNetwork{
		origin: strings.TrimRight(origin, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (n *originNetwork) Fetch(ctx context.Context, r *Request) (CacheEntry, error) {
	originURL := n.origin + r.URI
	req, err := http.NewRequestWithContext(ctx, r.Method, originURL, r.bodyReader())
	if err != nil {
		return CacheEntry{}, errors.Wrapf(err, "build request %s %s", r.Method, r.URI)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, errors.Wrapf(ErrNetwork, "%s %s: %v", r.Method, r.URI, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, errors.Wrapf(ErrNetwork, "read %s: %v", r.URI, err)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	for h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
