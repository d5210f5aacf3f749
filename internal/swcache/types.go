package swcache

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// CacheEntry is a stored response snapshot. Entries are never mutated after
// they are written; a later Put for the same key replaces them.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Clone returns a deep copy so the caller and the cache never share buffers.
func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// OK reports whether the status is in the 2xx range.
func (e CacheEntry) OK() bool { return e.Status >= 200 && e.Status < 300 }

const (
	ModeNavigate = "navigate"
	ModeNoCORS   = "no-cors"
)

// Request is the descriptor of an intercepted outbound request.
type Request struct {
	Method string
	URI    string // path and query, as sent to the origin
	Header http.Header
	Body   []byte
	Mode   string
}

// NewRequest builds a body-less request. Mode is derived from the headers the
// same way intercepted requests are classified.
func NewRequest(method, uri string, header http.Header) *Request {
	if header == nil {
		header = make(http.Header)
	}
	req := &Request{Method: method, URI: uri, Header: header}
	req.Mode = requestMode(method, header)
	return req
}

func requestFromHTTP(r *http.Request) (*Request, error) {
	req := NewRequest(r.Method, r.URL.RequestURI(), cloneHeader(r.Header))
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.Wrap(err, "read request body")
		}
		req.Body = b
	}
	return req, nil
}

// Key is the cache key for the request: method plus request URI.
func (r *Request) Key() string { return r.Method + " " + r.URI }

func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i >= 0 {
		return r.URI[:i]
	}
	return r.URI
}

func (r *Request) IsNavigation() bool { return r.Mode == ModeNavigate }

func (r *Request) bodyReader() io.Reader {
	if len(r.Body) == 0 {
		return nil
	}
	return bytes.NewReader(r.Body)
}

// requestMode follows Sec-Fetch-Mode when the client sends it. Older clients
// don't, so an HTML-accepting GET is treated as a page load.
func requestMode(method string, h http.Header) string {
	if m := strings.TrimSpace(strings.ToLower(h.Get("Sec-Fetch-Mode"))); m != "" {
		return m
	}
	if method == http.MethodGet && strings.Contains(strings.ToLower(h.Get("Accept")), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
