package swcache

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNavigation_NetworkSuccessIsStoredInRuntime(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.set("/dashboard/", http.StatusOK, "dashboard")

	res := dispatchFetch(t, w, navigate("/dashboard/"))
	require.True(t, res.Handled)
	require.NoError(t, res.Err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "dashboard", string(res.Entry.Body))

	_, runtime := w.CacheNames()
	cache, err := tw.storage.Open(runtime)
	require.NoError(t, err)
	ent, ok := cache.Match("GET /dashboard/")
	require.True(t, ok)
	assert.Equal(t, "dashboard", string(ent.Body))
}

func TestNavigation_OfflineServesCachedCopy(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.set("/dashboard/", http.StatusOK, "dashboard")
	dispatchFetch(t, w, navigate("/dashboard/"))

	tw.net.setDown(true)
	res := dispatchFetch(t, w, navigate("/dashboard/"))
	require.NoError(t, res.Err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "dashboard", string(res.Entry.Body))
}

func TestNavigation_OfflineWithoutCopyServesOfflinePage(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.setDown(true)

	res := dispatchFetch(t, w, navigate("/reports/weekly/"))
	require.True(t, res.Handled)
	require.NoError(t, res.Err)
	assert.Equal(t, SourceOffline, res.Source)
	assert.Equal(t, "shell /pwa/offline/", string(res.Entry.Body))
	assert.Equal(t, http.StatusOK, res.Entry.Status)
}

func TestNavigation_ErrorStatusIsAResponse(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.set("/broken/", http.StatusInternalServerError, "server error")

	res := dispatchFetch(t, w, navigate("/broken/"))
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, http.StatusInternalServerError, res.Entry.Status)
}

func TestStatic_CacheHitSkipsNetwork(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	key := "GET /static/manifest.json"
	before := tw.net.callCount(key)

	for i := 0; i < 3; i++ {
		res := dispatchFetch(t, w, NewRequest(http.MethodGet, "/static/manifest.json", nil))
		assert.Equal(t, SourceCache, res.Source)
		assert.Equal(t, "shell /static/manifest.json", string(res.Entry.Body))
	}
	assert.Equal(t, before, tw.net.callCount(key))
}

func TestStatic_MissFetchesOnceAndStoresInShell(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.set("/static/css/app.css", http.StatusOK, "body{}")
	req := NewRequest(http.MethodGet, "/static/css/app.css", nil)

	res := dispatchFetch(t, w, req)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, 1, tw.net.callCount(req.Key()))

	shell, _ := w.CacheNames()
	cache, err := tw.storage.Open(shell)
	require.NoError(t, err)
	_, ok := cache.Match(req.Key())
	assert.True(t, ok)

	res = dispatchFetch(t, w, req)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, 1, tw.net.callCount(req.Key()))
}

func TestStatic_NetworkFailureWithoutCacheFails(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.setDown(true)

	res := dispatchFetch(t, w, NewRequest(http.MethodGet, "/static/js/app.js", nil))
	require.True(t, res.Handled)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrNetwork))
	assert.Equal(t, SourceBadGateway, res.Source)
}

func TestFetch_NonGetIsNeverIntercepted(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	entries := tw.storage.EntryCount()

	for _, uri := range []string{"/", "/static/manifest.json", "/api/alerts/"} {
		req := NewRequest(http.MethodPost, uri, http.Header{"Sec-Fetch-Mode": {"navigate"}})
		res := dispatchFetch(t, w, req)
		assert.False(t, res.Handled, uri)
		assert.Zero(t, tw.net.callCount(req.Key()), uri)
	}
	assert.Equal(t, entries, tw.storage.EntryCount())
}

func TestFetch_OtherRequestsAreLeftAlone(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")

	req := NewRequest(http.MethodGet, "/api/alerts/", http.Header{"Accept": {"application/json"}})
	res := dispatchFetch(t, w, req)
	assert.False(t, res.Handled)
	assert.Zero(t, tw.net.callCount(req.Key()))
}

func TestFetch_PartialContentIsNotStored(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.set("/static/video.mp4", http.StatusPartialContent, "part")
	req := NewRequest(http.MethodGet, "/static/video.mp4", nil)

	res := dispatchFetch(t, w, req)
	assert.Equal(t, SourceNetwork, res.Source)
	_, ok := tw.storage.Match(req.Key())
	assert.False(t, ok)
}

func TestRequestMode(t *testing.T) {
	tests := []struct {
		name   string
		method string
		header http.Header
		want   string
	}{
		{"sec-fetch navigate", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"navigate"}}, ModeNavigate},
		{"sec-fetch wins over accept", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"cors"}, "Accept": {"text/html"}}, "cors"},
		{"html accept fallback", http.MethodGet, http.Header{"Accept": {"text/html,application/xhtml+xml"}}, ModeNavigate},
		{"html post is not a page load", http.MethodPost, http.Header{"Accept": {"text/html"}}, ModeNoCORS},
		{"asset", http.MethodGet, http.Header{"Accept": {"image/png"}}, ModeNoCORS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requestMode(tt.method, tt.header))
		})
	}
}

func signedIn(uri, session string) *Request {
	return NewRequest(http.MethodGet, uri, http.Header{
		"Sec-Fetch-Mode": {"navigate"},
		"Cookie":         {"csrftoken=abc; sessionid=" + session},
	})
}

func TestNavigation_SessionPagesAreNeverStored(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.set("/dashboard/", http.StatusOK, "dashboard of alice")

	res := dispatchFetch(t, w, signedIn("/dashboard/", "alice-secret"))
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "dashboard of alice", string(res.Entry.Body))

	_, ok := tw.storage.Match("GET /dashboard/")
	assert.False(t, ok)

	tw.net.setDown(true)
	res = dispatchFetch(t, w, navigate("/dashboard/"))
	assert.Equal(t, SourceOffline, res.Source)
	assert.Equal(t, "shell /pwa/offline/", string(res.Entry.Body))
}

func TestNavigation_SessionNeverGetsSharedCopy(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.set("/news/", http.StatusOK, "public news")
	dispatchFetch(t, w, navigate("/news/"))

	tw.net.setDown(true)
	res := dispatchFetch(t, w, signedIn("/news/", "bob-secret"))
	assert.Equal(t, SourceOffline, res.Source)

	res = dispatchFetch(t, w, navigate("/news/"))
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "public news", string(res.Entry.Body))
}

func TestNavigation_StoredCopyDropsSetCookie(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.activeWorker(t, "v1")
	tw.net.setEntry("/news/", CacheEntry{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type": {"text/html"},
			"Set-Cookie":   {"csrftoken=abc; Path=/"},
		},
		Body: []byte("public news"),
	})

	res := dispatchFetch(t, w, navigate("/news/"))
	assert.Equal(t, "csrftoken=abc; Path=/", res.Entry.Header.Get("Set-Cookie"))

	ent, ok := tw.storage.Match("GET /news/")
	require.True(t, ok)
	assert.Empty(t, ent.Header.Values("Set-Cookie"))
	assert.Equal(t, "text/html", ent.Header.Get("Content-Type"))
}

func TestNavigation_BypassCookiesCanBeDisabled(t *testing.T) {
	tw := newTestWorld(t)
	tw.cfg.Routes.BypassWhenCookies = []string{}
	w := tw.activeWorker(t, "v1")
	tw.net.set("/kiosk/", http.StatusOK, "kiosk")

	dispatchFetch(t, w, signedIn("/kiosk/", "shared-terminal"))
	_, ok := tw.storage.Match("GET /kiosk/")
	assert.True(t, ok)
}

func TestStorable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		want   bool
	}{
		{"plain", http.StatusOK, http.Header{}, true},
		{"error status", http.StatusNotFound, http.Header{}, true},
		{"partial", http.StatusPartialContent, http.Header{}, false},
		{"vary star", http.StatusOK, http.Header{"Vary": {"Accept, *"}}, false},
		{"vary cookie", http.StatusOK, http.Header{"Vary": {"Cookie"}}, true},
		{"public max-age", http.StatusOK, http.Header{"Cache-Control": {"public, max-age=600"}}, true},
		{"private", http.StatusOK, http.Header{"Cache-Control": {"private"}}, false},
		{"no-store", http.StatusOK, http.Header{"Cache-Control": {"max-age=0, No-Store"}}, false},
		{"django never_cache", http.StatusOK, http.Header{"Cache-Control": {"max-age=0, no-cache, no-store, must-revalidate, private"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storable(CacheEntry{Status: tt.status, Header: tt.header}))
		})
	}
}

func TestHasAnyCookie(t *testing.T) {
	names := []string{"sessionid"}
	assert.True(t, hasAnyCookie(http.Header{"Cookie": {"a=1; sessionid=x"}}, names))
	assert.False(t, hasAnyCookie(http.Header{"Cookie": {"sessionid_old=x"}}, names))
	assert.False(t, hasAnyCookie(http.Header{}, names))
	assert.False(t, hasAnyCookie(http.Header{"Cookie": {"sessionid=x"}}, nil))
}
