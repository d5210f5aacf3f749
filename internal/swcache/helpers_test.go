package swcache

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeNetwork serves canned responses by request URI and counts fetches by
// cache key. Unknown URIs answer 404.
type fakeNetwork struct {
	mu    sync.Mutex
	pages map[string]CacheEntry
	down  bool
	calls map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{pages: map[string]CacheEntry{}, calls: map[string]int{}}
}

func (n *fakeNetwork) set(uri string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[uri] = CacheEntry{
		Status:   status,
		Header:   http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}

func (n *fakeNetwork) setEntry(uri string, ent CacheEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[uri] = ent.Clone()
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[key]
}

func (n *fakeNetwork) Fetch(_ context.Context, req *Request) (CacheEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Key()]++
	if n.down {
		return CacheEntry{}, errors.Wrapf(ErrNetwork, "%s %s: connection refused", req.Method, req.URI)
	}
	ent, ok := n.pages[req.URI]
	if !ok {
		return CacheEntry{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return ent.Clone(), nil
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin.test\n"))
	require.NoError(t, err)
	cfg.Storage.Path = t.TempDir()
	return cfg
}

func openTestStorage(t *testing.T, path string, opts StorageOptions) *CacheStorage {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	cs, err := OpenCacheStorage(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

type testWorld struct {
	cfg     Config
	storage *CacheStorage
	net     *fakeNetwork
	clients *WindowRegistry
	notes   *NotificationCenter
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	cfg := testConfig(t)
	tw := &testWorld{
		cfg: cfg,
		storage: openTestStorage(t, cfg.Storage.Path, StorageOptions{
			RAMMax:        1 << 20,
			CompressAbove: int64(cfg.Storage.CompressAbove),
			Evictable:     isRuntimeCacheName(cfg.App.Name),
		}),
		net:     newFakeNetwork(),
		clients: NewWindowRegistry(time.Hour),
		notes:   NewNotificationCenter(quietLogger()),
	}
	for _, u := range cfg.Precache {
		tw.net.set(u, http.StatusOK, "shell "+u)
	}
	return tw
}

func (tw *testWorld) deps() WorkerDeps {
	return WorkerDeps{
		Storage:  tw.storage,
		Network:  tw.net,
		Clients:  tw.clients,
		Notifier: tw.notes,
		Logger:   quietLogger(),
	}
}

func (tw *testWorld) worker(version string) *Worker {
	return NewWorker(tw.cfg, version, tw.deps())
}

// activeWorker installs and activates version, failing the test on error.
func (tw *testWorld) activeWorker(t *testing.T, version string) *Worker {
	t.Helper()
	w := tw.worker(version)
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))
	return w
}

func navigate(uri string) *Request {
	return NewRequest(http.MethodGet, uri, http.Header{"Sec-Fetch-Mode": {"navigate"}})
}

// dispatchFetch runs a fetch event to completion, deferred work included.
func dispatchFetch(t *testing.T, w *Worker, req *Request) FetchResult {
	t.Helper()
	ev := NewFetchEvent(context.Background(), req)
	w.Dispatch(context.Background(), ev)
	require.NoError(t, ev.Wait())
	return ev.Result()
}
