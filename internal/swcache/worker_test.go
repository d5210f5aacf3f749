package swcache

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstall_PrecachesEveryManifestURL(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.worker("v1")

	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, StateInstalled, w.State())

	shell, _ := w.CacheNames()
	assert.Equal(t, "cloudburst-app-v1", shell)
	require.True(t, tw.storage.Has(shell))

	cache, err := tw.storage.Open(shell)
	require.NoError(t, err)
	for _, u := range tw.cfg.Precache {
		ent, ok := cache.Match(NewRequest(http.MethodGet, u, nil).Key())
		require.True(t, ok, "missing %s", u)
		assert.Equal(t, "shell "+u, string(ent.Body))
	}
	assert.Len(t, cache.Keys(), len(tw.cfg.Precache))
}

func TestInstall_FailedFetchCreatesNothing(t *testing.T) {
	tw := newTestWorld(t)
	tw.net.set("/static/icons/icon-512x512.png", http.StatusInternalServerError, "boom")
	w := tw.worker("v1")

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstallFailed))
	assert.Equal(t, StateRedundant, w.State())

	shell, _ := w.CacheNames()
	assert.False(t, tw.storage.Has(shell))
	assert.Zero(t, tw.storage.EntryCount())
}

func TestInstall_NetworkDown(t *testing.T) {
	tw := newTestWorld(t)
	tw.net.setDown(true)
	w := tw.worker("v1")

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstallFailed))
	assert.Empty(t, tw.storage.Keys())
}

func TestInstall_DiscoversWebManifestURLs(t *testing.T) {
	tw := newTestWorld(t)
	tw.cfg.WebManifest.Discover = true
	tw.net.set("/static/manifest.json", http.StatusOK, `{
		"start_url": "/?source=pwa",
		"icons": [
			{"src": "/static/icons/icon-192x192.png"},
			{"src": "static/icons/maskable.png"},
			{"src": "https://cdn.example.com/icon.png"}
		]
	}`)
	tw.net.set("/?source=pwa", http.StatusOK, "home")
	tw.net.set("/static/icons/maskable.png", http.StatusOK, "png")
	w := tw.worker("v1")

	require.NoError(t, w.Install(context.Background()))

	shell, _ := w.CacheNames()
	cache, err := tw.storage.Open(shell)
	require.NoError(t, err)
	keys := cache.Keys()
	assert.Contains(t, keys, "GET /?source=pwa")
	assert.Contains(t, keys, "GET /static/icons/maskable.png")
	assert.Len(t, keys, len(tw.cfg.Precache)+2)
}

func TestActivate_DeletesForeignGenerations(t *testing.T) {
	tw := newTestWorld(t)
	for _, name := range []string{"cloudburst-app-v0", "cloudburst-runtime-v0", "unrelated"} {
		c, err := tw.storage.Open(name)
		require.NoError(t, err)
		require.NoError(t, c.Put("GET /old", CacheEntry{Status: http.StatusOK, Body: []byte("old")}))
	}

	w := tw.activeWorker(t, "v1")
	assert.Equal(t, StateActivated, w.State())

	shell, runtime := w.CacheNames()
	assert.Equal(t, []string{shell, runtime}, tw.storage.Keys())
	_, ok := tw.storage.Match("GET /old")
	assert.False(t, ok)
}

func TestActivate_ClaimsOpenWindows(t *testing.T) {
	tw := newTestWorld(t)
	tw.clients.Touch("window-a", "/", "")

	controlled, err := tw.clients.MatchAll(context.Background(), MatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, controlled)

	tw.activeWorker(t, "v1")

	controlled, err = tw.clients.MatchAll(context.Background(), MatchOptions{})
	require.NoError(t, err)
	require.Len(t, controlled, 1)
	assert.Equal(t, "v1", controlled[0].Controller)
}

func TestActivate_RequiresInstall(t *testing.T) {
	tw := newTestWorld(t)
	w := tw.worker("v1")
	require.Error(t, w.Activate(context.Background()))
	assert.Equal(t, StateParsed, w.State())
}

func TestRegistration_ReplacesActiveVersion(t *testing.T) {
	tw := newTestWorld(t)

	reg := NewRegistration(tw.cfg, tw.deps())
	require.NoError(t, reg.Register(context.Background()))
	require.NotNil(t, reg.Active())
	assert.Equal(t, "v1", reg.Active().Version())

	v, ok := tw.storage.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestRegistration_FailedInstallKeepsPreviousVersion(t *testing.T) {
	tw := newTestWorld(t)
	require.NoError(t, NewRegistration(tw.cfg, tw.deps()).Register(context.Background()))

	// restart with a new version while the origin is unreachable
	cfg := tw.cfg
	cfg.App.Version = "v2"
	tw.net.setDown(true)
	reg := NewRegistration(cfg, tw.deps())

	err := reg.Register(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstallFailed))

	active := reg.Active()
	require.NotNil(t, active)
	assert.Equal(t, "v1", active.Version())
	assert.Equal(t, StateActivated, active.State())
	assert.False(t, tw.storage.Has("cloudburst-app-v2"))

	// the previous version still answers offline page loads
	res := dispatchFetch(t, active, navigate("/"))
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "shell /", string(res.Entry.Body))
}

func TestRegistration_FailedInstallWithoutHistoryIsUncontrolled(t *testing.T) {
	tw := newTestWorld(t)
	tw.net.setDown(true)
	reg := NewRegistration(tw.cfg, tw.deps())

	require.Error(t, reg.Register(context.Background()))
	assert.Nil(t, reg.Active())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "unknown", State(42).String())
}
