package swcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://django:8000/\n"))
	require.NoError(t, err)

	assert.Equal(t, "cloudburst", cfg.App.Name)
	assert.Equal(t, "v1", cfg.App.Version)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://django:8000", cfg.Server.Origin)
	assert.Equal(t, "/static/", cfg.Routes.StaticPrefix)
	assert.Equal(t, "/pwa/offline/", cfg.Routes.Offline)
	assert.Equal(t, []string{"sessionid"}, cfg.Routes.BypassWhenCookies)
	assert.Equal(t, []string{
		"/",
		"/pwa/offline/",
		"/static/manifest.json",
		"/static/icons/icon-192x192.png",
		"/static/icons/icon-512x512.png",
	}, cfg.Precache)
	assert.Equal(t, "Cloudburst Alert", cfg.Notifications.Title)
	assert.Equal(t, "/static/icons/icon-192x192.png", cfg.Notifications.Badge)
	assert.Equal(t, ByteSize(64*1024*1024), cfg.Storage.RAM.Max)
	assert.Equal(t, ByteSize(0), cfg.Storage.Disk.Max)
	assert.Equal(t, 30*time.Second, cfg.timeoutDur)
	assert.Equal(t, 30*time.Minute, cfg.idleDur)
	assert.Zero(t, cfg.OriginWait())
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParseConfig_OfflinePageAlwaysPrecached(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://django:8000
routes:
  offline: /offline.html
precache:
  - /
  - " /static/app.css "
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/static/app.css", "/offline.html"}, cfg.Precache)
}

func TestParseConfig_Overrides(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
app:
  name: outbreak
  version: v7
server:
  origin: http://django:8000
  originWait: 45s
  timeout: 5s
storage:
  ram:
    max: 8mb
  disk:
    max: 1.5g
  compressAbove: 512
logging:
  format: json
  logStatsEvery: 1m
`))
	require.NoError(t, err)

	shell, runtime := CacheNames(cfg.App.Name, cfg.App.Version)
	assert.Equal(t, "outbreak-app-v7", shell)
	assert.Equal(t, "outbreak-runtime-v7", runtime)
	assert.Equal(t, 45*time.Second, cfg.OriginWait())
	assert.Equal(t, 5*time.Second, cfg.timeoutDur)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.Storage.RAM.Max)
	assert.Equal(t, ByteSize(1.5*1024*1024*1024), cfg.Storage.Disk.Max)
	assert.Equal(t, ByteSize(512), cfg.Storage.CompressAbove)
	assert.Equal(t, time.Minute, cfg.logStatsEveryDur)
}

func TestParseConfig_Errors(t *testing.T) {
	cases := map[string]string{
		"missing origin":    "app:\n  name: x\n",
		"relative precache": "server:\n  origin: http://o\nprecache:\n  - static/app.css\n",
		"bad format":        "server:\n  origin: http://o\nlogging:\n  format: xml\n",
		"bad duration":      "server:\n  origin: http://o\n  timeout: soon\n",
		"negative duration": "server:\n  origin: http://o\n  originWait: -1s\n",
		"bad size":          "server:\n  origin: http://o\nstorage:\n  ram:\n    max: lots\n",
		"space in version":  "server:\n  origin: http://o\napp:\n  version: v 2\n",
		"relative offline":  "server:\n  origin: http://o\nroutes:\n  offline: offline/\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://django:8000\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://django:8000", cfg.Server.Origin)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestIsRuntimeCacheName(t *testing.T) {
	evictable := isRuntimeCacheName("cloudburst")
	assert.True(t, evictable("cloudburst-runtime-v1"))
	assert.False(t, evictable("cloudburst-app-v1"))
	assert.False(t, evictable("other-runtime-v1"))
}

func TestLoadConfig_SampleFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "swcache.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://django:8000", cfg.Server.Origin)
	assert.Equal(t, time.Minute, cfg.OriginWait())
	assert.Equal(t, ByteSize(4*1024), cfg.Storage.CompressAbove)
	assert.Contains(t, cfg.Precache, cfg.Routes.Offline)
}

func TestParseConfig_BypassCookies(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://django:8000
routes:
  bypassWhenCookies: [" sessionid ", "", remember_me]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"sessionid", "remember_me"}, cfg.Routes.BypassWhenCookies)

	cfg, err = ParseConfig([]byte("server:\n  origin: http://o\nroutes:\n  bypassWhenCookies: []\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Routes.BypassWhenCookies)
}
