package swcache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAppName      = "cloudburst"
	defaultVersion      = "v1"
	defaultStaticPrefix = "/static/"
	defaultOfflineURL   = "/pwa/offline/"
	defaultManifestURL  = "/static/manifest.json"
	defaultIcon         = "/static/icons/icon-192x192.png"

	DefaultNotificationTitle = "Cloudburst Alert"
	DefaultNotificationBody  = "You have a new alert."
)

var defaultBypassCookies = []string{"sessionid"}

var defaultPrecache = []string{
	"/",
	defaultOfflineURL,
	defaultManifestURL,
	"/static/icons/icon-192x192.png",
	"/static/icons/icon-512x512.png",
}

type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Port       int    `yaml:"port"`
		Origin     string `yaml:"origin"`
		OriginWait string `yaml:"originWait"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"server"`

	Routes struct {
		StaticPrefix string `yaml:"staticPrefix"`
		Offline      string `yaml:"offline"`
		// BypassWhenCookies marks page loads as personal: they go to the
		// network, are never stored and fall back to the offline page only.
		BypassWhenCookies []string `yaml:"bypassWhenCookies"`
	} `yaml:"routes"`

	// Precache is the application-shell manifest, fetched in order at install.
	Precache []string `yaml:"precache"`

	WebManifest struct {
		Discover bool   `yaml:"discover"`
		URL      string `yaml:"url"`
	} `yaml:"webManifest"`

	Notifications NotificationDefaults `yaml:"notifications"`

	Clients struct {
		IdleTimeout string `yaml:"idleTimeout"`
	} `yaml:"clients"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max ByteSize `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max ByteSize `yaml:"max"`
		} `yaml:"disk"`
		CompressAbove ByteSize `yaml:"compressAbove"`
	} `yaml:"storage"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	originWaitDur    time.Duration
	timeoutDur       time.Duration
	idleDur          time.Duration
	logStatsEveryDur time.Duration
}

type NotificationDefaults struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
	Icon  string `yaml:"icon"`
	Badge string `yaml:"badge"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.App.Name == "" {
		c.App.Name = defaultAppName
	}
	if c.App.Version == "" {
		c.App.Version = defaultVersion
	}
	if strings.ContainsAny(c.App.Name+c.App.Version, "\x00 ") {
		return fmt.Errorf("app.name and app.version must not contain spaces")
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	var err error
	if c.originWaitDur, err = parseOptionalDuration(c.Server.OriginWait, 0); err != nil {
		return fmt.Errorf("server.originWait: %w", err)
	}
	if c.timeoutDur, err = parseOptionalDuration(c.Server.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("server.timeout: %w", err)
	}
	if c.idleDur, err = parseOptionalDuration(c.Clients.IdleTimeout, 30*time.Minute); err != nil {
		return fmt.Errorf("clients.idleTimeout: %w", err)
	}
	if c.logStatsEveryDur, err = parseOptionalDuration(c.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	if c.Routes.StaticPrefix == "" {
		c.Routes.StaticPrefix = defaultStaticPrefix
	}
	if !strings.HasPrefix(c.Routes.StaticPrefix, "/") {
		return fmt.Errorf("routes.staticPrefix must start with /, got %q", c.Routes.StaticPrefix)
	}
	if c.Routes.Offline == "" {
		c.Routes.Offline = defaultOfflineURL
	}
	if !strings.HasPrefix(c.Routes.Offline, "/") {
		return fmt.Errorf("routes.offline must start with /, got %q", c.Routes.Offline)
	}

	if c.Routes.BypassWhenCookies == nil {
		c.Routes.BypassWhenCookies = append([]string(nil), defaultBypassCookies...)
	}
	cookies := c.Routes.BypassWhenCookies[:0]
	for _, name := range c.Routes.BypassWhenCookies {
		if name = strings.TrimSpace(name); name != "" {
			cookies = append(cookies, name)
		}
	}
	c.Routes.BypassWhenCookies = cookies

	if len(c.Precache) == 0 {
		c.Precache = append([]string(nil), defaultPrecache...)
	}
	for i, u := range c.Precache {
		u = strings.TrimSpace(u)
		if !strings.HasPrefix(u, "/") {
			return fmt.Errorf("precache[%d]: %q must be an absolute path", i, u)
		}
		c.Precache[i] = u
	}
	// The offline page is served from cache, so it has to be precached.
	c.Precache = mergeURLs(c.Precache, []string{c.Routes.Offline})

	if c.WebManifest.URL == "" {
		c.WebManifest.URL = defaultManifestURL
	}

	if c.Notifications.Title == "" {
		c.Notifications.Title = DefaultNotificationTitle
	}
	if c.Notifications.Body == "" {
		c.Notifications.Body = DefaultNotificationBody
	}
	if c.Notifications.Icon == "" {
		c.Notifications.Icon = defaultIcon
	}
	if c.Notifications.Badge == "" {
		c.Notifications.Badge = c.Notifications.Icon
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Storage.RAM.Max == 0 {
		c.Storage.RAM.Max = 64 * 1024 * 1024
	}
	if c.Storage.CompressAbove == 0 {
		c.Storage.CompressAbove = 4 * 1024
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: expected text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c Config) OriginWait() time.Duration { return c.originWaitDur }

func parseOptionalDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// CacheNames returns the application-shell and runtime generation names for
// a version.
func CacheNames(app, version string) (shell, runtime string) {
	return app + "-app-" + version, app + "-runtime-" + version
}

func isRuntimeCacheName(app string) func(string) bool {
	prefix := app + "-runtime-"
	return func(name string) bool { return strings.HasPrefix(name, prefix) }
}

// mergeURLs appends extra to base, skipping duplicates, keeping order.
func mergeURLs(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
