package swcache

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	strategyNetworkFirst = "network-first"
	strategyNetworkOnly  = "network-only"
	strategyCacheFirst   = "cache-first"
)

func (w *Worker) onFetch(ctx context.Context, e *FetchEvent) {
	req := e.Request
	if req.Method != http.MethodGet {
		return
	}
	switch {
	case req.IsNavigation() && hasAnyCookie(req.Header, w.cfg.Routes.BypassWhenCookies):
		w.networkOnly(ctx, e)
	case req.IsNavigation():
		w.networkFirst(ctx, e)
	case strings.HasPrefix(req.Path(), w.cfg.Routes.StaticPrefix):
		w.cacheFirst(ctx, e)
	}
}

// networkFirst serves page loads: network when reachable, otherwise the
// cached copy, otherwise the offline page.
func (w *Worker) networkFirst(ctx context.Context, e *FetchEvent) {
	start := time.Now()
	req := e.Request
	defer func() {
		w.deps.Metrics.RecordFetch(strategyNetworkFirst, e.result.Source, time.Since(start).Seconds())
	}()

	ent, err := w.deps.Network.Fetch(ctx, req)
	if err == nil {
		if storable(ent) {
			w.storeDeferred(&e.ExtendableEvent, w.runtimeName, req.Key(), forStorage(ent))
		}
		e.RespondWith(ent, SourceNetwork)
		return
	}

	log := w.log.WithFields(logrus.Fields{"url": req.URI, "strategy": strategyNetworkFirst})
	if cached, ok := w.deps.Storage.Match(req.Key()); ok {
		log.WithError(err).Debug("network failed, serving cached page")
		e.RespondWith(cached, SourceCache)
		return
	}
	w.respondOffline(e, err)
}

// networkOnly serves page loads of signed-in users. Their pages are personal,
// so nothing is stored and no shared copy is ever served back to them.
func (w *Worker) networkOnly(ctx context.Context, e *FetchEvent) {
	start := time.Now()
	req := e.Request
	defer func() {
		w.deps.Metrics.RecordFetch(strategyNetworkOnly, e.result.Source, time.Since(start).Seconds())
	}()

	ent, err := w.deps.Network.Fetch(ctx, req)
	if err == nil {
		e.RespondWith(ent, SourceNetwork)
		return
	}
	w.respondOffline(e, err)
}

func (w *Worker) respondOffline(e *FetchEvent, netErr error) {
	offlineKey := NewRequest(http.MethodGet, w.cfg.Routes.Offline, nil).Key()
	if offline, ok := w.deps.Storage.Match(offlineKey); ok {
		w.log.WithError(netErr).WithField("url", e.Request.URI).Debug("network failed, serving offline page")
		e.RespondWith(offline, SourceOffline)
		return
	}
	e.RespondError(errors.Wrap(netErr, "offline page not cached"))
}

// cacheFirst serves static assets from any generation and fills the
// application shell on a miss.
func (w *Worker) cacheFirst(ctx context.Context, e *FetchEvent) {
	start := time.Now()
	req := e.Request
	defer func() {
		w.deps.Metrics.RecordFetch(strategyCacheFirst, e.result.Source, time.Since(start).Seconds())
	}()

	if cached, ok := w.deps.Storage.Match(req.Key()); ok {
		e.RespondWith(cached, SourceCache)
		return
	}
	ent, err := w.deps.Network.Fetch(ctx, req)
	if err != nil {
		e.RespondError(err)
		return
	}
	if storable(ent) {
		w.storeDeferred(&e.ExtendableEvent, w.shellName, req.Key(), forStorage(ent))
	}
	e.RespondWith(ent, SourceNetwork)
}

func (w *Worker) storeDeferred(e *ExtendableEvent, generation, key string, ent CacheEntry) {
	e.WaitUntil(func(context.Context) error {
		cache, err := w.deps.Storage.Open(generation)
		if err != nil {
			return err
		}
		return errors.Wrapf(cache.Put(key, ent), "cache %s in %s", key, generation)
	})
}

// storable rejects responses a shared cache must not hold: partial content,
// responses that vary on everything and responses the origin marked
// private or uncacheable.
func storable(ent CacheEntry) bool {
	if ent.Status == http.StatusPartialContent {
		return false
	}
	for _, v := range ent.Header.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "*" {
				return false
			}
		}
	}
	for _, v := range ent.Header.Values("Cache-Control") {
		for _, part := range strings.Split(strings.ToLower(v), ",") {
			switch strings.TrimSpace(part) {
			case "no-store", "no-cache", "private":
				return false
			}
		}
	}
	return true
}

// forStorage copies ent without the cookies it set. A stored response is
// replayed to every client, so it must not hand out anyone's session.
func forStorage(ent CacheEntry) CacheEntry {
	out := ent.Clone()
	out.Header.Del("Set-Cookie")
	out.Header.Del("Set-Cookie2")
	return out
}

// hasAnyCookie reports whether the request carries one of names.
func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 || len(h.Values("Cookie")) == 0 {
		return false
	}
	cookies := (&http.Request{Header: h}).Cookies()
	for _, name := range names {
		for _, c := range cookies {
			if c.Name == name {
				return true
			}
		}
	}
	return false
}
