package swcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type webManifest struct {
	StartURL string `json:"start_url"`
	Icons    []struct {
		Src string `json:"src"`
	} `json:"icons"`
	Screenshots []struct {
		Src string `json:"src"`
	} `json:"screenshots"`
}

// discoverManifestURLs reads the web app manifest and returns the start URL
// and every icon and screenshot it references, as same-origin paths.
func (w *Worker) discoverManifestURLs(ctx context.Context) ([]string, error) {
	manifestURL := w.cfg.WebManifest.URL
	ent, err := w.deps.Network.Fetch(ctx, NewRequest(http.MethodGet, manifestURL, nil))
	if err != nil {
		return nil, errors.Wrapf(err, "fetch web manifest %s", manifestURL)
	}
	if !ent.OK() {
		return nil, errors.Errorf("fetch web manifest %s: unexpected status %d", manifestURL, ent.Status)
	}
	var doc webManifest
	if err := json.Unmarshal(ent.Body, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse web manifest %s", manifestURL)
	}

	locs := []string{doc.StartURL}
	for _, ic := range doc.Icons {
		locs = append(locs, ic.Src)
	}
	for _, sc := range doc.Screenshots {
		locs = append(locs, sc.Src)
	}

	out := make([]string, 0, len(locs))
	ignored := 0
	for _, loc := range locs {
		p := normalizePathFromLoc(loc, w.cfg.Server.Origin)
		if p == "" {
			if strings.TrimSpace(loc) != "" {
				ignored++
			}
			continue
		}
		out = append(out, p)
	}
	out = mergeURLs(nil, out)
	w.log.WithFields(logrus.Fields{"manifest": manifestURL, "urls": len(out), "ignored": ignored}).Info("web manifest discovered")
	return out, nil
}

// normalizePathFromLoc turns a manifest reference into a request URI. Absolute
// URLs pointing at another host are dropped.
func normalizePathFromLoc(loc, origin string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if o, err := url.Parse(origin); err == nil && o.Host != "" && !strings.EqualFold(o.Host, u.Host) {
			return ""
		}
		return u.RequestURI()
	}
	// Relative locs: treat as a path.
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
