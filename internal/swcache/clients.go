package swcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ClientType string

const ClientWindow ClientType = "window"

// Client is a browser window known to the proxy.
type Client struct {
	ID         string     `json:"id"`
	Type       ClientType `json:"type"`
	URL        string     `json:"url"`
	Focused    bool       `json:"focused"`
	Focusable  bool       `json:"focusable"`
	Controller string     `json:"controller,omitempty"` // worker version, empty when uncontrolled
	Opened     bool       `json:"opened,omitempty"`     // opened by the worker
	LastSeen   time.Time  `json:"lastSeen"`
}

type MatchOptions struct {
	Type                ClientType
	IncludeUncontrolled bool
}

// Clients is the window-management surface the worker depends on.
type Clients interface {
	MatchAll(ctx context.Context, opts MatchOptions) ([]Client, error)
	Claim(ctx context.Context, version string) error
	Focus(ctx context.Context, id string) (Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// WindowRegistry tracks windows by the client cookie seen on page loads.
// Windows that stay silent longer than the idle timeout count as closed.
type WindowRegistry struct {
	idle time.Duration
	now  func() time.Time

	mu      sync.Mutex
	windows map[string]*Client
}

func NewWindowRegistry(idle time.Duration) *WindowRegistry {
	return &WindowRegistry{idle: idle, now: time.Now, windows: map[string]*Client{}}
}

// Touch records a page load from window id. A new window starts uncontrolled
// unless controller is set.
func (r *WindowRegistry) Touch(id, url, controller string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.windows[id]
	if !ok {
		c = &Client{ID: id, Type: ClientWindow, Focusable: true, Controller: controller}
		r.windows[id] = c
	}
	c.URL = url
	c.LastSeen = r.now()
	c.Opened = false
	if controller != "" {
		c.Controller = controller
	}
	return *c
}

func (r *WindowRegistry) pruneLocked() {
	if r.idle <= 0 {
		return
	}
	cutoff := r.now().Add(-r.idle)
	for id, c := range r.windows {
		if c.LastSeen.Before(cutoff) {
			delete(r.windows, id)
		}
	}
}

// MatchAll returns windows most recently seen first.
func (r *WindowRegistry) MatchAll(_ context.Context, opts MatchOptions) ([]Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	out := make([]Client, 0, len(r.windows))
	for _, c := range r.windows {
		if opts.Type != "" && c.Type != opts.Type {
			continue
		}
		if !opts.IncludeUncontrolled && c.Controller == "" {
			continue
		}
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

// Claim makes version the controller of every open window.
func (r *WindowRegistry) Claim(_ context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	for _, c := range r.windows {
		c.Controller = version
	}
	return nil
}

func (r *WindowRegistry) Focus(_ context.Context, id string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.windows[id]
	if !ok {
		return Client{}, errors.Wrapf(ErrNotFound, "client %s", id)
	}
	if !c.Focusable {
		return Client{}, errors.Errorf("client %s cannot be focused", id)
	}
	for _, other := range r.windows {
		other.Focused = false
	}
	c.Focused = true
	c.LastSeen = r.now()
	return *c, nil
}

func (r *WindowRegistry) OpenWindow(_ context.Context, url string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.windows {
		other.Focused = false
	}
	c := &Client{
		ID:        uuid.NewString(),
		Type:      ClientWindow,
		URL:       url,
		Focused:   true,
		Focusable: true,
		Opened:    true,
		LastSeen:  r.now(),
	}
	r.windows[c.ID] = c
	return *c, nil
}
