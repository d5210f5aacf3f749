package swcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Notification struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon"`
	Badge   string         `json:"badge"`
	Data    map[string]any `json:"data"`
	ShownAt time.Time      `json:"shownAt"`
}

// Notifier displays and closes notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) (Notification, error)
	Close(ctx context.Context, id string) error
}

// NotificationCenter keeps the notifications currently on display.
type NotificationCenter struct {
	log *logrus.Entry

	mu    sync.Mutex
	items map[string]Notification
}

func NewNotificationCenter(log *logrus.Entry) *NotificationCenter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &NotificationCenter{log: log, items: map[string]Notification{}}
}

func (c *NotificationCenter) Show(_ context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	n.ShownAt = time.Now().UTC()
	c.mu.Lock()
	c.items[n.ID] = n
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"id": n.ID, "title": n.Title}).Info("notification shown")
	return n, nil
}

func (c *NotificationCenter) Close(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; !ok {
		return errors.Wrapf(ErrNotFound, "notification %s", id)
	}
	delete(c.items, id)
	return nil
}

func (c *NotificationCenter) Get(id string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[id]
	return n, ok
}

// List returns notifications oldest first.
func (c *NotificationCenter) List() []Notification {
	c.mu.Lock()
	out := make([]Notification, 0, len(c.items))
	for _, n := range c.items {
		out = append(out, n)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}
