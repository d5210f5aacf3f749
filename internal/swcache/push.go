package swcache

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type pushPayload struct {
	Title string
	Body  string
	Data  map[string]any
}

// parsePushPayload never fails: anything that isn't a JSON object reads as
// an empty payload, and fields of the wrong type are ignored.
func parsePushPayload(b []byte) pushPayload {
	var raw map[string]any
	if len(b) == 0 || json.Unmarshal(b, &raw) != nil || raw == nil {
		return pushPayload{}
	}
	var p pushPayload
	p.Title, _ = raw["title"].(string)
	p.Body, _ = raw["body"].(string)
	p.Data, _ = raw["data"].(map[string]any)
	return p
}

func (w *Worker) onPush(e *PushEvent) {
	p := parsePushPayload(e.Data)
	defaults := w.cfg.Notifications
	n := Notification{
		Title: p.Title,
		Body:  p.Body,
		Icon:  defaults.Icon,
		Badge: defaults.Badge,
		Data:  p.Data,
	}
	if n.Title == "" {
		n.Title = defaults.Title
	}
	if n.Body == "" {
		n.Body = defaults.Body
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	w.deps.Metrics.RecordPush()
	e.WaitUntil(func(ctx context.Context) error {
		_, err := w.deps.Notifier.Show(ctx, n)
		return errors.Wrap(err, "show notification")
	})
}

// notificationTarget is data.url when present, else the site root.
func notificationTarget(n Notification) string {
	if u, ok := n.Data["url"].(string); ok && u != "" {
		return u
	}
	return "/"
}

func (w *Worker) onNotificationClick(ctx context.Context, e *NotificationClickEvent) {
	n := e.Notification
	if err := w.deps.Notifier.Close(ctx, n.ID); err != nil && !errors.Is(err, ErrNotFound) {
		w.log.WithError(err).Warn("close notification")
	}
	target := notificationTarget(n)

	e.WaitUntil(func(ctx context.Context) error {
		windows, err := w.deps.Clients.MatchAll(ctx, MatchOptions{Type: ClientWindow, IncludeUncontrolled: true})
		if err != nil {
			return errors.Wrap(err, "match clients")
		}
		for _, c := range windows {
			if !c.Focusable {
				continue
			}
			focused, err := w.deps.Clients.Focus(ctx, c.ID)
			if err != nil {
				return errors.Wrapf(err, "focus client %s", c.ID)
			}
			e.outcome = ClickOutcome{Action: "focus", Client: focused}
			w.deps.Metrics.RecordClick("focus")
			return nil
		}
		opened, err := w.deps.Clients.OpenWindow(ctx, target)
		if err != nil {
			return errors.Wrapf(err, "open window %s", target)
		}
		e.outcome = ClickOutcome{Action: "open", Client: opened}
		w.deps.Metrics.RecordClick("open")
		w.log.WithFields(logrus.Fields{"url": target, "client": opened.ID}).Info("opened window for notification")
		return nil
	})
}
