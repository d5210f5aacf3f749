package swcache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type EventKind string

const (
	KindInstall           EventKind = "install"
	KindActivate          EventKind = "activate"
	KindFetch             EventKind = "fetch"
	KindPush              EventKind = "push"
	KindNotificationClick EventKind = "notificationclick"
)

// Event is one of *InstallEvent, *ActivateEvent, *FetchEvent, *PushEvent or
// *NotificationClickEvent.
type Event interface {
	Kind() EventKind
	// Wait blocks until every piece of work registered with WaitUntil has
	// finished and returns the first error.
	Wait() error
}

// ExtendableEvent keeps an event open until the work handed to WaitUntil is
// done. Deferred work runs on the event's own context, which outlives the
// request that triggered it.
type ExtendableEvent struct {
	ctx context.Context
	g   errgroup.Group
}

func (e *ExtendableEvent) init(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx = ctx
}

func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() error { return fn(e.ctx) })
}

func (e *ExtendableEvent) Wait() error { return e.g.Wait() }

type InstallEvent struct{ ExtendableEvent }

func NewInstallEvent(ctx context.Context) *InstallEvent {
	e := &InstallEvent{}
	e.init(ctx)
	return e
}

func (*InstallEvent) Kind() EventKind { return KindInstall }

type ActivateEvent struct{ ExtendableEvent }

func NewActivateEvent(ctx context.Context) *ActivateEvent {
	e := &ActivateEvent{}
	e.init(ctx)
	return e
}

func (*ActivateEvent) Kind() EventKind { return KindActivate }

// Response sources, reported in the X-SW-Cache header.
const (
	SourceNetwork    = "network"
	SourceCache      = "cache"
	SourceOffline    = "offline"
	SourceBypass     = "bypass"
	SourceBadGateway = "bad-gateway"
)

// FetchResult is what the worker decided for an intercepted request.
// Handled is false when the worker left the request to the network.
type FetchResult struct {
	Handled bool
	Entry   CacheEntry
	Source  string
	Err     error
}

type FetchEvent struct {
	ExtendableEvent
	Request *Request
	result  FetchResult
}

func NewFetchEvent(ctx context.Context, req *Request) *FetchEvent {
	e := &FetchEvent{Request: req}
	e.init(ctx)
	return e
}

func (*FetchEvent) Kind() EventKind { return KindFetch }

func (e *FetchEvent) RespondWith(ent CacheEntry, source string) {
	e.result = FetchResult{Handled: true, Entry: ent, Source: source}
}

// RespondError answers the request with a failed fetch.
func (e *FetchEvent) RespondError(err error) {
	e.result = FetchResult{Handled: true, Source: SourceBadGateway, Err: err}
}

func (e *FetchEvent) Result() FetchResult { return e.result }

type PushEvent struct {
	ExtendableEvent
	Data []byte
}

func NewPushEvent(ctx context.Context, data []byte) *PushEvent {
	e := &PushEvent{Data: data}
	e.init(ctx)
	return e
}

func (*PushEvent) Kind() EventKind { return KindPush }

// ClickOutcome records what a notification click did.
type ClickOutcome struct {
	Action string `json:"action"` // "focus" or "open"
	Client Client `json:"client"`
}

type NotificationClickEvent struct {
	ExtendableEvent
	Notification Notification
	outcome      ClickOutcome
}

func NewNotificationClickEvent(ctx context.Context, n Notification) *NotificationClickEvent {
	e := &NotificationClickEvent{Notification: n}
	e.init(ctx)
	return e
}

func (*NotificationClickEvent) Kind() EventKind { return KindNotificationClick }

// Outcome is valid after Wait returned.
func (e *NotificationClickEvent) Outcome() ClickOutcome { return e.outcome }
