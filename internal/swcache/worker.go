package swcache

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrInstallFailed = errors.New("install failed")

const precacheParallelism = 8

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

type WorkerDeps struct {
	Storage  *CacheStorage
	Network  Network
	Clients  Clients
	Notifier Notifier
	Metrics  *Metrics
	Logger   *logrus.Entry
}

// Worker is one version of the offline cache manager. It owns two cache
// generations named after its version and answers the events dispatched to
// it.
type Worker struct {
	cfg         Config
	version     string
	shellName   string
	runtimeName string
	deps        WorkerDeps
	log         *logrus.Entry

	mu    sync.Mutex
	state State
}

func NewWorker(cfg Config, version string, deps WorkerDeps) *Worker {
	log := deps.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	shell, runtime := CacheNames(cfg.App.Name, version)
	return &Worker{
		cfg:         cfg,
		version:     version,
		shellName:   shell,
		runtimeName: runtime,
		deps:        deps,
		log:         log.WithField("version", version),
	}
}

func (w *Worker) Version() string { return w.version }

func (w *Worker) CacheNames() (shell, runtime string) { return w.shellName, w.runtimeName }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.log.WithField("state", s.String()).Debug("worker state changed")
	}
}

// Dispatch runs the handler for ev. Handlers return once the response (if
// any) is decided; deferred work keeps running until ev.Wait returns.
func (w *Worker) Dispatch(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case *InstallEvent:
		w.onInstall(e)
	case *ActivateEvent:
		w.onActivate(e)
	case *FetchEvent:
		w.onFetch(ctx, e)
	case *PushEvent:
		w.onPush(e)
	case *NotificationClickEvent:
		w.onNotificationClick(ctx, e)
	}
}

// Install precaches the application shell. Any failure leaves the worker
// redundant and nothing written.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	ev := NewInstallEvent(ctx)
	w.Dispatch(ctx, ev)
	err := ev.Wait()
	w.deps.Metrics.RecordLifecycle("install", err)
	if err != nil {
		w.setState(StateRedundant)
		return errors.Wrapf(ErrInstallFailed, "version %s: %v", w.version, err)
	}
	// skip waiting: an installed worker is activated right away
	w.setState(StateInstalled)
	w.log.Info("installed")
	return nil
}

// Activate prunes foreign generations and claims all windows.
func (w *Worker) Activate(ctx context.Context) error {
	if st := w.State(); st != StateInstalled {
		return errors.Errorf("activate version %s: worker is %s", w.version, st)
	}
	w.setState(StateActivating)
	ev := NewActivateEvent(ctx)
	w.Dispatch(ctx, ev)
	err := ev.Wait()
	w.deps.Metrics.RecordLifecycle("activate", err)
	w.setState(StateActivated)
	if err != nil {
		return errors.Wrapf(err, "activate version %s", w.version)
	}
	w.log.Info("activated")
	return nil
}

func (w *Worker) onInstall(e *InstallEvent) {
	e.WaitUntil(w.precache)
}

func (w *Worker) precache(ctx context.Context) error {
	urls := w.cfg.Precache
	if w.cfg.WebManifest.Discover {
		extra, err := w.discoverManifestURLs(ctx)
		if err != nil {
			return err
		}
		urls = mergeURLs(urls, extra)
	}

	entries := make([]CacheEntry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheParallelism)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			ent, err := w.deps.Network.Fetch(gctx, NewRequest(http.MethodGet, u, nil))
			if err != nil {
				return errors.Wrapf(err, "precache %s", u)
			}
			if !ent.OK() {
				return errors.Errorf("precache %s: unexpected status %d", u, ent.Status)
			}
			entries[i] = forStorage(ent)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	items := make([]PutItem, len(urls))
	for i, u := range urls {
		items[i] = PutItem{Key: NewRequest(http.MethodGet, u, nil).Key(), Entry: entries[i]}
	}
	cache, err := w.deps.Storage.Open(w.shellName)
	if err != nil {
		return err
	}
	if err := cache.PutAll(items); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"generation": w.shellName, "urls": len(urls)}).Info("precached application shell")
	return nil
}

func (w *Worker) onActivate(e *ActivateEvent) {
	e.WaitUntil(func(ctx context.Context) error {
		st := w.deps.Storage
		for _, name := range st.Keys() {
			if name == w.shellName || name == w.runtimeName {
				continue
			}
			w.log.WithField("generation", name).Info("deleting old cache")
			if _, err := st.Delete(name); err != nil {
				return err
			}
			w.deps.Metrics.RecordGenerationDeleted()
		}
		for _, name := range []string{w.shellName, w.runtimeName} {
			if _, err := st.Open(name); err != nil {
				return err
			}
		}
		return w.deps.Clients.Claim(ctx, w.version)
	})
}
