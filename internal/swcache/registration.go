package swcache

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registration owns the controlling worker. A new version replaces the
// active one only after a successful install; otherwise the previous
// version, if its caches survive on disk, keeps serving.
type Registration struct {
	cfg  Config
	deps WorkerDeps
	log  *logrus.Entry

	mu     sync.RWMutex
	active *Worker
}

func NewRegistration(cfg Config, deps WorkerDeps) *Registration {
	log := deps.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registration{cfg: cfg, deps: deps, log: log}
}

// Active returns the controlling worker, or nil when requests go straight to
// the network.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Register installs and activates the configured version. Installed workers
// skip waiting, so activation follows install immediately.
func (r *Registration) Register(ctx context.Context) error {
	w := NewWorker(r.cfg, r.cfg.App.Version, r.deps)
	if err := w.Install(ctx); err != nil {
		r.log.WithError(err).Warn("install failed, keeping previous version")
		r.restorePrevious()
		return err
	}

	if err := w.Activate(ctx); err != nil {
		r.log.WithError(err).Warn("activation finished with errors")
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	r.mu.Unlock()
	if prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	if err := r.deps.Storage.SetActiveVersion(w.Version()); err != nil {
		r.log.WithError(err).Warn("persist active version")
	}
	return nil
}

func (r *Registration) restorePrevious() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return
	}
	version, ok := r.deps.Storage.ActiveVersion()
	if !ok {
		r.log.Warn("no previous version, serving uncontrolled")
		return
	}
	w := NewWorker(r.cfg, version, r.deps)
	shell, _ := w.CacheNames()
	if !r.deps.Storage.Has(shell) {
		r.log.WithField("version", version).Warn("previous version has no caches, serving uncontrolled")
		return
	}
	w.setState(StateActivated)
	r.active = w
	r.log.WithField("version", version).Info("previous version keeps control")
}
