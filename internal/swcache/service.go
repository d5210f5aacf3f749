package swcache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	clientCookie   = "swcache_client"
	cacheHeader    = "X-SW-Cache"
	maxPushPayload = 64 * 1024
)

// Service hosts the registration: it turns incoming HTTP traffic into fetch
// events, exposes push and notification endpoints, and keeps events alive
// until their deferred work is done.
type Service struct {
	cfg Config
	log *logrus.Entry

	network  Network
	storage  *CacheStorage
	clients  *WindowRegistry
	notifier *NotificationCenter
	metrics  *Metrics
	promReg  *prometheus.Registry
	reg      *Registration

	stats *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

// WithNetwork replaces the origin client.
func WithNetwork(n Network) Option {
	return func(s *Service) { s.network = n }
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) { s.log = logrus.NewEntry(l) }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		stats:  newStatsCollector(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.network == nil {
		s.network = NewOriginNetwork(cfg.Server.Origin, cfg.timeoutDur)
	}

	storage, err := OpenCacheStorage(cfg.Storage.Path, StorageOptions{
		RAMMax:        int64(cfg.Storage.RAM.Max),
		DiskMax:       int64(cfg.Storage.Disk.Max),
		CompressAbove: int64(cfg.Storage.CompressAbove),
		Evictable:     isRuntimeCacheName(cfg.App.Name),
		Logger:        s.log.WithField("component", "storage"),
	})
	if err != nil {
		return nil, err
	}
	s.storage = storage

	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.promReg)
	s.clients = NewWindowRegistry(cfg.idleDur)
	s.notifier = NewNotificationCenter(s.log.WithField("component", "notifications"))
	s.reg = NewRegistration(cfg, WorkerDeps{
		Storage:  s.storage,
		Network:  s.network,
		Clients:  s.clients,
		Notifier: s.notifier,
		Metrics:  s.metrics,
		Logger:   s.log.WithField("component", "worker"),
	})

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}
	return s, nil
}

// Start registers the configured worker version. A failed install is
// returned but the service keeps serving, either with the previous version
// or uncontrolled.
func (s *Service) Start(ctx context.Context) error {
	return s.reg.Register(ctx)
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.storage.Close(); err != nil {
			s.log.WithError(err).Warn("close storage")
		}
	})
}

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Storage() *CacheStorage { return s.storage }

func (s *Service) Notifications() *NotificationCenter { return s.notifier }

func (s *Service) Clients() *WindowRegistry { return s.clients }

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/_sw", func(r chi.Router) {
		r.Post("/push", s.handlePush)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/{id}/click", s.handleNotificationClick)
		r.Get("/clients", s.handleClients)
		r.Get("/status", s.handleStatus)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	r.HandleFunc("/*", s.handleFetch)
	return r
}

// eventContext detaches deferred work from the request so it finishes even
// when the client goes away.
func (s *Service) eventContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), s.cfg.timeoutDur)
}

func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	req, err := requestFromHTTP(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	worker := s.reg.Active()
	if req.Method == http.MethodGet && req.IsNavigation() {
		s.touchClient(w, r, req, worker)
	}
	if worker == nil {
		s.passThrough(r.Context(), w, req)
		return
	}

	ctx, cancel := s.eventContext(r.Context())
	defer cancel()
	ev := NewFetchEvent(ctx, req)
	worker.Dispatch(r.Context(), ev)

	res := ev.Result()
	switch {
	case !res.Handled:
		s.passThrough(r.Context(), w, req)
	case res.Err != nil:
		s.log.WithError(res.Err).WithField("url", req.URI).Debug("fetch failed")
		s.stats.Observe(SourceBadGateway, 0)
		badGateway(w)
	default:
		s.writeEntryWithStats(w, res.Entry, res.Source)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if err := ev.Wait(); err != nil {
		s.log.WithError(err).WithField("url", req.URI).Warn("deferred work failed")
	}
}

func (s *Service) touchClient(w http.ResponseWriter, r *http.Request, req *Request, worker *Worker) {
	id := ""
	if c, err := r.Cookie(clientCookie); err == nil {
		if _, perr := uuid.Parse(c.Value); perr == nil {
			id = c.Value
		}
	}
	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	controller := ""
	if worker != nil {
		controller = worker.Version()
	}
	s.clients.Touch(id, req.URI, controller)
}

func (s *Service) passThrough(ctx context.Context, w http.ResponseWriter, req *Request) {
	start := time.Now()
	ent, err := s.network.Fetch(ctx, req)
	if err != nil {
		s.metrics.RecordFetch("passthrough", SourceBadGateway, time.Since(start).Seconds())
		badGateway(w)
		return
	}
	s.metrics.RecordFetch("passthrough", SourceBypass, time.Since(start).Seconds())
	writeEntry(w, ent, SourceBypass)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CacheEntry, source string) {
	writeEntry(w, ent, source)
	s.stats.Observe(source, len(ent.Body))
}

func badGateway(w http.ResponseWriter) {
	setCacheHeaders(w.Header(), SourceBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, source string) {
	replay := source == SourceCache || source == SourceOffline
	for k, vs := range ent.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		// entries written before cookies were stripped on store
		if replay && (strings.EqualFold(k, "Set-Cookie") || strings.EqualFold(k, "Set-Cookie2")) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setCacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(cacheHeader, source)
	}
	exposeHeader(h, cacheHeader)
}

// exposeHeader lists name in Access-Control-Expose-Headers so scripts on a
// cross-origin page can read it. A wildcard already covers it.
func exposeHeader(h http.Header, name string) {
	const key = "Access-Control-Expose-Headers"
	var names []string
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			switch {
			case part == "":
			case part == "*" || strings.EqualFold(part, name):
				return
			default:
				names = append(names, part)
			}
		}
	}
	h.Set(key, strings.Join(append(names, name), ", "))
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	worker := s.reg.Active()
	if worker == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read payload")
		return
	}

	ctx, cancel := s.eventContext(r.Context())
	defer cancel()
	ev := NewPushEvent(ctx, body)
	worker.Dispatch(r.Context(), ev)
	if err := ev.Wait(); err != nil {
		s.log.WithError(err).Warn("push handling failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shown"})
}

func (s *Service) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.notifier.List())
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	id := chi.URLParam(r, "id")
	n, ok := s.notifier.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "notification not found")
		return
	}
	worker := s.reg.Active()
	if worker == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}

	ctx, cancel := s.eventContext(r.Context())
	defer cancel()
	ev := NewNotificationClickEvent(ctx, n)
	worker.Dispatch(r.Context(), ev)
	if err := ev.Wait(); err != nil {
		s.log.WithError(err).WithField("notification", id).Warn("notification click failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ev.Outcome())
}

func (s *Service) handleClients(w http.ResponseWriter, r *http.Request) {
	list, err := s.clients.MatchAll(r.Context(), MatchOptions{IncludeUncontrolled: true})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type statusResponse struct {
	Configured  string            `json:"configured"`
	Active      string            `json:"active,omitempty"`
	State       string            `json:"state"`
	Generations []GenerationStats `json:"generations"`
	RAMBytes    int64             `json:"ramBytes"`
	DiskBytes   int64             `json:"diskBytes"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := statusResponse{
		Configured:  s.cfg.App.Version,
		State:       "uncontrolled",
		Generations: s.storage.Stats(),
		RAMBytes:    s.storage.RAMSize(),
		DiskBytes:   s.storage.TotalSize(),
	}
	if worker := s.reg.Active(); worker != nil {
		st.Active = worker.Version()
		st.State = worker.State().String()
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			s.log.Infof(
				"Cached: Generations: %d, Entries: %d, RAM usage: %s, Disk usage: %s, Served cache/network/offline/failed %d/%d/%d/%d, Resp Min/avg/max %s/%s/%s",
				len(s.storage.Keys()),
				s.storage.EntryCount(),
				formatBytes(uint64(s.storage.RAMSize())),
				formatBytes(uint64(s.storage.TotalSize())),
				ss.FromCache, ss.FromNetwork, ss.Offline, ss.Failed,
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
			)
		}
	}
}
