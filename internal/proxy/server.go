package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iTrooz/resilient-loader/internal/cache"
	"github.com/iTrooz/resilient-loader/internal/cache/httpcache"
	"github.com/iTrooz/resilient-loader/internal/config"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
)

// GenerationsRoot is the storage prefix holding every cache generation
const GenerationsRoot = "generations"

// Server is the intercepting proxy. It answers both proxied requests
// and, when an origin is configured, direct requests on behalf of that origin.
type Server struct {
	config   *config.Config
	proxy    *goproxy.ProxyHttpServer
	storage  cache.Cache
	registry *httpcache.Registry
	client   *http.Client
	tasks    *Tasks

	upgrading  sync.Mutex
	worker     atomic.Pointer[Worker]
	httpServer *http.Server
}

// New creates a new proxy server backed by storage
func New(cfg *config.Config, storage cache.Cache) (*Server, error) {
	timeout, err := cfg.GetUpstreamTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid upstream timeout: %w", err)
	}
	if err := storage.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize cache storage: %w", err)
	}

	s := &Server{
		config:   cfg,
		proxy:    goproxy.NewProxyHttpServer(),
		storage:  storage,
		registry: httpcache.NewRegistry(storage, GenerationsRoot),
		client:   newUpstreamClient(timeout),
		tasks:    &Tasks{},
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.proxy.Verbose = cfg.Log.Level == "debug"
	s.proxy.OnRequest().DoFunc(s.handleProxyRequest)
	s.proxy.NonproxyHandler = http.HandlerFunc(s.handleOriginRequest)

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GetProxy returns the underlying goproxy server (for testing)
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// ServeHTTP serves proxied and direct requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}

// Worker returns the active worker, nil before the first successful upgrade
func (s *Server) Worker() *Worker {
	return s.worker.Load()
}

// Registry returns the cache generations
func (s *Server) Registry() *httpcache.Registry {
	return s.registry
}

// Upgrade installs and activates a worker for version, replacing the active one.
// An empty version keeps the configured one. If installation fails the active worker keeps serving.
func (s *Server) Upgrade(ctx context.Context, version string) error {
	s.upgrading.Lock()
	defer s.upgrading.Unlock()

	cfg := s.config.Worker
	if version != "" {
		cfg.Version = version
	}

	w, err := NewWorker(cfg, s.config.Rules, s.registry, s.client, s.tasks)
	if err != nil {
		return err
	}
	if err := w.Install(ctx); err != nil {
		if old := s.Worker(); old != nil {
			logrus.Warnf("Keeping worker %s active: %v", old.Version(), err)
		}
		return err
	}

	// The previous worker stops writing before its generations are swept
	old := s.Worker()
	var prev WorkerState
	if old != nil {
		prev = old.retire()
	}
	if err := w.Activate(ctx); err != nil {
		if old != nil {
			old.reinstate(prev)
			logrus.Warnf("Keeping worker %s active: %v", old.Version(), err)
		}
		return err
	}

	s.worker.Store(w)
	return nil
}

// Start installs the configured worker if none is active and serves until Shutdown
func (s *Server) Start(ctx context.Context) error {
	if s.Worker() == nil {
		if err := s.Upgrade(ctx, ""); err != nil {
			logrus.Errorf("Worker installation failed, forwarding without interception: %v", err)
		}
	}

	logrus.Infof("Starting proxy on port %d", s.config.Server.Port)
	logrus.Infof("Cache driver: %s", s.config.Cache.Driver)
	logrus.Infof("Rules mode: %s", s.config.Rules.Mode)
	if s.config.Worker.Origin != "" {
		logrus.Infof("Serving origin %s", s.config.Worker.Origin)
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops serving, waits for pending cache writes and closes the storage
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.tasks.Wait()
	return errors.Join(err, s.storage.Close())
}

// intercept answers requ through the active worker, or returns nil to let it through
func (s *Server) intercept(requ *http.Request) (*http.Response, error) {
	w := s.Worker()
	if w == nil || w.Classify(requ) == KindIgnored {
		return nil, nil
	}
	return w.Respond(requ)
}

func (s *Server) handleProxyRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	resp, err := s.intercept(requ)
	if err != nil {
		logrus.Errorf("Failed to answer %s %s: %v", requ.Method, requ.URL, err)
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}
	if resp != nil {
		logrus.Infof("%s %s -> %d (%s)", requ.Method, requ.URL, resp.StatusCode, resp.Header.Get("X-Cache"))
	}
	return requ, resp
}

// handleOriginRequest serves direct (non-proxy) requests on behalf of the configured origin
func (s *Server) handleOriginRequest(w http.ResponseWriter, r *http.Request) {
	origin := s.config.Worker.Origin
	if origin == "" {
		http.Error(w, "This is a proxy server. Configure worker.origin to serve requests directly.", http.StatusInternalServerError)
		return
	}
	target, err := url.Parse(origin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	requ := r.Clone(r.Context())
	requ.RequestURI = ""
	requ.URL.Scheme = target.Scheme
	requ.URL.Host = target.Host
	requ.Host = target.Host

	resp, err := s.intercept(requ)
	if err == nil && resp == nil {
		var out *http.Response
		out, err = s.forward(requ)
		resp = out
	}
	if err != nil {
		logrus.Errorf("Failed to answer %s %s: %v", requ.Method, requ.URL, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	logrus.Infof("%s %s -> %d (%s)", requ.Method, requ.URL, resp.StatusCode, resp.Header.Get("X-Cache"))
	writeResponse(w, resp)
}

// forward sends an ignored request upstream without touching any cache
func (s *Server) forward(requ *http.Request) (*http.Response, error) {
	out := requ.Clone(requ.Context())
	removeHopHeaders(out.Header)
	resp, err := s.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", requ.URL, err)
	}
	return resp, nil
}
