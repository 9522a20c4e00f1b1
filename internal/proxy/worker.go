package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iTrooz/resilient-loader/internal/cache/httpcache"
	"github.com/iTrooz/resilient-loader/internal/config"

	"github.com/codeGROOVE-dev/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// WorkerState is the lifecycle position of a worker
type WorkerState int32

const (
	StateInstalling WorkerState = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s WorkerState) String() string {
	switch s {
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
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}

// ErrInvalidState is returned when a lifecycle step runs out of order
var ErrInvalidState = errors.New("invalid worker state")

// Worker intercepts requests for one pair of cache generations
type Worker struct {
	cfg      config.WorkerConfig
	mode     string
	rules    []Rule
	origin   *url.URL
	registry *httpcache.Registry
	client   *http.Client
	tasks    *Tasks

	retryDelay time.Duration
	state      atomic.Int32

	// gate is held shared by background writes and exclusively by retire
	gate sync.RWMutex
}

// NewWorker creates a worker in the installing state
func NewWorker(cfg config.WorkerConfig, rules config.RulesConfig, registry *httpcache.Registry, client *http.Client, tasks *Tasks) (*Worker, error) {
	w := &Worker{
		cfg:        cfg,
		mode:       rules.Mode,
		rules:      rulesFromConfig(rules),
		registry:   registry,
		client:     client,
		tasks:      tasks,
		retryDelay: 200 * time.Millisecond,
	}
	if cfg.Origin != "" {
		origin, err := url.Parse(cfg.Origin)
		if err != nil || !origin.IsAbs() {
			return nil, fmt.Errorf("invalid worker origin %q", cfg.Origin)
		}
		w.origin = origin
	}
	return w, nil
}

// State returns the lifecycle state
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Version returns the generation version served by w
func (w *Worker) Version() string {
	return w.cfg.Version
}

func (w *Worker) transition(from, to WorkerState) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, w.State(), from)
	}
	return nil
}

// generations lists the generations w reads from and writes to
func (w *Worker) generations() []string {
	return []string{w.cfg.StaticGeneration(), w.cfg.DynamicGeneration()}
}

// Install fills the static generation with the precache list and creates the dynamic one.
// Any asset that still fails after its retries aborts installation and leaves w redundant.
func (w *Worker) Install(ctx context.Context) error {
	if w.State() != StateInstalling {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, w.State())
	}

	name := w.cfg.StaticGeneration()
	logrus.Infof("Installing worker %s, precaching %d assets into %s", w.cfg.Version, len(w.cfg.Precache), name)

	names, err := w.registry.Names()
	if err != nil {
		w.state.Store(int32(StateRedundant))
		return fmt.Errorf("install %s: %w", w.cfg.Version, err)
	}
	existed := slices.Contains(names, name)

	if err := w.install(ctx, name); err != nil {
		w.state.Store(int32(StateRedundant))
		// A generation created by this install must not outlive it
		if !existed {
			if _, derr := w.registry.Delete(name); derr != nil {
				logrus.Warnf("Failed to drop partial generation %s: %v", name, derr)
			}
		}
		return fmt.Errorf("install %s: %w", w.cfg.Version, err)
	}

	return w.transition(StateInstalling, StateInstalled)
}

func (w *Worker) install(ctx context.Context, static string) error {
	if err := w.precacheAll(ctx, static); err != nil {
		return err
	}
	_, err := w.registry.Open(w.cfg.DynamicGeneration())
	return err
}

func (w *Worker) precacheAll(ctx context.Context, name string) error {
	gen, err := w.registry.Open(name)
	if err != nil {
		return err
	}
	if len(w.cfg.Precache) > 0 && w.origin == nil {
		return errors.New("an origin is required to precache assets")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range w.cfg.Precache {
		g.Go(func() error {
			return w.precache(gctx, gen, asset)
		})
	}
	return g.Wait()
}

func (w *Worker) precache(ctx context.Context, gen *httpcache.Generation, asset string) error {
	ref, err := url.Parse(asset)
	if err != nil {
		return fmt.Errorf("invalid precache entry %q: %w", asset, err)
	}
	target := w.origin.ResolveReference(ref)

	return retry.Do(
		func() error {
			requ, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return err
			}
			resp, err := w.client.Do(requ)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("precache %s: unexpected status %s", target, resp.Status)
			}
			return gen.Put(requ, resp)
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(w.cfg.InstallAttempts, 1))),
		retry.Delay(w.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logrus.Warnf("Precache attempt %d for %s failed: %v", n+1, target, err)
		}),
	)
}

// Activate deletes every generation that does not belong to w
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	deleted, err := w.registry.Sweep(w.generations())
	if err != nil {
		w.state.Store(int32(StateInstalled))
		return fmt.Errorf("activate %s: %w", w.cfg.Version, err)
	}
	if len(deleted) > 0 {
		logrus.Infof("Activated worker %s, cleared %v", w.cfg.Version, deleted)
	} else {
		logrus.Infof("Activated worker %s", w.cfg.Version)
	}

	return w.transition(StateActivating, StateActivated)
}

// retire marks w as replaced.
// It waits for background writes already running; later ones are dropped.
// It returns the state w had before.
func (w *Worker) retire() WorkerState {
	w.gate.Lock()
	defer w.gate.Unlock()
	return WorkerState(w.state.Swap(int32(StateRedundant)))
}

// reinstate undoes retire when the replacement could not take over
func (w *Worker) reinstate(prev WorkerState) {
	w.gate.Lock()
	defer w.gate.Unlock()
	w.state.CompareAndSwap(int32(StateRedundant), int32(prev))
}

// Respond answers an intercepted request. Ignored requests must not reach it.
func (w *Worker) Respond(requ *http.Request) (*http.Response, error) {
	kind := w.Classify(requ)
	logrus.Debugf("Intercepted %s %s as %s", requ.Method, requ.URL, kind)

	switch kind {
	case KindAPI:
		return w.networkFirst(requ), nil
	case KindNavigation, KindStatic:
		return w.cacheFirst(requ, kind)
	default:
		return w.fetch(requ)
	}
}

// networkFirst serves API calls from the network, caching successes,
// and synthesizes an error when the network is unreachable.
func (w *Worker) networkFirst(requ *http.Request) *http.Response {
	resp, err := w.fetch(requ)
	if err != nil {
		logrus.Warnf("API call %s failed, answering offline: %v", requ.URL, err)
		return offlineAPIResponse(requ)
	}

	w.cacheResponse(w.cfg.DynamicGeneration(), requ, resp)
	resp.Header.Set("X-Cache", "MISS")
	return resp
}

// cacheFirst serves from the generations of w, falling back to the network.
// Navigations that cannot reach the network get the offline document.
func (w *Worker) cacheFirst(requ *http.Request, kind Kind) (*http.Response, error) {
	if resp := w.getCachedResponse(requ); resp != nil {
		return resp, nil
	}

	resp, err := w.fetch(requ)
	if err != nil {
		if kind == KindNavigation {
			if offline := w.getOfflineDocument(requ); offline != nil {
				logrus.Warnf("Navigation to %s failed, serving offline document: %v", requ.URL, err)
				return offline, nil
			}
		}
		return nil, err
	}

	w.cacheResponse(w.cfg.StaticGeneration(), requ, resp)
	resp.Header.Set("X-Cache", "MISS")
	return resp, nil
}

// fetch sends requ upstream as is
func (w *Worker) fetch(requ *http.Request) (*http.Response, error) {
	out := requ.Clone(requ.Context())
	out.RequestURI = ""
	if !out.URL.IsAbs() {
		target, err := url.Parse(getTargetURL(requ))
		if err != nil {
			return nil, err
		}
		out.URL = target
	}
	removeHopHeaders(out.Header)

	resp, err := w.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", out.URL, err)
	}
	return resp, nil
}

func newUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
