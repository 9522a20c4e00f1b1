// Package loader drives a view through loading, success and error states,
// serving fresh cached data first and retrying the network with backoff.
package loader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/iTrooz/resilient-loader/internal/api"
	"github.com/iTrooz/resilient-loader/internal/config"
	"github.com/iTrooz/resilient-loader/internal/staleness"
	"github.com/iTrooz/resilient-loader/internal/store"

	"github.com/sirupsen/logrus"
)

// DataKey is the store key of the last loaded payload
const DataKey = "app-data"

var (
	// ErrOffline is reported when connectivity is lost
	ErrOffline = errors.New("connection lost")
	// ErrRetriesExhausted marks the terminal error state
	ErrRetriesExhausted = errors.New("maximum number of retries exceeded")
)

// State of the controller
type State int

const (
	StateIdle State = iota
	StateLoading
	StateSuccess
	StateError
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Store is the keyed payload store consulted before the network
type Store interface {
	Get(key string) (*store.Entry, bool)
	Set(key string, value any)
	Delete(key string)
	Clear()
}

// Fetcher loads fresh data from the network
type Fetcher interface {
	FetchData(ctx context.Context) (*api.DataResponse, error)
}

// Options tunes the controller. Zero values take the defaults.
type Options struct {
	MaxRetries      int
	StalenessWindow time.Duration
	DisplayDelay    time.Duration
	MinDelay        time.Duration
	MaxDelay        time.Duration
	BackoffStep     time.Duration

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(lo, hi time.Duration) time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.StalenessWindow == 0 {
		o.StalenessWindow = staleness.DefaultWindow
	}
	if o.DisplayDelay == 0 {
		o.DisplayDelay = time.Second
	}
	if o.MinDelay == 0 && o.MaxDelay == 0 {
		o.MinDelay, o.MaxDelay = 2*time.Second, 4*time.Second
	}
	o.MaxDelay = min(o.MaxDelay, config.MaxDelayCap)
	o.MinDelay = min(o.MinDelay, o.MaxDelay)
	if o.BackoffStep == 0 {
		o.BackoffStep = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	if o.Jitter == nil {
		o.Jitter = uniform
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Controller is the load state machine. All methods are safe for concurrent use;
// transitions are serialized and renders happen in transition order.
type Controller struct {
	store    Store
	fetcher  Fetcher
	renderer Renderer
	opts     Options

	mu         sync.Mutex
	state      State
	inFlight   bool
	retryCount int
	online     bool
}

// New creates a controller in the idle state
func New(s Store, f Fetcher, r Renderer, opts Options) *Controller {
	opts.setDefaults()
	return &Controller{
		store:    s,
		fetcher:  f,
		renderer: r,
		opts:     opts,
		online:   true,
	}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of consecutive failures counted so far
func (c *Controller) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// beginLoading enters Loading unless a load is already in flight.
// A retry is also refused once retries are exhausted.
// Callers that get true must call endLoading when the load is over.
func (c *Controller) beginLoading(reset, retry bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight {
		logrus.Debugf("Load already in flight, ignoring trigger")
		return false
	}
	if retry && c.state == StateExhausted {
		logrus.Infof("Retries exhausted, ignoring retry")
		return false
	}
	if reset {
		c.retryCount = 0
	}
	c.inFlight = true
	c.state = StateLoading
	c.renderer.RenderLoading()
	return true
}

func (c *Controller) endLoading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
}

// Init serves the cached payload when it is still fresh, and loads from the network otherwise
func (c *Controller) Init(ctx context.Context) {
	if !c.beginLoading(false, false) {
		return
	}
	defer c.endLoading()

	if entry, ok := c.store.Get(DataKey); ok && !staleness.IsStale(entry.StoredAt(), c.opts.Now(), c.opts.StalenessWindow) {
		var data api.DataResponse
		if err := entry.Decode(&data); err != nil {
			logrus.Warnf("Ignoring undecodable cached %s: %v", DataKey, err)
		} else {
			logrus.Infof("Serving %s from cache (stored %s)", DataKey, entry.StoredAt().Format(time.RFC3339))
			if err := c.opts.Sleep(ctx, c.opts.DisplayDelay); err != nil {
				c.handleError(err)
				return
			}
			c.succeed(data, true)
			return
		}
	}

	if err := c.loadData(ctx); err != nil {
		c.handleError(err)
	}
}

// loadData fetches fresh data after a randomized delay and stores it.
// Errors are returned to the caller, which owns the failure handling.
func (c *Controller) loadData(ctx context.Context) error {
	if err := c.opts.Sleep(ctx, c.opts.Jitter(c.opts.MinDelay, c.opts.MaxDelay)); err != nil {
		return err
	}

	data, err := c.fetcher.FetchData(ctx)
	if err != nil {
		return err
	}

	c.store.Set(DataKey, data)
	c.succeed(*data, false)
	return nil
}

func (c *Controller) succeed(data api.DataResponse, fromCache bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retryCount = 0
	c.state = StateSuccess
	c.renderer.RenderSuccess(SuccessView{
		Status:    data.Status,
		Timestamp: data.Timestamp,
		Message:   data.Message,
		Count:     data.Data.Count,
		FromCache: fromCache,
	})
}

// handleError counts a failure and renders the error or exhausted view
func (c *Controller) handleError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logrus.Errorf("Application error: %v", err)

	if c.retryCount < c.opts.MaxRetries {
		c.retryCount++
	}

	view := ErrorView{
		Offline:    !c.online || errors.Is(err, ErrOffline),
		RetryCount: c.retryCount,
		MaxRetries: c.opts.MaxRetries,
		Err:        err,
	}
	if c.retryCount >= c.opts.MaxRetries {
		c.state = StateExhausted
		view.Exhausted = true
		view.Err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	} else {
		c.state = StateError
	}
	c.renderer.RenderError(view)
}

// Retry reloads after a backoff of retryCount steps.
// It does nothing once retries are exhausted or while a load is in flight.
func (c *Controller) Retry(ctx context.Context) {
	if !c.beginLoading(false, true) {
		return
	}
	defer c.endLoading()
	backoff := time.Duration(c.RetryCount()) * c.opts.BackoffStep

	if err := c.opts.Sleep(ctx, backoff); err != nil {
		c.handleError(err)
		return
	}
	if err := c.loadData(ctx); err != nil {
		c.handleError(err)
	}
}

// Refresh drops the cached payload and the failure count, then reloads
func (c *Controller) Refresh(ctx context.Context) {
	if !c.beginLoading(true, false) {
		return
	}
	defer c.endLoading()
	c.store.Delete(DataKey)

	if err := c.loadData(ctx); err != nil {
		c.handleError(err)
	}
}

// ClearCache empties the store and renders a synthetic success without touching the network
func (c *Controller) ClearCache(ctx context.Context) {
	c.store.Clear()

	c.succeed(api.DataResponse{
		Status:    "success",
		Timestamp: c.opts.Now().Format(api.DisplayTimeLayout),
		Message:   "Cache cleared",
		Data:      api.Data{Count: 0},
	}, false)
}

// Online handles connectivity coming back. An exhausted controller starts over;
// one with pending failures retries.
func (c *Controller) Online(ctx context.Context) {
	c.mu.Lock()
	c.online = true
	state, count := c.state, c.retryCount
	c.mu.Unlock()

	logrus.Infof("Connectivity restored")
	switch {
	case state == StateExhausted:
		if !c.beginLoading(true, false) {
			return
		}
		defer c.endLoading()
		if err := c.loadData(ctx); err != nil {
			c.handleError(err)
		}
	case count > 0:
		c.Retry(ctx)
	}
}

// Offline handles connectivity loss by rendering the offline error immediately.
// A load in flight keeps running and renders its own outcome.
func (c *Controller) Offline(ctx context.Context) {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()

	c.handleError(ErrOffline)
}
