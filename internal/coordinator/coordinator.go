// Package coordinator implements a polling cache: one fetch function called on
// a fixed interval, the last good result kept, and every listener notified
// after each refresh.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nwsdetailedforecast/internal/clock"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 60 * time.Second

	// DefaultRequestCooldown debounces RequestRefresh calls.
	DefaultRequestCooldown = 10 * time.Second
)

var (
	// ErrUpdateFailed wraps every fetch error surfaced by Refresh.
	ErrUpdateFailed = errors.New("update failed")

	// ErrNotReady is returned by FirstRefresh when the initial fetch fails.
	ErrNotReady = errors.New("not ready")

	// ErrShutdown is returned by Refresh after Shutdown.
	ErrShutdown = errors.New("coordinator shut down")
)

// FetchFunc retrieves fresh data.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// RefreshResult describes one completed refresh.
type RefreshResult struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	clock    clock.Clock
	timeout  time.Duration
	cooldown time.Duration
	hook     func(RefreshResult)
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTimeout overrides the per-fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRequestCooldown overrides the RequestRefresh debounce window.
func WithRequestCooldown(d time.Duration) Option {
	return func(o *options) { o.cooldown = d }
}

// WithRefreshHook registers a callback invoked after every refresh.
func WithRefreshHook(fn func(RefreshResult)) Option {
	return func(o *options) { o.hook = fn }
}

// Coordinator fetches data of type T and fans it out to listeners.
type Coordinator[T any] struct {
	name     string
	interval time.Duration
	fetch    FetchFunc[T]
	logger   *zap.Logger
	opts     options

	mu                sync.RWMutex
	data              T
	hasData           bool
	lastUpdateSuccess bool
	lastErr           error
	lastUpdated       time.Time
	loggedFailure     bool

	listenersMu    sync.Mutex
	listeners      map[int]func()
	nextListenerID int
	timer          clock.Timer
	shutdown       bool

	requestMu      sync.Mutex
	lastRequest    time.Time
	requestPending clock.Timer

	flight singleflight.Group
}

// New creates a coordinator. Nothing is fetched until Refresh, FirstRefresh
// or the first listener arrives.
func New[T any](name string, interval time.Duration, fetch FetchFunc[T], logger *zap.Logger, opts ...Option) *Coordinator[T] {
	o := options{
		clock:    clock.NewRealClock(),
		timeout:  DefaultTimeout,
		cooldown: DefaultRequestCooldown,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Coordinator[T]{
		name:      name,
		interval:  interval,
		fetch:     fetch,
		logger:    logger.Named("coordinator").With(zap.String("name", name)),
		opts:      o,
		listeners: make(map[int]func()),
	}
}

// Name returns the coordinator name.
func (c *Coordinator[T]) Name() string {
	return c.name
}

// Interval returns the refresh interval.
func (c *Coordinator[T]) Interval() time.Duration {
	return c.interval
}

// Data returns the cached result and whether any fetch has succeeded yet.
func (c *Coordinator[T]) Data() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.hasData
}

// LastUpdateSuccess reports whether the most recent refresh succeeded.
func (c *Coordinator[T]) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdateSuccess
}

// LastError returns the error of the most recent refresh, nil on success.
func (c *Coordinator[T]) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastUpdated returns when data was last replaced.
func (c *Coordinator[T]) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// AddListener registers fn to be called after every refresh. The first
// listener starts the refresh timer; removing the last one stops it.
func (c *Coordinator[T]) AddListener(fn func()) (remove func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = fn

	if len(c.listeners) == 1 && !c.shutdown {
		c.scheduleLocked()
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeListener(id) })
	}
}

func (c *Coordinator[T]) removeListener(id int) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.listeners, id)
	if len(c.listeners) == 0 {
		c.unscheduleLocked()
	}
}

// ListenerCount returns the number of registered listeners.
func (c *Coordinator[T]) ListenerCount() int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.listeners)
}

// FirstRefresh performs the initial fetch and returns ErrNotReady if it fails.
func (c *Coordinator[T]) FirstRefresh(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotReady, c.name, err)
	}
	return nil
}

// Refresh fetches now. Concurrent callers share one in-flight fetch. Fetch
// errors are returned wrapped in ErrUpdateFailed; cached data survives them.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	c.listenersMu.Lock()
	closed := c.shutdown
	c.listenersMu.Unlock()
	if closed {
		return ErrShutdown
	}

	_, err, _ := c.flight.Do("refresh", func() (interface{}, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Coordinator[T]) refresh(ctx context.Context) error {
	c.unschedule()

	started := c.opts.clock.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	data, err := c.fetch(fetchCtx)
	cancel()
	duration := c.opts.clock.Since(started)

	if err != nil {
		err = fmt.Errorf("%w: Error communicating with API: %v", ErrUpdateFailed, err)
	}

	c.mu.Lock()
	if err != nil {
		c.lastUpdateSuccess = false
		c.lastErr = err
		if !c.loggedFailure {
			c.logger.Error("Error fetching data", zap.Error(err))
			c.loggedFailure = true
		} else {
			c.logger.Debug("Error fetching data", zap.Error(err))
		}
	} else {
		if c.loggedFailure {
			c.logger.Info("Fetching data recovered")
		}
		c.loggedFailure = false
		c.data = data
		c.hasData = true
		c.lastUpdateSuccess = true
		c.lastErr = nil
		c.lastUpdated = c.opts.clock.Now()
		c.logger.Debug("Finished fetching data", zap.Duration("duration", duration))
	}
	c.mu.Unlock()

	if c.opts.hook != nil {
		c.opts.hook(RefreshResult{
			Name:     c.name,
			Started:  started,
			Duration: duration,
			Err:      err,
		})
	}

	c.notifyListeners()
	c.schedule()

	return err
}

// RequestRefresh asks for a refresh, collapsing calls that arrive within the
// cooldown window into one trailing refresh.
func (c *Coordinator[T]) RequestRefresh(ctx context.Context) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if c.requestPending != nil {
		return
	}

	now := c.opts.clock.Now()
	wait := c.opts.cooldown - now.Sub(c.lastRequest)
	if c.lastRequest.IsZero() || wait <= 0 {
		c.lastRequest = now
		go c.refreshLogged(ctx)
		return
	}

	c.requestPending = c.opts.clock.AfterFunc(wait, func() {
		c.requestMu.Lock()
		c.requestPending = nil
		c.lastRequest = c.opts.clock.Now()
		c.requestMu.Unlock()

		c.refreshLogged(ctx)
	})
}

func (c *Coordinator[T]) refreshLogged(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrShutdown) {
		c.logger.Debug("Requested refresh failed", zap.Error(err))
	}
}

// Shutdown stops the timer and rejects further refreshes. Listeners are kept
// so callers can still remove them.
func (c *Coordinator[T]) Shutdown() {
	c.listenersMu.Lock()
	c.shutdown = true
	c.unscheduleLocked()
	c.listenersMu.Unlock()

	c.requestMu.Lock()
	if c.requestPending != nil {
		c.requestPending.Stop()
		c.requestPending = nil
	}
	c.requestMu.Unlock()
}

func (c *Coordinator[T]) notifyListeners() {
	c.listenersMu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for id := 0; id < c.nextListenerID; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *Coordinator[T]) schedule() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if len(c.listeners) == 0 || c.shutdown {
		return
	}
	c.scheduleLocked()
}

func (c *Coordinator[T]) scheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.opts.clock.AfterFunc(c.interval, func() {
		c.refreshLogged(context.Background())
	})
}

func (c *Coordinator[T]) unschedule() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.unscheduleLocked()
}

func (c *Coordinator[T]) unscheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
