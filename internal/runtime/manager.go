// Package runtime owns the lifecycle of loaded config entries: one NWS
// client, coordinator and set of platforms per entry.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"nwsdetailedforecast/internal/clock"
	"nwsdetailedforecast/internal/coordinator"
	"nwsdetailedforecast/internal/diagnostics"
	"nwsdetailedforecast/internal/entity"
	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/nws"
	"nwsdetailedforecast/internal/platform"
	"nwsdetailedforecast/internal/sun"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	initialRetryDelay = time.Second
	maxRetryDelay     = 5 * time.Minute
)

var (
	// ErrNotLoaded is returned for entries the manager does not hold.
	ErrNotLoaded = errors.New("config entry not loaded")

	// ErrAlreadyLoaded is returned when setting up a loaded entry.
	ErrAlreadyLoaded = errors.New("config entry already loaded")
)

// EntryState is the load state of an entry.
type EntryState string

const (
	StateSetupInProgress EntryState = "setup_in_progress"
	StateLoaded          EntryState = "loaded"
	StateSetupRetry      EntryState = "setup_retry"
	StateSetupError      EntryState = "setup_error"
)

// EntryStore is the persistence used by the manager.
type EntryStore interface {
	Get(ctx context.Context, entryID string) (*entry.Entry, error)
	List(ctx context.Context) ([]*entry.Entry, error)
	Delete(ctx context.Context, entryID string) error
}

// ForecasterFactory builds the NWS client of an entry. contact is the
// entry's api_key, sent in the User-Agent.
type ForecasterFactory func(contact string) nws.Forecaster

// Notifier raises persistent notifications in Home Assistant.
type Notifier interface {
	CallService(domain, service string, data map[string]interface{}) error
}

// Status is a snapshot of one entry.
type Status struct {
	EntryID           string     `json:"entry_id"`
	Title             string     `json:"title"`
	State             EntryState `json:"state"`
	SetupAttempts     int        `json:"setup_attempts"`
	NextRetry         time.Time  `json:"next_retry,omitempty"`
	LastUpdateSuccess bool       `json:"last_update_success"`
	LastUpdated       time.Time  `json:"last_updated,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	Platforms         []string   `json:"platforms"`
}

// Config wires a Manager.
type Config struct {
	Store         EntryStore
	Registry      *platform.Registry
	Writer        platform.StateWriter
	Notifier      Notifier
	Tracker       *diagnostics.Tracker
	NewForecaster ForecasterFactory
	Clock         clock.Clock
	Logger        *zap.Logger
	ReadOnly      bool
}

type loadedEntry struct {
	entry       *entry.Entry
	options     entry.Options
	coordinator *coordinator.Coordinator[*nws.Forecast]
	platforms   []platform.Platform
	state       EntryState
	attempts    int
	retryTimer  clock.Timer
	nextRetry   time.Time
	lastErr     error
	notified    bool
}

// Manager sets up, reloads and unloads config entries.
type Manager struct {
	store         EntryStore
	registry      *platform.Registry
	writer        platform.StateWriter
	notifier      Notifier
	tracker       *diagnostics.Tracker
	newForecaster ForecasterFactory
	clock         clock.Clock
	logger        *zap.Logger
	readOnly      bool

	mu      sync.Mutex
	entries map[string]*loadedEntry
}

// NewManager creates a manager. Registry defaults to platform.Global and
// Clock to the real clock.
func NewManager(cfg Config) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = platform.Global()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = diagnostics.NewTracker(diagnostics.DefaultHistorySize)
	}
	return &Manager{
		store:         cfg.Store,
		registry:      cfg.Registry,
		writer:        cfg.Writer,
		notifier:      cfg.Notifier,
		tracker:       cfg.Tracker,
		newForecaster: cfg.NewForecaster,
		clock:         cfg.Clock,
		logger:        cfg.Logger.Named("runtime"),
		readOnly:      cfg.ReadOnly,
		entries:       make(map[string]*loadedEntry),
	}
}

// Tracker returns the diagnostics tracker fed by every coordinator.
func (m *Manager) Tracker() *diagnostics.Tracker {
	return m.tracker
}

// SetupAll sets up every stored entry concurrently. Entries whose first
// refresh fails stay in setup_retry and are not reported as errors.
func (m *Manager) SetupAll(ctx context.Context) error {
	entries, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			err := m.Setup(gctx, e)
			if err == nil || errors.Is(err, coordinator.ErrNotReady) || errors.Is(err, ErrAlreadyLoaded) {
				return nil
			}
			return fmt.Errorf("failed to set up %s: %w", e.Title, err)
		})
	}
	return g.Wait()
}

// Setup loads e. If the first refresh fails the entry is kept in
// setup_retry, a retry is scheduled and the ErrNotReady error is returned.
func (m *Manager) Setup(ctx context.Context, e *entry.Entry) error {
	m.mu.Lock()
	if _, exists := m.entries[e.EntryID]; exists {
		m.mu.Unlock()
		return ErrAlreadyLoaded
	}

	opts := e.Effective()
	le := &loadedEntry{entry: e, options: opts, state: StateSetupInProgress}
	le.coordinator = m.newCoordinator(e, opts)
	m.entries[e.EntryID] = le
	m.mu.Unlock()

	m.tracker.Register(e.EntryID, e.Title)
	m.logger.Info("Setting up entry",
		zap.String("entry_id", e.EntryID),
		zap.String("title", e.Title),
		zap.String("station", opts.StationID),
		zap.String("grid", opts.GridCoords),
		zap.Duration("scan_interval", opts.ScanInterval.Duration()))

	return m.attempt(ctx, le)
}

func (m *Manager) newCoordinator(e *entry.Entry, opts entry.Options) *coordinator.Coordinator[*nws.Forecast] {
	forecaster := m.newForecaster(opts.APIKey)
	station, grid := opts.StationID, opts.GridCoords

	var coord *coordinator.Coordinator[*nws.Forecast]
	hook := func(res coordinator.RefreshResult) {
		rec := diagnostics.RefreshRecord{
			Timestamp:  res.Started,
			Success:    res.Err == nil,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		} else if data, ok := coord.Data(); ok && data != nil {
			rec.Periods = len(data.Periods)
		}
		m.tracker.Record(e.EntryID, rec)
	}

	coord = coordinator.New[*nws.Forecast](
		fmt.Sprintf("%s %s", station, grid),
		opts.ScanInterval.Duration(),
		func(ctx context.Context) (*nws.Forecast, error) {
			return forecaster.Forecast(ctx, station, grid)
		},
		m.logger,
		coordinator.WithClock(m.clock),
		coordinator.WithRefreshHook(hook),
	)
	return coord
}

// attempt runs the first refresh and, on success, starts the platforms.
func (m *Manager) attempt(ctx context.Context, le *loadedEntry) error {
	id := le.entry.EntryID
	m.tracker.RecordSetupAttempt(id)

	m.mu.Lock()
	le.attempts++
	le.retryTimer = nil
	m.mu.Unlock()

	if err := le.coordinator.FirstRefresh(ctx); err != nil {
		if !m.current(le) {
			return ErrNotLoaded
		}
		m.scheduleRetry(le, err)
		return err
	}

	platforms, err := m.startPlatforms(le)
	if err != nil {
		m.mu.Lock()
		le.state = StateSetupError
		le.lastErr = err
		m.mu.Unlock()
		m.logger.Error("Failed to start platforms", zap.String("entry_id", id), zap.Error(err))
		return err
	}

	m.mu.Lock()
	if m.entries[id] != le {
		m.mu.Unlock()
		for _, p := range platforms {
			p.Stop()
		}
		return ErrNotLoaded
	}
	le.platforms = platforms
	le.state = StateLoaded
	le.lastErr = nil
	le.nextRetry = time.Time{}
	notified := le.notified
	le.notified = false
	attempts := le.attempts
	m.mu.Unlock()

	if notified {
		m.notify("dismiss", id, "")
	}
	m.logger.Info("Entry loaded",
		zap.String("entry_id", id),
		zap.Int("attempts", attempts),
		zap.Int("platforms", len(platforms)))
	return nil
}

func (m *Manager) startPlatforms(le *loadedEntry) ([]platform.Platform, error) {
	pctx := &platform.Context{
		Entry:       le.entry,
		Options:     le.options,
		Coordinator: le.coordinator,
		Writer:      m.writer,
		Logger:      m.logger.With(zap.String("entry_id", le.entry.EntryID)),
		ReadOnly:    m.readOnly,
		Clock:       m.clock,
	}
	if le.options.Latitude != nil && le.options.Longitude != nil {
		calc := sun.NewCalculator(*le.options.Latitude, *le.options.Longitude, m.logger)
		pctx.Daylight = calc.IsDaylight
	}

	platforms, err := m.registry.Create(pctx, le.options.Platforms)
	if err != nil {
		return nil, err
	}

	for i, p := range platforms {
		if err := p.Start(); err != nil {
			for _, started := range platforms[:i] {
				started.Stop()
			}
			return nil, fmt.Errorf("failed to start platform %s: %w", p.Name(), err)
		}
	}
	return platforms, nil
}

// retryDelay doubles from one second per failed attempt up to five minutes.
func retryDelay(attempts int) time.Duration {
	d := initialRetryDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

func (m *Manager) scheduleRetry(le *loadedEntry, cause error) {
	m.mu.Lock()
	if m.entries[le.entry.EntryID] != le {
		m.mu.Unlock()
		return
	}
	delay := retryDelay(le.attempts)
	le.state = StateSetupRetry
	le.lastErr = cause
	le.nextRetry = m.clock.Now().Add(delay)
	le.retryTimer = m.clock.AfterFunc(delay, func() {
		if err := m.attempt(context.Background(), le); err != nil && !errors.Is(err, coordinator.ErrNotReady) {
			m.logger.Debug("Setup retry ended", zap.String("entry_id", le.entry.EntryID), zap.Error(err))
		}
	})
	firstFailure := !le.notified
	le.notified = true
	attempts := le.attempts
	m.mu.Unlock()

	m.logger.Warn("Entry not ready, retrying setup",
		zap.String("entry_id", le.entry.EntryID),
		zap.Int("attempt", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(cause))

	if firstFailure {
		m.notify("create", le.entry.EntryID,
			fmt.Sprintf("NWS forecast for %s is not ready, retrying: %v", le.entry.Title, cause))
	}
}

// notify creates or dismisses the setup notification of an entry.
func (m *Manager) notify(service, entryID, message string) {
	if m.notifier == nil {
		return
	}
	data := map[string]interface{}{"notification_id": "nwsdetailedforecast_setup_" + entryID}
	if message != "" {
		data["title"] = "NWS Detailed Forecast"
		data["message"] = message
	}
	if m.readOnly {
		m.logger.Info("READ-ONLY: Would call service",
			zap.String("service", "persistent_notification."+service),
			zap.String("entry_id", entryID))
		return
	}
	if err := m.notifier.CallService("persistent_notification", service, data); err != nil {
		m.logger.Warn("Failed to update setup notification", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (m *Manager) current(le *loadedEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[le.entry.EntryID] == le
}

// Unload stops an entry's platforms and coordinator and marks its entities
// unavailable. Errors publishing those states are aggregated.
func (m *Manager) Unload(entryID string) error {
	m.mu.Lock()
	le, ok := m.entries[entryID]
	if !ok {
		m.mu.Unlock()
		return ErrNotLoaded
	}
	delete(m.entries, entryID)
	if le.retryTimer != nil {
		le.retryTimer.Stop()
		le.retryTimer = nil
	}
	platforms := le.platforms
	notified := le.notified
	m.mu.Unlock()

	var errs error
	for _, p := range platforms {
		p.Stop()
		errs = multierr.Append(errs, m.markUnavailable(p))
	}
	le.coordinator.Shutdown()

	if notified {
		m.notify("dismiss", entryID, "")
	}
	m.logger.Info("Entry unloaded", zap.String("entry_id", entryID))
	return errs
}

func (m *Manager) markUnavailable(p platform.Platform) error {
	if m.readOnly || m.writer == nil {
		return nil
	}

	var errs error
	for _, e := range p.Entities() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.writer.SetState(ctx, e.EntityID(), entity.StateUnavailable, map[string]interface{}{
			"friendly_name": e.Name(),
		})
		cancel()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to mark %s unavailable: %w", e.EntityID(), err))
		}
	}
	return errs
}

// Reload unloads the entry if loaded and sets it up again from the store.
func (m *Manager) Reload(ctx context.Context, entryID string) error {
	if err := m.Unload(entryID); err != nil && !errors.Is(err, ErrNotLoaded) {
		m.logger.Warn("Errors while unloading entry for reload", zap.String("entry_id", entryID), zap.Error(err))
	}

	e, err := m.store.Get(ctx, entryID)
	if err != nil {
		return err
	}
	return m.Setup(ctx, e)
}

// Remove unloads the entry and deletes it from the store.
func (m *Manager) Remove(ctx context.Context, entryID string) error {
	var errs error
	if err := m.Unload(entryID); err != nil && !errors.Is(err, ErrNotLoaded) {
		errs = multierr.Append(errs, err)
	}
	if err := m.store.Delete(ctx, entryID); err != nil {
		return multierr.Append(errs, err)
	}
	m.tracker.Remove(entryID)
	return errs
}

// RequestRefresh asks the entry's coordinator for a debounced refresh. An
// entry waiting for a setup retry is retried immediately.
func (m *Manager) RequestRefresh(ctx context.Context, entryID string) error {
	m.mu.Lock()
	le, ok := m.entries[entryID]
	if !ok {
		m.mu.Unlock()
		return ErrNotLoaded
	}

	if le.state == StateSetupRetry && le.retryTimer != nil {
		if le.retryTimer.Stop() {
			le.retryTimer = nil
			m.mu.Unlock()
			go m.attempt(context.Background(), le)
			return nil
		}
	}
	m.mu.Unlock()

	// The refresh outlives the caller, usually an HTTP request.
	le.coordinator.RequestRefresh(context.WithoutCancel(ctx))
	return nil
}

// RefreshAll requests a refresh of every loaded entry.
func (m *Manager) RefreshAll(ctx context.Context) {
	for _, id := range m.ids() {
		if err := m.RequestRefresh(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
			m.logger.Warn("Failed to request refresh", zap.String("entry_id", id), zap.Error(err))
		}
	}
}

// Status returns the snapshot of one entry.
func (m *Manager) Status(entryID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	le, ok := m.entries[entryID]
	if !ok {
		return Status{}, ErrNotLoaded
	}
	return le.status(), nil
}

// List returns the snapshot of every held entry, ordered by title.
func (m *Manager) List() []Status {
	m.mu.Lock()
	result := make([]Status, 0, len(m.entries))
	for _, le := range m.entries {
		result = append(result, le.status())
	}
	m.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Title != result[j].Title {
			return result[i].Title < result[j].Title
		}
		return result[i].EntryID < result[j].EntryID
	})
	return result
}

// Forecast returns the cached forecast of an entry, nil before the first
// successful refresh.
func (m *Manager) Forecast(entryID string) (*nws.Forecast, error) {
	m.mu.Lock()
	le, ok := m.entries[entryID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotLoaded
	}

	data, ok := le.coordinator.Data()
	if !ok {
		return nil, nil
	}
	return data, nil
}

// Entities renders the current state of every entity of an entry.
func (m *Manager) Entities(entryID string) ([]entity.State, error) {
	m.mu.Lock()
	le, ok := m.entries[entryID]
	var platforms []platform.Platform
	if ok {
		platforms = append(platforms, le.platforms...)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotLoaded
	}

	states := make([]entity.State, 0)
	for _, p := range platforms {
		states = append(states, p.States()...)
	}
	return states, nil
}

// Shutdown unloads every entry.
func (m *Manager) Shutdown() error {
	var errs error
	for _, id := range m.ids() {
		if err := m.Unload(id); err != nil && !errors.Is(err, ErrNotLoaded) {
			errs = multierr.Append(errs, err)
		}
	}
	m.logger.Info("Runtime stopped")
	return errs
}

func (m *Manager) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (le *loadedEntry) status() Status {
	s := Status{
		EntryID:           le.entry.EntryID,
		Title:             le.entry.Title,
		State:             le.state,
		SetupAttempts:     le.attempts,
		NextRetry:         le.nextRetry,
		LastUpdateSuccess: le.coordinator.LastUpdateSuccess(),
		LastUpdated:       le.coordinator.LastUpdated(),
		Platforms:         make([]string, 0, len(le.platforms)),
	}
	if le.lastErr != nil {
		s.LastError = le.lastErr.Error()
	} else if err := le.coordinator.LastError(); err != nil {
		s.LastError = err.Error()
	}
	for _, p := range le.platforms {
		s.Platforms = append(s.Platforms, p.Name())
	}
	return s
}
