// Package platform groups an entry's entities by kind and keeps their Home
// Assistant states in step with the entry's coordinator. Platform
// implementations register themselves from init(), so the set of available
// platforms is chosen at compile time by import.
package platform

import (
	"context"
	"sync"
	"time"

	"nwsdetailedforecast/internal/clock"
	"nwsdetailedforecast/internal/coordinator"
	"nwsdetailedforecast/internal/entity"
	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/nws"

	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// StateWriter publishes entity states.
type StateWriter interface {
	SetState(ctx context.Context, entityID, state string, attributes map[string]interface{}) error
}

// Platform is a running group of entities for one entry.
type Platform interface {
	Name() string
	Start() error
	Stop()
	Entities() []entity.Entity
	States() []entity.State
}

// Context provides dependencies to platform factories.
type Context struct {
	Entry *entry.Entry

	// Options is the entry's effective configuration.
	Options     entry.Options
	Coordinator *coordinator.Coordinator[*nws.Forecast]
	Writer      StateWriter
	Logger      *zap.Logger

	// ReadOnly logs state writes instead of sending them.
	ReadOnly bool
	Clock    clock.Clock

	// Daylight is set when the entry has coordinates.
	Daylight entity.DaylightFunc
}

// Factory creates a platform for an entry.
type Factory func(ctx *Context) (Platform, error)

// EntityPlatform writes the state of each of its entities after every
// coordinator refresh, skipping unchanged states.
type EntityPlatform struct {
	name        string
	entities    []entity.Entity
	coordinator *coordinator.Coordinator[*nws.Forecast]
	writer      StateWriter
	logger      *zap.Logger
	readOnly    bool
	clock       clock.Clock

	// updateMu serializes Update so a slower, older render is never
	// written after a newer one.
	updateMu sync.Mutex

	mu      sync.Mutex
	written map[string]entity.State
	remove  func()
}

// NewEntityPlatform creates a platform named name over entities.
func NewEntityPlatform(name string, ctx *Context, entities []entity.Entity) *EntityPlatform {
	c := ctx.Clock
	if c == nil {
		c = clock.NewRealClock()
	}
	return &EntityPlatform{
		name:        name,
		entities:    entities,
		coordinator: ctx.Coordinator,
		writer:      ctx.Writer,
		logger:      ctx.Logger.Named(name),
		readOnly:    ctx.ReadOnly,
		clock:       c,
		written:     make(map[string]entity.State),
	}
}

func (p *EntityPlatform) Name() string { return p.name }

// Start subscribes to the coordinator and writes the initial states.
func (p *EntityPlatform) Start() error {
	p.logger.Info("Starting platform", zap.Int("entities", len(p.entities)))

	p.mu.Lock()
	p.remove = p.coordinator.AddListener(p.Update)
	p.mu.Unlock()

	p.Update()
	return nil
}

// Stop unsubscribes from the coordinator.
func (p *EntityPlatform) Stop() {
	p.mu.Lock()
	remove := p.remove
	p.remove = nil
	p.mu.Unlock()

	if remove != nil {
		remove()
	}
	p.logger.Info("Stopped platform")
}

// Entities returns the platform's entities.
func (p *EntityPlatform) Entities() []entity.Entity {
	return p.entities
}

// States renders the current state of every entity.
func (p *EntityPlatform) States() []entity.State {
	forecast := p.forecast()
	now := p.clock.Now()

	states := make([]entity.State, 0, len(p.entities))
	for _, e := range p.entities {
		states = append(states, e.Render(forecast, now))
	}
	return states
}

// Update renders every entity and writes the ones whose state changed.
// Concurrent calls run one at a time.
func (p *EntityPlatform) Update() {
	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	forecast := p.forecast()
	now := p.clock.Now()

	for _, e := range p.entities {
		state := e.Render(forecast, now)

		p.mu.Lock()
		last, seen := p.written[state.EntityID]
		p.mu.Unlock()
		if seen && last.Equal(state) {
			continue
		}

		if p.readOnly {
			p.logger.Info("READ-ONLY: Would set entity state",
				zap.String("entity_id", state.EntityID),
				zap.String("state", state.State))
		} else if err := p.write(state); err != nil {
			p.logger.Error("Failed to write entity state",
				zap.String("entity_id", state.EntityID),
				zap.Error(err))
			continue
		}

		p.mu.Lock()
		p.written[state.EntityID] = state
		p.mu.Unlock()
	}
}

func (p *EntityPlatform) write(state entity.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.writer.SetState(ctx, state.EntityID, state.State, state.Attributes)
}

// forecast returns the cached forecast, nil while none has been fetched.
// Data stays available across failed refreshes.
func (p *EntityPlatform) forecast() *nws.Forecast {
	data, ok := p.coordinator.Data()
	if !ok {
		return nil
	}
	return data
}
