package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"nwsdetailedforecast/internal/entity"
	"nwsdetailedforecast/internal/ha"

	"go.uber.org/zap"
)

// Refresher refreshes every loaded entry.
type Refresher interface {
	RefreshAll(ctx context.Context)
}

// RefreshTrigger refreshes all entries whenever a Home Assistant entity
// changes state, typically an input_button pressed from a dashboard.
type RefreshTrigger struct {
	client    ha.HAClient
	entityID  string
	refresher Refresher
	logger    *zap.Logger

	mu  sync.Mutex
	sub ha.Subscription
}

// NewRefreshTrigger creates a trigger on entityID.
func NewRefreshTrigger(client ha.HAClient, entityID string, refresher Refresher, logger *zap.Logger) *RefreshTrigger {
	return &RefreshTrigger{
		client:    client,
		entityID:  entityID,
		refresher: refresher,
		logger:    logger.Named("refresh_trigger"),
	}
}

// Start subscribes to the trigger entity.
func (t *RefreshTrigger) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		return nil
	}

	t.checkEntity()

	sub, err := t.client.SubscribeStateChanges(t.entityID, t.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.entityID, err)
	}
	t.sub = sub
	t.logger.Info("Watching refresh entity", zap.String("entity_id", t.entityID))
	return nil
}

// checkEntity logs whether the trigger entity exists. A missing entity only
// warns, listing entities of the same domain; the subscription still fires
// once Home Assistant creates it.
func (t *RefreshTrigger) checkEntity() {
	states, err := t.client.GetAllStates()
	if err != nil {
		t.logger.Warn("Failed to read Home Assistant states", zap.Error(err))
		return
	}

	domain, _, _ := strings.Cut(t.entityID, ".")
	var sameDomain []string
	for _, s := range states {
		if s.EntityID == t.entityID {
			t.logger.Info("Refresh entity found",
				zap.String("entity_id", t.entityID),
				zap.String("state", s.State))
			return
		}
		if strings.HasPrefix(s.EntityID, domain+".") {
			sameDomain = append(sameDomain, s.EntityID)
		}
	}
	sort.Strings(sameDomain)

	t.logger.Warn("Refresh entity not found, waiting for it to appear",
		zap.String("entity_id", t.entityID),
		zap.Strings("same_domain", sameDomain))
}

// Stop unsubscribes.
func (t *RefreshTrigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		t.sub.Unsubscribe()
		t.sub = nil
	}
}

func (t *RefreshTrigger) handle(entityID string, oldState, newState *ha.State) {
	if newState == nil {
		return
	}
	if oldState != nil && oldState.State == newState.State {
		return
	}
	if newState.State == entity.StateUnavailable || newState.State == entity.StateUnknown {
		return
	}

	t.logger.Info("Refresh requested from Home Assistant",
		zap.String("entity_id", entityID),
		zap.String("state", newState.State))
	t.refresher.RefreshAll(context.Background())
}
