package ha

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StateWrite records one SetState call on MockClient.
type StateWrite struct {
	EntityID   string
	State      string
	Attributes map[string]interface{}
	Time       time.Time
}

// ServiceCall records one CallService call on MockClient.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// MockClient is an in-memory HAClient for tests.
type MockClient struct {
	statesMu sync.RWMutex
	states   map[string]*State

	connMu    sync.RWMutex
	connected bool

	writesMu sync.Mutex
	writes   []StateWrite
	writeErr error

	callsMu sync.Mutex
	calls   []ServiceCall

	subs *subscriberSet
}

// NewMockClient creates a disconnected mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		states: make(map[string]*State),
		subs:   newSubscriberSet(),
	}
}

func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subs.clear()
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState returns a stored state for assertions.
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	s, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	return s, nil
}

func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, s := range m.states {
		states = append(states, s)
	}
	return states, nil
}

// CallService records the call.
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.calls = append(m.calls, ServiceCall{Domain: domain, Service: service, Data: data, Time: time.Now()})
	return nil
}

// ServiceCalls returns the recorded CallService calls.
func (m *MockClient) ServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]ServiceCall(nil), m.calls...)
}

func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	id := m.subs.add(entityID, handler)
	return &subscription{entityID: entityID, subID: id, set: m.subs}, nil
}

// SubscriberCount returns the number of handlers on entityID.
func (m *MockClient) SubscriberCount(entityID string) int {
	return m.subs.count(entityID)
}

// SetState records the write, stores the state and notifies subscribers.
func (m *MockClient) SetState(ctx context.Context, entityID, state string, attributes map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.writesMu.Lock()
	if m.writeErr != nil {
		err := m.writeErr
		m.writesMu.Unlock()
		return err
	}
	m.writes = append(m.writes, StateWrite{EntityID: entityID, State: state, Attributes: attributes, Time: time.Now()})
	m.writesMu.Unlock()

	m.SimulateStateChange(entityID, state, attributes)
	return nil
}

// FailWrites makes SetState return err until called again with nil.
func (m *MockClient) FailWrites(err error) {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	m.writeErr = err
}

// Writes returns the recorded SetState calls.
func (m *MockClient) Writes() []StateWrite {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	return append([]StateWrite(nil), m.writes...)
}

// ClearWrites forgets the recorded SetState calls.
func (m *MockClient) ClearWrites() {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	m.writes = nil
}

// SimulateStateChange stores a new state for entityID as if Home Assistant
// reported it, then notifies subscribers.
func (m *MockClient) SimulateStateChange(entityID, state string, attributes map[string]interface{}) {
	now := time.Now()

	m.statesMu.Lock()
	old := m.states[entityID]
	if attributes == nil {
		attributes = make(map[string]interface{})
		if old != nil {
			attributes = old.Attributes
		}
	}
	next := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = next
	m.statesMu.Unlock()

	m.subs.notify(entityID, old, next)
}
