package ha

import (
	"encoding/json"
	"sync"
	"time"
)

// Message is the envelope of every websocket frame exchanged with Home
// Assistant.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is the error object of a failed result frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage is sent in reply to auth_required.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is the payload of an event frame.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the data of a state_changed event.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is an entity state as reported by Home Assistant.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// StateUpdate is the body of POST /api/states/{entity_id}.
type StateUpdate struct {
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// request is any websocket command awaiting a result frame.
type request interface {
	messageID() int
}

// CallServiceRequest is the call_service command.
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

func (r *CallServiceRequest) messageID() int { return r.ID }

// GetStatesRequest is the get_states command.
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

func (r *GetStatesRequest) messageID() int { return r.ID }

// SubscribeEventsRequest is the subscribe_events command.
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

func (r *SubscribeEventsRequest) messageID() int { return r.ID }

// StateChangeHandler receives state changes of a subscribed entity.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription is an active state change subscription.
type Subscription interface {
	Unsubscribe() error
}

type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscriberSet tracks handlers per entity. Client and MockClient share it.
type subscriberSet struct {
	mu      sync.RWMutex
	nextID  int
	entries map[string][]subscriberEntry
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{entries: make(map[string][]subscriberEntry)}
}

func (s *subscriberSet) add(entityID string, handler StateChangeHandler) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.entries[entityID] = append(s.entries[entityID], subscriberEntry{subID: id, handler: handler})
	return id
}

func (s *subscriberSet) remove(entityID string, subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries[entityID]
	for i, e := range current {
		if e.subID != subID {
			continue
		}
		rest := append(append([]subscriberEntry(nil), current[:i]...), current[i+1:]...)
		if len(rest) == 0 {
			delete(s.entries, entityID)
		} else {
			s.entries[entityID] = rest
		}
		return
	}
}

func (s *subscriberSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]subscriberEntry)
}

func (s *subscriberSet) count(entityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[entityID])
}

// notify calls handlers outside the lock so they may unsubscribe.
func (s *subscriberSet) notify(entityID string, oldState, newState *State) {
	s.mu.RLock()
	handlers := append([]subscriberEntry(nil), s.entries[entityID]...)
	s.mu.RUnlock()

	for _, e := range handlers {
		e.handler(entityID, oldState, newState)
	}
}

type subscription struct {
	entityID string
	subID    int
	set      *subscriberSet
}

func (s *subscription) Unsubscribe() error {
	s.set.remove(s.entityID, s.subID)
	return nil
}
