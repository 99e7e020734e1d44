// Package testutil provides a mock Home Assistant server for end-to-end
// tests: the WebSocket API used for reads, events and service calls, and the
// REST states endpoint used for entity writes.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) writeJSON(v interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(v)
}

// MockHAServer simulates a Home Assistant instance
type MockHAServer struct {
	server       *httptest.Server
	token        string
	states       map[string]*EntityState
	statesMu     sync.RWMutex
	connections  []*connWrapper
	connsMu      sync.Mutex
	serviceCalls []ServiceCall
	stateWrites  []StateWrite
	callsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

type stateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// NewMockHAServer starts a mock server accepting token.
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:  token,
		states: make(map[string]*EntityState),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	mux.HandleFunc("POST /api/states/{entity_id}", s.handlePostState)
	s.server = httptest.NewServer(mux)
	return s
}

// WebSocketURL is the URL passed to the client.
func (s *MockHAServer) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the server.
func (s *MockHAServer) Stop() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	s.server.Close()
}

// SetState sets a state and broadcasts the change event
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	if oldState != nil && oldState.State == state {
		newState.LastChanged = oldState.LastChanged
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState returns the stored state, nil if absent.
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

func (s *MockHAServer) handlePostState(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		State      string                 `json:"state"`
		Attributes map[string]interface{} `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	entityID := r.PathValue("entity_id")
	created := s.GetState(entityID) == nil

	s.callsMu.Lock()
	s.stateWrites = append(s.stateWrites, StateWrite{
		Timestamp:  time.Now(),
		EntityID:   entityID,
		State:      body.State,
		Attributes: body.Attributes,
	})
	s.callsMu.Unlock()

	s.SetState(entityID, body.State, body.Attributes)

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(s.GetState(entityID))
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	wrapper := &connWrapper{conn: conn}

	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.writeJSON(Message{Type: "auth_required"})

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.writeJSON(Message{Type: "auth_invalid"})
		return
	}
	wrapper.writeJSON(Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "subscribe_events":
			wrapper.writeJSON(result(req.ID, nil))
		case "get_states":
			wrapper.writeJSON(result(req.ID, s.allStates()))
		case "call_service":
			s.handleCallService(req)
			wrapper.writeJSON(result(req.ID, nil))
		}
	}
}

func result(id int, payload interface{}) Message {
	success := true
	msg := Message{ID: id, Type: "result", Success: &success}
	if payload != nil {
		msg.Result, _ = json.Marshal(payload)
	}
	return msg
}

func (s *MockHAServer) allStates() []*EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()

	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	return states
}

// handleCallService records the call. persistent_notification calls and
// input_button presses also update states the way Home Assistant does.
func (s *MockHAServer) handleCallService(req request) {
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	switch req.Domain {
	case "persistent_notification":
		id, _ := req.ServiceData["notification_id"].(string)
		entityID := "persistent_notification." + id
		if req.Service == "create" {
			s.SetState(entityID, "notifying", map[string]interface{}{
				"message": req.ServiceData["message"],
				"title":   req.ServiceData["title"],
			})
		} else if req.Service == "dismiss" {
			s.statesMu.Lock()
			delete(s.states, entityID)
			s.statesMu.Unlock()
		}
	case "input_button":
		entityID, _ := req.ServiceData["entity_id"].(string)
		if req.Service == "press" && entityID != "" {
			s.SetState(entityID, time.Now().UTC().Format(time.RFC3339Nano), map[string]interface{}{})
		}
	}
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	data, _ := json.Marshal(stateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})
	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeJSON(msg)
	}
}

// GetServiceCalls returns every service call received
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// GetStateWrites returns every REST state write received
func (s *MockHAServer) GetStateWrites() []StateWrite {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	writes := make([]StateWrite, len(s.stateWrites))
	copy(writes, s.stateWrites)
	return writes
}

// ClearHistory resets the service call and state write logs
func (s *MockHAServer) ClearHistory() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
	s.stateWrites = nil
}
