package ha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer serves a Home Assistant websocket at /api/websocket.
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/api/websocket"
}

// acceptSession runs auth and acknowledges the state_changed subscription.
func acceptSession(t *testing.T, conn *websocket.Conn, token string) {
	require.NoError(t, conn.WriteJSON(Message{Type: "auth_required"}))

	var auth AuthMessage
	require.NoError(t, conn.ReadJSON(&auth))
	assert.Equal(t, "auth", auth.Type)
	assert.Equal(t, token, auth.AccessToken)
	require.NoError(t, conn.WriteJSON(Message{Type: "auth_ok"}))

	var sub SubscribeEventsRequest
	require.NoError(t, conn.ReadJSON(&sub))
	assert.Equal(t, "state_changed", sub.EventType)
	ok := true
	require.NoError(t, conn.WriteJSON(Message{ID: sub.ID, Type: "result", Success: &ok}))
}

func answerGetStates(t *testing.T, conn *websocket.Conn, states []*State) {
	var req GetStatesRequest
	require.NoError(t, conn.ReadJSON(&req))
	assert.Equal(t, "get_states", req.Type)

	raw, err := json.Marshal(states)
	require.NoError(t, err)
	ok := true
	require.NoError(t, conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &ok, Result: raw}))
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			acceptSession(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		assert.True(t, client.IsConnected())

		require.NoError(t, client.Disconnect())
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})
			var auth AuthMessage
			conn.ReadJSON(&auth)
			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", logger)
		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			acceptSession(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")
	})
}

func TestClient_GetStates(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn, token)
		states := []*State{
			{EntityID: "input_button.nws_refresh", State: "2024-06-01T12:00:00+00:00"},
			{EntityID: "sensor.home_temperature", State: "71"},
		}
		answerGetStates(t, conn, states)
		answerGetStates(t, conn, states)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	states, err := client.GetAllStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "input_button.nws_refresh", states[0].EntityID)

	states, err = client.GetAllStates()
	require.NoError(t, err)
	assert.Equal(t, "71", states[1].State)
}

func TestClient_CallService(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn, token)

		var req CallServiceRequest
		require.NoError(t, conn.ReadJSON(&req))
		assert.Equal(t, "persistent_notification", req.Domain)
		assert.Equal(t, "create", req.Service)
		assert.Equal(t, "nws_setup_abc", req.ServiceData["notification_id"])

		ok := false
		conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &ok, Error: &Error{Code: "not_found", Message: "Service not found"}})
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService("persistent_notification", "create", map[string]interface{}{
		"notification_id": "nws_setup_abc",
		"message":         "retrying",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestClient_GetAllStatesNotConnected(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	client := NewClient("ws://127.0.0.1:1/api/websocket", "t", logger)

	_, err := client.GetAllStates()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestClient_StateChangedEvents(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn, token)

		data, _ := json.Marshal(StateChangedEvent{
			EntityID: "input_button.nws_refresh",
			OldState: &State{EntityID: "input_button.nws_refresh", State: "a"},
			NewState: &State{EntityID: "input_button.nws_refresh", State: "b"},
		})
		conn.WriteJSON(Message{Type: "event", Event: &Event{EventType: "state_changed", Data: data}})

		other, _ := json.Marshal(StateChangedEvent{EntityID: "light.kitchen", NewState: &State{State: "on"}})
		conn.WriteJSON(Message{Type: "event", Event: &Event{EventType: "state_changed", Data: other}})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)

	received := make(chan string, 4)
	sub, err := client.SubscribeStateChanges("input_button.nws_refresh", func(entityID string, oldState, newState *State) {
		received <- newState.State
	})
	require.NoError(t, err)

	require.NoError(t, client.Connect())
	defer client.Disconnect()

	select {
	case s := <-received:
		assert.Equal(t, "b", s)
	case <-time.After(2 * time.Second):
		t.Fatal("state change not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, client.subs.count("input_button.nws_refresh"))
}

func TestClient_SetState(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	var gotPath, gotAuth string
	var gotBody StateUpdate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(wsURL(server), "secret", logger)
	err := client.SetState(context.Background(), "sensor.home_temperature", "71", map[string]interface{}{
		"unit_of_measurement": "°F",
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/states/sensor.home_temperature", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "71", gotBody.State)
	assert.Equal(t, "°F", gotBody.Attributes["unit_of_measurement"])
}

func TestClient_SetStateRejected(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient("ws://ignored/api/websocket", "bad", logger, WithRESTBase(server.URL+"/"))
	err := client.SetState(context.Background(), "weather.home", "sunny", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
	assert.Contains(t, err.Error(), "weather.home")
}

func TestRESTBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://homeassistant.local:8123/api/websocket", "http://homeassistant.local:8123"},
		{"wss://ha.example.com/api/websocket", "https://ha.example.com"},
		{"wss://ha.example.com/proxy/api/websocket/", "https://ha.example.com/proxy"},
		{"http://10.0.0.2:8123", "http://10.0.0.2:8123"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RESTBase(tt.in))
		})
	}
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()

	t.Run("connection", func(t *testing.T) {
		assert.False(t, mock.IsConnected())
		require.NoError(t, mock.Connect())
		assert.True(t, mock.IsConnected())
		assert.Error(t, mock.Connect())
		require.NoError(t, mock.Disconnect())
		assert.False(t, mock.IsConnected())
	})

	t.Run("set state records and notifies", func(t *testing.T) {
		var seen []string
		sub, err := mock.SubscribeStateChanges("sensor.home_temperature", func(entityID string, oldState, newState *State) {
			seen = append(seen, newState.State)
		})
		require.NoError(t, err)

		require.NoError(t, mock.SetState(context.Background(), "sensor.home_temperature", "71", nil))
		require.NoError(t, mock.SetState(context.Background(), "sensor.home_temperature", "72", nil))
		assert.Equal(t, []string{"71", "72"}, seen)

		state, err := mock.GetState("sensor.home_temperature")
		require.NoError(t, err)
		assert.Equal(t, "72", state.State)
		assert.Len(t, mock.Writes(), 2)

		require.NoError(t, sub.Unsubscribe())
		assert.Equal(t, 0, mock.SubscriberCount("sensor.home_temperature"))

		mock.ClearWrites()
		assert.Empty(t, mock.Writes())
	})

	t.Run("failing writes", func(t *testing.T) {
		mock.FailWrites(errors.New("unauthorized"))
		assert.Error(t, mock.SetState(context.Background(), "weather.home", "sunny", nil))
		mock.FailWrites(nil)
		assert.NoError(t, mock.SetState(context.Background(), "weather.home", "sunny", nil))
	})

	t.Run("service calls", func(t *testing.T) {
		require.NoError(t, mock.CallService("persistent_notification", "dismiss", map[string]interface{}{"notification_id": "x"}))
		calls := mock.ServiceCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "dismiss", calls[0].Service)
	})

	t.Run("unknown entity", func(t *testing.T) {
		_, err := mock.GetState("nonexistent")
		assert.Error(t, err)
	})
}
