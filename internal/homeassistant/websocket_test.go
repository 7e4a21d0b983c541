package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeEventBus upgrades the connection, performs the server side of the
// auth handshake, acks the subscription, then sends the given events.
func fakeEventBus(t *testing.T, events []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]any{"type": "auth_required"})

		var auth wsMessage
		if err := conn.ReadJSON(&auth); err != nil {
			t.Errorf("read auth: %v", err)
			return
		}
		if auth.Type != "auth" || auth.AccessToken != "test-token" {
			conn.WriteJSON(map[string]any{"type": "auth_invalid"})
			return
		}
		conn.WriteJSON(map[string]any{"type": "auth_ok"})

		var sub wsMessage
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		conn.WriteJSON(map[string]any{"id": sub.ID, "type": "result", "success": true})

		for _, ev := range events {
			conn.WriteMessage(websocket.TextMessage, []byte(ev))
		}

		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func TestWSClient_ReceivesStateChanges(t *testing.T) {
	event := `{"type":"event","event":{"event_type":"state_changed","data":{
		"entity_id":"light.kitchen",
		"old_state":{"state":"off"},
		"new_state":{"state":"on"}}}}`
	srv := httptest.NewServer(fakeEventBus(t, []string{strings.ReplaceAll(event, "\n", "")}))
	defer srv.Close()

	client, err := NewWSClient(srv.URL, "test-token", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	type change struct{ entity, from, to string }
	got := make(chan change, 1)
	client.OnStateChange(func(entityID, oldState, newState string) {
		got <- change{entityID, oldState, newState}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case c := <-got:
		if c.entity != "light.kitchen" || c.from != "off" || c.to != "on" {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no state change received")
	}
}

func TestWSClient_RunReturnsOnCancelAndClose(t *testing.T) {
	srv := httptest.NewServer(fakeEventBus(t, nil))
	defer srv.Close()

	client, err := NewWSClient(srv.URL, "test-token", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Run(ctx); err != context.Canceled {
		t.Errorf("Run after cancel = %v, want context.Canceled", err)
	}

	client2, err := NewWSClient(srv.URL, "test-token", nil)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- client2.Run(context.Background()) }()
	time.Sleep(100 * time.Millisecond)
	client2.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Close = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestWSClient_AuthRejected(t *testing.T) {
	srv := httptest.NewServer(fakeEventBus(t, nil))
	defer srv.Close()

	client, err := NewWSClient(srv.URL, "wrong-token", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.connectAndRead(ctx); err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestNewWSClient_SchemeRewrite(t *testing.T) {
	client, err := NewWSClient("https://ha.example.net/", "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if client.wsURL != "wss://ha.example.net/api/websocket" {
		t.Errorf("wsURL = %q", client.wsURL)
	}

	if _, err := NewWSClient("ftp://nope", "t", nil); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
