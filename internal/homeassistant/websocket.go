package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StateHandler receives state_changed events from the websocket stream.
// Handlers must be fast; slow handlers delay event dispatch.
type StateHandler func(entityID, oldState, newState string)

// WSClient maintains a websocket connection to the Home Assistant event
// bus. The entity index uses it to invalidate its cache when the home
// changes underneath a conversation.
type WSClient struct {
	wsURL  string
	token  string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   int
	handlers []StateHandler
	closed   bool
	done     chan struct{}
}

// wsMessage is the envelope for all websocket frames.
type wsMessage struct {
	ID          int             `json:"id,omitempty"`
	Type        string          `json:"type"`
	AccessToken string          `json:"access_token,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Event       json.RawMessage `json:"event,omitempty"`
}

// wsStateEvent is the payload of a state_changed event.
type wsStateEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string `json:"entity_id"`
		OldState *struct {
			State string `json:"state"`
		} `json:"old_state"`
		NewState *struct {
			State string `json:"state"`
		} `json:"new_state"`
	} `json:"data"`
}

// NewWSClient creates a websocket client for the given Home Assistant
// base URL. The http(s) scheme is rewritten to ws(s).
func NewWSClient(baseURL, token string, logger *slog.Logger) (*WSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/websocket"

	return &WSClient{
		wsURL:  u.String(),
		token:  token,
		logger: logger.With("component", "homeassistant.ws"),
		done:   make(chan struct{}),
	}, nil
}

// OnStateChange registers a handler for state_changed events. Handlers
// registered after Run has started still receive subsequent events.
func (w *WSClient) OnStateChange(h StateHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Run connects and dispatches events until ctx is cancelled or Close is
// called, reconnecting with backoff on failure. Per-connection errors
// are logged and retried, never returned; the return value is ctx.Err()
// on cancellation and nil after Close.
func (w *WSClient) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		default:
		}

		if err := w.connectAndRead(ctx); err != nil {
			w.logger.Warn("event stream disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// connectAndRead performs the auth handshake, subscribes to
// state_changed, and reads events until the connection drops.
func (w *WSClient) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := w.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.nextID = 1
	w.mu.Unlock()

	if err := w.subscribe(conn, "state_changed"); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	w.logger.Info("event stream connected")

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Type != "event" {
			continue
		}
		w.dispatch(msg.Event)
	}
}

// authenticate runs the auth_required / auth / auth_ok handshake.
func (w *WSClient) authenticate(conn *websocket.Conn) error {
	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("unexpected greeting type %q", hello.Type)
	}

	if err := conn.WriteJSON(wsMessage{Type: "auth", AccessToken: w.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var result wsMessage
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if result.Type != "auth_ok" {
		return fmt.Errorf("auth rejected: %s", result.Type)
	}
	return nil
}

// subscribe requests events of the given type and waits for the ack.
func (w *WSClient) subscribe(conn *websocket.Conn, eventType string) error {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.mu.Unlock()

	req := wsMessage{ID: id, Type: "subscribe_events", EventType: eventType}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Type != "result" || ack.Success == nil || !*ack.Success {
		return fmt.Errorf("subscribe %s not acknowledged", eventType)
	}
	return nil
}

// dispatch decodes a state_changed payload and fans it out to handlers.
func (w *WSClient) dispatch(raw json.RawMessage) {
	var ev wsStateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		w.logger.Debug("undecodable event", "error", err)
		return
	}
	if ev.EventType != "state_changed" || ev.Data.EntityID == "" {
		return
	}

	var oldState, newState string
	if ev.Data.OldState != nil {
		oldState = ev.Data.OldState.State
	}
	if ev.Data.NewState != nil {
		newState = ev.Data.NewState.State
	}

	w.mu.Lock()
	handlers := make([]StateHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		h(ev.Data.EntityID, oldState, newState)
	}
}

// Close stops the reconnect loop and closes any live connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
