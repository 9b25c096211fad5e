package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// frame is the wire envelope for every event in either direction.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebsocketTransport implements Transport over a single websocket connection
// to the Chatbuddy realtime backend. Handlers run on the read-loop goroutine;
// writes are serialized with a mutex as required by gorilla/websocket.
type WebsocketTransport struct {
	url string

	writeMu sync.Mutex
	conn    *websocket.Conn

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	done      chan struct{}
	closeOnce sync.Once
}

// NewWebsocketTransport creates a transport for the given websocket URL.
// No connection is made until Connect is called.
func NewWebsocketTransport(url string) (*WebsocketTransport, error) {
	if url == "" {
		return nil, fmt.Errorf("transport URL cannot be empty")
	}
	return &WebsocketTransport{
		url:      url,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}, nil
}

// Connect dials the backend, announces the owner identity and starts the
// read loop.
func (t *WebsocketTransport) Connect(ctx context.Context, identity Identity) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial transport %s: %w", t.url, err)
	}
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()

	if err := t.Emit(EventConnectAsOwner, identity); err != nil {
		conn.Close()
		return fmt.Errorf("failed to announce owner identity: %w", err)
	}

	log.Info().
		Str("url", t.url).
		Str("chatbotId", identity.ChatbotID).
		Str("deviceId", identity.DeviceID).
		Msg("Transport connected")

	go t.readLoop()
	return nil
}

// Emit sends a named event with the given payload.
func (t *WebsocketTransport) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("transport not connected")
	}
	if err := t.conn.WriteJSON(frame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}
	log.Debug().Str("event", event).Msg("Emitted transport event")
	return nil
}

// On registers the handler for an inbound event, replacing any previous one.
func (t *WebsocketTransport) On(event string, handler Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handlers[event] = handler
}

// Off unregisters the handler for an inbound event.
func (t *WebsocketTransport) Off(event string) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	delete(t.handlers, event)
}

// Close tears down the connection and stops the read loop.
func (t *WebsocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.writeMu.Unlock()
	})
	return err
}

func (t *WebsocketTransport) readLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		var f frame
		if err := t.conn.ReadJSON(&f); err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.Error().Err(err).Msg("Transport read failed, stopping read loop")
			return
		}

		if f.Event == "" {
			log.Warn().Msg("Received transport frame without event name")
			continue
		}

		t.handlerMu.RLock()
		handler, ok := t.handlers[f.Event]
		t.handlerMu.RUnlock()
		if !ok {
			log.Debug().Str("event", f.Event).Msg("No handler registered for transport event")
			continue
		}
		handler(f.Data)
	}
}
