package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/litmus-labs/litmus/pkg/events"
	"go.uber.org/zap"
)

const (
	pingInterval   = 30 * time.Second
	readTimeout    = 60 * time.Second
	maxHistory     = 500
	defaultHistory = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe", "unsubscribe", "state" or "history"
	Type   string `json:"type"`   // event type, or "*" for all
	Count  int64  `json:"count"`  // history length
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"`    // an event type, "subscribed", "unsubscribed", "error"
	Payload interface{} `json:"payload"` // Event-specific data
}

// clientSubscriptions tracks what event types a client is subscribed to.
type clientSubscriptions struct {
	mu    sync.RWMutex
	types map[string]bool
}

// NewClientSubscriptions creates a tracker subscribed to every event type.
func NewClientSubscriptions() *clientSubscriptions {
	return &clientSubscriptions{types: map[string]bool{"*": true}}
}

func (cs *clientSubscriptions) Subscribe(typ string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.types[typ] = true
}

func (cs *clientSubscriptions) Unsubscribe(typ string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.types, typ)
}

// IsSubscribed checks if an event type is subscribed. Wildcard (*) matches all types.
func (cs *clientSubscriptions) IsSubscribed(typ string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.types["*"] || cs.types[typ]
}

// HandleWebSocket upgrades the connection and streams state changes.
//
// Protocol:
// Client sends: {"action": "subscribe", "type": "era.validated"}
// Client sends: {"action": "unsubscribe", "type": "*"}
// Client sends: {"action": "state"}                  // current state snapshot
// Client sends: {"action": "history", "count": 20}   // recent events, Redis only
//
// Server sends the current state on connect, then every event as
// {"type": "<event type>", "payload": {...}}.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := NewClientSubscriptions()
	send := make(chan ServerMessage, 256)
	send <- ServerMessage{Type: events.TypeState, Payload: c.App.State.Snapshot()}

	source, stop := c.eventSource(ctx)
	defer stop()

	recovered := func(name string) {
		if rec := recover(); rec != nil {
			c.App.Logger.Error("Panic in WebSocket goroutine",
				zap.String("goroutine", name),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
				zap.String("remote_addr", r.RemoteAddr))
			cancel()
		}
	}

	// producers write to send until ctx is done
	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		defer recovered("forward")
		c.forwardEvents(ctx, source, send, subs)
	}()
	go func() {
		defer producers.Done()
		defer recovered("ping")
		c.sendPings(ctx, conn)
	}()

	// unblock the reader once anything else gives up
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer recovered("writer")
		c.writeMessages(conn, send, cancel)
	}()

	// blocks until the connection closes
	c.readClientMessages(ctx, conn, cancel, subs, send)

	cancel()
	stop()
	producers.Wait()
	close(send)
	<-writerDone

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// eventSource relays events from Redis when it is enabled, so every replica sees every
// event, and from the in-process hub otherwise.
func (c *Controller) eventSource(ctx context.Context) (<-chan events.Event, func()) {
	if c.App.RedisClient == nil {
		return c.App.Hub.Subscribe()
	}

	pubsub := c.App.RedisClient.Subscribe(ctx)
	out := make(chan events.Event, 256)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.App.Logger.Warn("Failed to parse Redis message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				c.App.Logger.Debug("Error closing Redis subscription", zap.Error(err))
			}
		})
	}
}

func (c *Controller) forwardEvents(ctx context.Context, source <-chan events.Event, send chan<- ServerMessage, subs *clientSubscriptions) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-source:
			if !ok {
				return
			}
			if !subs.IsSubscribed(ev.Type) {
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: ev.Type, Payload: ev.Payload}) {
				return
			}
		}
	}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendPings sends periodic WebSocket PING frames to keep the connection alive.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages writes messages from the send channel to the WebSocket connection.
func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage, cancel context.CancelFunc) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			cancel()
			return
		}
	}
}

// readClientMessages handles client requests and detects connection closure.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *clientSubscriptions, send chan<- ServerMessage) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.App.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			c.App.Logger.Error("Failed to reset read deadline", zap.Error(err))
			return
		}

		var reply []ServerMessage
		switch msg.Action {
		case "subscribe", "unsubscribe":
			if msg.Type == "" {
				reply = append(reply, errorMessage("type is required"))
				break
			}
			if msg.Action == "subscribe" {
				subs.Subscribe(msg.Type)
			} else {
				subs.Unsubscribe(msg.Type)
			}
			reply = append(reply, ServerMessage{Type: msg.Action + "d", Payload: map[string]string{"type": msg.Type}})
		case "state":
			reply = append(reply, ServerMessage{Type: events.TypeState, Payload: c.App.State.Snapshot()})
		case "history":
			reply = append(reply, c.history(ctx, msg.Count)...)
		default:
			reply = append(reply, errorMessage("unknown action: "+msg.Action))
		}
		for _, m := range reply {
			if !trySend(ctx, send, m) {
				return
			}
		}
	}
}

// history replays the newest events kept in the Redis stream, oldest first.
func (c *Controller) history(ctx context.Context, count int64) []ServerMessage {
	if c.App.RedisClient == nil {
		return []ServerMessage{errorMessage("history not available (Redis disabled)")}
	}
	if count <= 0 {
		count = defaultHistory
	}
	count = min(count, maxHistory)

	msgs, err := c.App.RedisClient.Recent(ctx, count)
	if err != nil {
		c.App.Logger.Warn("Failed to read event history", zap.Error(err))
		return []ServerMessage{errorMessage("history unavailable")}
	}
	out := make([]ServerMessage, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["payload"].(string)
		var ev events.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ServerMessage{Type: ev.Type, Payload: ev.Payload})
	}
	return out
}

func errorMessage(msg string) ServerMessage {
	return ServerMessage{Type: "error", Payload: map[string]string{"message": msg}}
}
