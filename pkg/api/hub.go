package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 15 * time.Second
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
	wsReadLimit    = 4 * 1024
)

// Event is one message on the websocket feed, mirroring storage mutations.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans events out to connected websocket clients, dropping slow
// consumers rather than blocking the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Broadcast enqueues an event for every connected client.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(event) {
			go h.remove(c)
		}
	}
}

// CloseAll disconnects every client, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "shutdown")
	}
}

func (h *Hub) register(conn *websocket.Conn, filter func(Event) bool) *wsClient {
	c := &wsClient{
		conn:   conn,
		send:   make(chan Event, 64),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan Event
	filter func(Event) bool
}

func (c *wsClient) enqueue(event Event) bool {
	if c.filter != nil && !c.filter(event) {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *wsClient) writeLoop(ctx context.Context) error {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *wsClient) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}

// handleWS upgrades the connection and relays storage events until the
// client disconnects. A sessionId query filters annotation events to one
// chat session; thread events carry no session and always pass.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logWarn("ws_accept", err.Error(), nil)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	var filter func(Event) bool
	if sessionID != "" {
		filter = func(event Event) bool {
			return event.SessionID == "" || event.SessionID == sessionID
		}
	}

	client := s.hub.register(conn, filter)
	ctx, cancel := context.WithCancel(r.Context())
	startWSPing(ctx, conn)

	go func() {
		defer cancel()
		// Drain client frames; the feed is one-directional.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	go func() {
		if err := client.writeLoop(ctx); err != nil {
			cancel()
		}
	}()

	<-ctx.Done()
	s.hub.remove(client)
	client.close(websocket.StatusNormalClosure, "shutdown")
}

func startWSPing(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
