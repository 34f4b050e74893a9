package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/musig-trade/internal/monitor"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsMaxFrame     = 4096
	wsClientBuffer = 256
)

// EventType represents the type of WebSocket event.
type EventType string

const (
	// Trade events carry a protocol.Snapshot.
	EventTradeRound  EventType = "trade_round"
	EventTradeFailed EventType = "trade_failed"
	EventTradeClosed EventType = "trade_closed"

	// Chain events carry a monitor.Event.
	EventTxConfidence EventType = EventType(monitor.EventConfidence)
	EventSwapRevealed EventType = EventType(monitor.EventSwapRevealed)
	EventDepositSpent EventType = EventType(monitor.EventDepositSpent)
	EventRevealFailed EventType = EventType(monitor.EventRevealFailed)

	// Peer events
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
)

// WSEvent is a WebSocket event message. TradeID is set for trade and chain
// events.
type WSEvent struct {
	Type      EventType   `json:"type"`
	TradeID   string      `json:"trade_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription narrows the events a client receives. Events and Trades
// filter independently; an empty set lets everything through.
type WSSubscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events,omitempty"`
	Trades []string `json:"trades,omitempty"`
}

// tradeOf returns the trade an event payload belongs to.
func tradeOf(data interface{}) string {
	switch v := data.(type) {
	case protocol.Snapshot:
		return v.ID
	case *protocol.Snapshot:
		return v.ID
	case *TradeInfo:
		return v.ID
	case monitor.Event:
		return v.TradeID
	}
	return ""
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu     sync.RWMutex
	events map[EventType]bool
	trades map[string]bool
}

func (c *WSClient) wants(ev *WSEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) > 0 && !c.events[ev.Type] {
		return false
	}
	// Peer events have no trade and pass a trade filter.
	return len(c.trades) == 0 || ev.TradeID == "" || c.trades[ev.TradeID]
}

func (c *WSClient) apply(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Action {
	case "subscribe":
		for _, e := range sub.Events {
			c.events[EventType(e)] = true
		}
		for _, id := range sub.Trades {
			c.trades[id] = true
		}
	case "unsubscribe":
		for _, e := range sub.Events {
			delete(c.events, EventType(e))
		}
		for _, id := range sub.Trades {
			delete(c.trades, id)
		}
	default:
		c.hub.log.Debug("Unknown subscription action", "action", sub.Action)
	}
}

// WSHub fans events out to the connected clients.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]bool

	events     chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		events:     make(chan *WSEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run delivers events until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", n)

		case c := <-h.unregister:
			h.drop(c)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// deliver sends ev to every interested client. A client whose buffer is
// full is disconnected rather than slowing down the others.
func (h *WSHub) deliver(ev *WSEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	var slow []*WSClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Debug("Dropping slow WebSocket client", "event", ev.Type)
		h.drop(c)
	}
}

func (h *WSHub) drop(c *WSClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("WebSocket client disconnected", "clients", n)
}

// Stop ends Run and disconnects all clients.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues an event for the subscribed clients. Events are dropped
// when the queue is full.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	ev := &WSEvent{
		Type:      eventType,
		TradeID:   tradeOf(data),
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.events <- ev:
	default:
		h.log.Warn("Event queue full, dropping event", "type", eventType, "trade_id", ev.TradeID)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades the connection and registers the client with the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		conn:   conn,
		send:   make(chan []byte, wsClientBuffer),
		hub:    s.wsHub,
		events: make(map[EventType]bool),
		trades: make(map[string]bool),
	}

	select {
	case s.wsHub.register <- c:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies subscription requests until the connection closes.
func (c *WSClient) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxFrame)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			return
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.log.Debug("Ignoring malformed subscription", "error", err)
			continue
		}
		c.apply(&sub)
	}
}

// writeLoop writes one frame per event and pings the client.
func (c *WSClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
