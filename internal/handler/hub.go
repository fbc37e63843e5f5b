package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"barnsync/internal/events"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write an event to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. The feed is one-way, so
	// anything beyond control frames is noise.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan events.Event
}

// Hub fans the event bus out to connected websocket clients. The UI keeps
// one connection open and repaints badges and banners from the feed instead
// of polling the summary endpoints.
type Hub struct {
	bus         *events.Bus
	clients     map[*wsClient]bool
	register    chan *wsClient
	unregister  chan *wsClient
	broadcast   chan events.Event
	done        chan struct{}
	unsubscribe func()
}

// NewHub creates a hub subscribed to the full event feed.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{
		bus:        bus,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient, 64),
		broadcast:  make(chan events.Event, 256),
		done:       make(chan struct{}),
	}
	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		select {
		case h.broadcast <- e:
		default:
			// feed is best-effort, drop when the hub is backed up
		}
	}, events.AllTypes()...)
	return h
}

// Run dispatches events to clients until ctx is cancelled. On shutdown it
// unsubscribes from the bus and closes every client connection.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.unsubscribe()
		for client := range h.clients {
			close(client.send)
			client.conn.Close()
			delete(h.clients, client)
		}
		close(h.done)
	}()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case event := <-h.broadcast:
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				client.conn.Close()
			}

		case <-ctx.Done():
			return
		}
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan events.Event, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames. Clients never send application data on
// the feed; the pump exists to process control frames and detect closes.
func (c *wsClient) readPump() {
	defer func() {
		c.conn.Close()
		select {
		case c.hub.unregister <- c:
		default:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Flush whatever queued up behind this event.
			n := len(c.send)
			for i := 0; i < n; i++ {
				next := <-c.send
				data, err := json.Marshal(next)
				if err != nil {
					continue
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
