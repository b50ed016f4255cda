package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chomp/internal/eventbus"
	"chomp/internal/runtime"
)

// Hub fans stored ingestion records out to WebSocket clients. Clients pick
// ingesters with {"subscribe": ["name", ...]}; an empty subscription means
// everything.
type Hub struct {
	rt         *runtime.Runtime
	register   chan *Client
	unregister chan *Client
	mutex      sync.Mutex
	clients    map[*Client]bool
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]bool
}

func newHub(rt *runtime.Runtime) *Hub {
	return &Hub{
		rt:         rt,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (c *Client) wants(ingester string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics) == 0 || c.topics[ingester]
}

func (h *Hub) run(ctx context.Context) {
	records := make(chan eventbus.Record, 256)
	h.rt.Bus.Subscribe(eventbus.All, records)
	defer h.rt.Bus.Unsubscribe(eventbus.All, records)

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
		case rec := <-records:
			payload, err := json.Marshal(map[string]any{
				"ingester":  rec.Ingester,
				"timestamp": rec.Timestamp,
				"fields":    rec.Fields,
			})
			if err != nil {
				continue
			}
			h.mutex.Lock()
			for client := range h.clients {
				if !client.wants(rec.Ingester) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("[Server] WebSocket upgrade error:", err)
		return
	}

	client := &Client{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: map[string]bool{},
	}
	s.hub.register <- client

	pingInterval := s.rt.Args.WSPingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	pingTimeout := s.rt.Args.WSPingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}

	// Writer: fan-out payloads plus keepalive pings.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer func() {
			ticker.Stop()
			s.hub.unregister <- client
			conn.Close()
		}()
		for {
			select {
			case message, ok := <-client.send:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-ticker.C:
				deadline := time.Now().Add(pingTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	// Reader: subscription updates and liveness.
	go func() {
		defer conn.Close()
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		})
		conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Subscribe []string `json:"subscribe"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			client.mu.Lock()
			client.topics = map[string]bool{}
			for _, name := range msg.Subscribe {
				client.topics[name] = true
			}
			client.mu.Unlock()
		}
	}()
}
