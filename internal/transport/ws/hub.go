package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"soilwatch/internal/domain"
	"soilwatch/internal/logger"
)

// Hub maintains the set of live-feed clients and broadcasts accepted
// readings to them. Slow clients are dropped rather than allowed to
// back-pressure the pipeline.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	log        zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logger.WithComponent("ws_hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug().Str("remote", client.conn.RemoteAddr().String()).Msg("live client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// BroadcastReading pushes a reading to every connected client.
func (h *Hub) BroadcastReading(r *domain.Reading) {
	payload, err := json.Marshal(map[string]interface{}{"type": "reading", "payload": r})
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal reading for broadcast")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		// Nobody is keeping up; the live feed is best-effort.
	}
}
