package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const roomPrefix = "chat:user:"

func roomChannel(userID int) string {
	return roomPrefix + strconv.Itoa(userID)
}

// Hub routes push frames to the connections that joined a user's room.
// Frames travel through Redis so every server instance sees them; Run is the
// only goroutine touching the client and room maps.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[int]map[*Client]bool
	broadcast  chan roomFrame // From Redis -> room members
	Register   chan *Client
	Unregister chan *Client
	join       chan *Client
	done       chan struct{} // closed when Run returns
	redis      *redis.Client
	log        *zap.Logger
}

func NewHub(redisClient *redis.Client, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[int]map[*Client]bool),
		broadcast:  make(chan roomFrame, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		join:       make(chan *Client),
		done:       make(chan struct{}),
		redis:      redisClient,
		log:        log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.Register:
			h.clients[client] = true

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case client := <-h.join:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			room := h.rooms[client.UserID]
			if room == nil {
				room = make(map[*Client]bool)
				h.rooms[client.UserID] = room
			}
			room[client] = true
			h.log.Debug("joined room", zap.Int("user_id", client.UserID))

		case frame := <-h.broadcast:
			for client := range h.rooms[frame.UserID] {
				select {
				case client.Send <- frame.Payload:
				default:
					// Too slow to keep up; it will reconcile on reconnect.
					h.drop(client)
				}
			}
		}
	}
}

// register adds client to the hub. It reports false once the hub has stopped.
func (h *Hub) register(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) joinRoom(client *Client) {
	select {
	case h.join <- client:
	case <-h.done:
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	if room := h.rooms[client.UserID]; room != nil {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, client.UserID)
		}
	}
	close(client.Send)
}

// Publish sends frame to every connection in userID's room, on any instance.
func (h *Hub) Publish(ctx context.Context, userID int, frame []byte) error {
	if err := h.redis.Publish(ctx, roomChannel(userID), frame).Err(); err != nil {
		return fmt.Errorf("publish to room %d: %w", userID, err)
	}
	return nil
}

// SubscribeToRedis feeds frames published by any instance into Run.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	pubsub := h.redis.PSubscribe(ctx, roomPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID, err := strconv.Atoi(strings.TrimPrefix(msg.Channel, roomPrefix))
			if err != nil {
				h.log.Warn("ignoring frame on unexpected channel", zap.String("channel", msg.Channel))
				continue
			}
			select {
			case h.broadcast <- roomFrame{UserID: userID, Payload: []byte(msg.Payload)}:
			case <-h.done:
				return
			}
		}
	}
}
