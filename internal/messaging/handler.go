package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/chat"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// Store is the persistence the handlers need; *Repository implements it.
type Store interface {
	SaveMessage(ctx context.Context, senderID int, in chat.OutgoingMessage) (chat.Message, bool, error)
	Conversation(ctx context.Context, selfID, peerID, limit int) ([]chat.Message, error)
	Conversations(ctx context.Context, selfID int) ([]chat.ConversationSummary, error)
	MarkRead(ctx context.Context, selfID, peerID int) (int64, error)
	DeleteMessage(ctx context.Context, selfID int, messageID int64) (chat.Message, error)
}

// Publisher delivers an encoded push frame to a user's room.
type Publisher interface {
	Publish(ctx context.Context, userID int, frame []byte) error
}

// Profiles resolves public user identities. We keep this narrow so the
// messaging package does not depend on the user package.
type Profiles interface {
	Profile(ctx context.Context, id int) (chat.Profile, error)
}

type Handler struct {
	hub      *Hub
	pub      Publisher
	store    Store
	profiles Profiles
	log      *zap.Logger
}

func NewHandler(hub *Hub, pub Publisher, store Store, profiles Profiles, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		hub:      hub,
		pub:      pub,
		store:    store,
		profiles: profiles,
		log:      log,
	}
}

// Routes mounts the message endpoints. Every route expects an authenticated
// user on the request context.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.SendMessage)
	r.Get("/conversations", h.ListConversations)
	r.Get("/{id}", h.GetHistory)
	r.Put("/{id}/read", h.MarkRead)
	r.Delete("/{id}", h.DeleteMessage)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	selfID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var in chat.OutgoingMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && in.Media == "" {
		http.Error(w, chat.ErrEmptyMessage.Error(), http.StatusBadRequest)
		return
	}
	receiverID, err := strconv.Atoi(in.ReceiverID)
	if err != nil || receiverID == selfID {
		http.Error(w, "invalid receiver", http.StatusBadRequest)
		return
	}

	receiver, err := h.profiles.Profile(r.Context(), receiverID)
	if err != nil {
		h.fail(w, "load receiver", err)
		return
	}
	sender, err := h.profiles.Profile(r.Context(), selfID)
	if err != nil {
		h.fail(w, "load sender", err)
		return
	}

	msg, created, err := h.store.SaveMessage(r.Context(), selfID, in)
	if err != nil {
		h.fail(w, "save message", err)
		return
	}
	msg.Sender = &sender
	msg.Receiver = &receiver

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		// A retried token was already pushed the first time round.
		h.push(r.Context(), receiverID, chat.EventNewMessage, viewFor(msg, msg.SenderID))
		h.push(r.Context(), selfID, chat.EventMessageSent, viewFor(msg, msg.ReceiverID))
	}
	writeJSON(w, status, sendResponse{Message: viewFor(msg, msg.ReceiverID)})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	selfID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	peerID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	partner, err := h.profiles.Profile(r.Context(), peerID)
	if err != nil {
		h.fail(w, "load partner", err)
		return
	}
	msgs, err := h.store.Conversation(r.Context(), selfID, peerID, limit)
	if err != nil {
		h.fail(w, "load conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs, Partner: partner})
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	selfID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.store.Conversations(r.Context(), selfID)
	if err != nil {
		h.fail(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: list})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	selfID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	peerID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}
	n, err := h.store.MarkRead(r.Context(), selfID, peerID)
	if err != nil {
		h.fail(w, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true, Updated: n})
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	selfID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	messageID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}
	msg, err := h.store.DeleteMessage(r.Context(), selfID, messageID)
	if err != nil {
		h.fail(w, "delete message", err)
		return
	}

	deleted := transport.Deleted{MessageID: msg.ID}
	h.push(r.Context(), selfID, chat.EventMessageDeleted, deleted)
	if receiverID, err := strconv.Atoi(msg.ReceiverID); err == nil {
		h.push(r.Context(), receiverID, chat.EventMessageDeleted, deleted)
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		Hub:    h.hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
		log:    h.log,
	}
	if !client.Hub.register(client) {
		h.log.Warn("hub stopped, closing websocket", zap.Int("user_id", userID))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// push is best effort: the message is already stored and clients that miss
// the frame pick it up on their next reconcile.
func (h *Handler) push(ctx context.Context, userID int, kind chat.EventKind, data interface{}) {
	frame, err := transport.Encode(string(kind), data)
	if err != nil {
		h.log.Error("encode push frame", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	if err := h.pub.Publish(ctx, userID, frame); err != nil {
		h.log.Warn("push failed", zap.String("event", string(kind)), zap.Int("user_id", userID), zap.Error(err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, chat.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.log.Error(op, zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// viewFor returns msg as seen from a user whose conversation partner is peerID.
func viewFor(msg chat.Message, peerID string) chat.Message {
	msg.PeerID = peerID
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
