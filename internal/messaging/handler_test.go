package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/transport"
)

type memStore struct {
	mu     sync.Mutex
	nextID int
	msgs   []chat.Message
	tokens map[string]chat.Message
	read   map[[2]int]int64
}

func newMemStore() *memStore {
	return &memStore{tokens: map[string]chat.Message{}, read: map[[2]int]int64{}}
}

func (s *memStore) SaveMessage(_ context.Context, senderID int, in chat.OutgoingMessage) (chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d/%s", senderID, in.ClientToken)
	if m, ok := s.tokens[key]; ok && in.ClientToken != "" {
		return m, false, nil
	}
	s.nextID++
	m := chat.Message{
		ID:          strconv.Itoa(s.nextID),
		SenderID:    strconv.Itoa(senderID),
		ReceiverID:  in.ReceiverID,
		Content:     in.Content,
		Media:       in.Media,
		ClientToken: in.ClientToken,
		CreatedAt:   time.Date(2026, 1, 1, 12, 0, s.nextID, 0, time.UTC),
		State:       chat.StateConfirmed,
	}
	s.msgs = append(s.msgs, m)
	s.tokens[key] = m
	return m, true, nil
}

func (s *memStore) Conversation(_ context.Context, selfID, peerID, _ int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	self, peer := strconv.Itoa(selfID), strconv.Itoa(peerID)
	out := make([]chat.Message, 0)
	for _, m := range s.msgs {
		if (m.SenderID == self && m.ReceiverID == peer) || (m.SenderID == peer && m.ReceiverID == self) {
			m.PeerID = peer
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Conversations(_ context.Context, selfID int) ([]chat.ConversationSummary, error) {
	return []chat.ConversationSummary{{Peer: chat.Profile{ID: "2"}, UnreadCount: 1}}, nil
}

func (s *memStore) MarkRead(_ context.Context, selfID, peerID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.read[[2]int{selfID, peerID}]
	s.read[[2]int{selfID, peerID}] = 0
	return n, nil
}

func (s *memStore) DeleteMessage(_ context.Context, selfID int, messageID int64) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strconv.FormatInt(messageID, 10)
	for i, m := range s.msgs {
		if m.ID == id && m.SenderID == strconv.Itoa(selfID) {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return m, nil
		}
	}
	return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
}

type published struct {
	UserID int
	Event  chat.Event
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *recordingPublisher) Publish(_ context.Context, userID int, frame []byte) error {
	ev, err := transport.Decode(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, published{UserID: userID, Event: ev})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

type profileMap map[int]chat.Profile

func (m profileMap) Profile(_ context.Context, id int) (chat.Profile, error) {
	p, ok := m[id]
	if !ok {
		return chat.Profile{}, fmt.Errorf("user %d: %w", id, chat.ErrNotFound)
	}
	return p, nil
}

type handlerFixture struct {
	router http.Handler
	store  *memStore
	pub    *recordingPublisher
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{store: newMemStore(), pub: &recordingPublisher{}}
	profiles := profileMap{
		1: {ID: "1", Username: "alice"},
		2: {ID: "2", Username: "bob", DisplayName: "Bob"},
	}
	h := NewHandler(nil, f.pub, f.store, profiles, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := strconv.Atoi(r.Header.Get("X-User"))
			next.ServeHTTP(w, r.WithContext(myMiddleware.WithUser(r.Context(), id, "")))
		})
	})
	r.Route("/messages", h.Routes)
	f.router = r
	return f
}

func (f *handlerFixture) do(t *testing.T, user int, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User", strconv.Itoa(user))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSendMessagePushesToBothRooms(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, 1, http.MethodPost, "/messages", chat.OutgoingMessage{ReceiverID: "2", Content: " hi ", ClientToken: "tok-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "hi", res.Message.Content)
	assert.Equal(t, "2", res.Message.PeerID)
	assert.Equal(t, "tok-1", res.Message.ClientToken)
	require.NotNil(t, res.Message.Receiver)
	assert.Equal(t, "bob", res.Message.Receiver.Username)

	sent := f.pub.all()
	require.Len(t, sent, 2)
	assert.Equal(t, 2, sent[0].UserID)
	assert.Equal(t, chat.EventNewMessage, sent[0].Event.Kind)
	assert.Equal(t, "1", sent[0].Event.Message.PeerID)
	assert.Equal(t, "alice", sent[0].Event.Message.Sender.Username)
	assert.Equal(t, 1, sent[1].UserID)
	assert.Equal(t, chat.EventMessageSent, sent[1].Event.Kind)
	assert.Equal(t, "2", sent[1].Event.Message.PeerID)
}

func TestSendMessageRetryIsIdempotent(t *testing.T) {
	f := newHandlerFixture(t)
	out := chat.OutgoingMessage{ReceiverID: "2", Content: "hi", ClientToken: "tok-1"}

	first := f.do(t, 1, http.MethodPost, "/messages", out)
	require.Equal(t, http.StatusCreated, first.Code)
	retry := f.do(t, 1, http.MethodPost, "/messages", out)
	require.Equal(t, http.StatusOK, retry.Code)

	var a, b sendResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(retry.Body.Bytes(), &b))
	assert.Equal(t, a.Message.ID, b.Message.ID)
	assert.Len(t, f.pub.all(), 2, "a retry must not push again")
}

func TestSendMessageValidation(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name string
		user int
		body interface{}
		want int
	}{
		{"blank content", 1, chat.OutgoingMessage{ReceiverID: "2", Content: "   "}, http.StatusBadRequest},
		{"media only", 1, chat.OutgoingMessage{ReceiverID: "2", Media: "cat.png"}, http.StatusCreated},
		{"unknown receiver", 1, chat.OutgoingMessage{ReceiverID: "99", Content: "hi"}, http.StatusNotFound},
		{"non numeric receiver", 1, chat.OutgoingMessage{ReceiverID: "bob", Content: "hi"}, http.StatusBadRequest},
		{"to self", 1, chat.OutgoingMessage{ReceiverID: "1", Content: "hi"}, http.StatusBadRequest},
		{"bad json", 1, "not an object", http.StatusBadRequest},
		{"unknown sender", 0, chat.OutgoingMessage{ReceiverID: "2", Content: "hi"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.user, http.MethodPost, "/messages", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHistoryAndConversations(t *testing.T) {
	f := newHandlerFixture(t)
	f.do(t, 1, http.MethodPost, "/messages", chat.OutgoingMessage{ReceiverID: "2", Content: "one"})
	f.do(t, 2, http.MethodPost, "/messages", chat.OutgoingMessage{ReceiverID: "1", Content: "two"})

	rec := f.do(t, 1, http.MethodGet, "/messages/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "one", hist.Messages[0].Content)
	assert.Equal(t, "Bob", hist.Partner.DisplayName)

	rec = f.do(t, 1, http.MethodGet, "/messages/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, 1, http.MethodGet, "/messages/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var convs conversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, 1, convs.Conversations[0].UnreadCount)
}

func TestMarkRead(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.read[[2]int{1, 2}] = 3

	rec := f.do(t, 1, http.MethodPut, "/messages/2/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ack ackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, int64(3), ack.Updated)
}

func TestDeleteMessage(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, 1, http.MethodPost, "/messages", chat.OutgoingMessage{ReceiverID: "2", Content: "oops"})
	var res sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	rec = f.do(t, 2, http.MethodDelete, "/messages/"+res.Message.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "only the sender may delete")

	rec = f.do(t, 1, http.MethodDelete, "/messages/"+res.Message.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sent := f.pub.all()[2:]
	require.Len(t, sent, 2)
	users := []int{sent[0].UserID, sent[1].UserID}
	assert.ElementsMatch(t, []int{1, 2}, users)
	for _, p := range sent {
		assert.Equal(t, chat.EventMessageDeleted, p.Event.Kind)
		assert.Equal(t, res.Message.ID, p.Event.MessageID)
	}

	rec = f.do(t, 1, http.MethodDelete, "/messages/"+res.Message.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, 1, http.MethodDelete, "/messages/tmp-abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
