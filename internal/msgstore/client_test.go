package msgstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
)

func TestClientRoutes(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/messages":
			var out chat.OutgoingMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&out))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"message": chat.Message{ID: "m-1", SenderID: "me", ReceiverID: out.ReceiverID, Content: out.Content, ClientToken: out.ClientToken},
			})
		case r.URL.Path == "/messages/conversations":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"conversations": []chat.ConversationSummary{{Peer: chat.Profile{ID: "p"}, UnreadCount: 2}},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/messages/p":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"messages": []chat.Message{{ID: "m-1"}},
				"partner":  chat.Profile{ID: "p", Username: "pat"},
			})
		case r.URL.Path == "/messages/ghost":
			http.Error(w, "no such user", http.StatusNotFound)
		default:
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok", nil)
	ctx := context.Background()

	m, err := c.SendMessage(ctx, chat.OutgoingMessage{ReceiverID: "p", Content: "hi", ClientToken: "ct"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, "ct", m.ClientToken)

	convs, err := c.FetchConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].UnreadCount)

	msgs, partner, err := c.FetchTimeline(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, "pat", partner.Username)

	_, _, err = c.FetchTimeline(ctx, "ghost")
	assert.ErrorIs(t, err, chat.ErrNotFound)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "no such user", se.Body)

	require.NoError(t, c.MarkRead(ctx, "p"))
	require.NoError(t, c.DeleteMessage(ctx, "m-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /messages",
		"GET /messages/conversations",
		"GET /messages/p",
		"GET /messages/ghost",
		"PUT /messages/p/read",
		"DELETE /messages/m-1",
	}, seen)
}

func TestClientNetworkAndServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	c := New(srv.URL, "", nil)
	err := c.MarkRead(context.Background(), "p")
	assert.ErrorIs(t, err, chat.ErrNetwork)

	srv.Close()
	_, err = c.SendMessage(context.Background(), chat.OutgoingMessage{ReceiverID: "p", Content: "hi"})
	assert.ErrorIs(t, err, chat.ErrNetwork)
}

func TestClientImplementsBackend(t *testing.T) {
	var _ chat.Backend = New("http://localhost", "", nil)
}
