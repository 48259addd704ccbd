package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  chat.Event
	}{
		{
			name:  "new message",
			frame: `{"event":"newMessage","data":{"id":"m-1","senderId":"p","receiverId":"me","content":"hi","createdAt":"2026-03-01T12:00:00Z"}}`,
			want: chat.Event{Kind: chat.EventNewMessage, Message: &chat.Message{
				ID: "m-1", SenderID: "p", ReceiverID: "me", Content: "hi",
				CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			}},
		},
		{
			name:  "deleted",
			frame: `{"event":"messageDeleted","data":{"messageId":"m-1"}}`,
			want:  chat.Event{Kind: chat.EventMessageDeleted, MessageID: "m-1"},
		},
		{
			name:  "unknown",
			frame: `{"event":"typing","data":{}}`,
			want:  chat.Event{Kind: "typing"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Decode([]byte(`{"event":"newMessage","data":"nope"}`))
	assert.Error(t, err)
}

func TestWebsocketJoinAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan string, 1)
	auth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev := Envelope{}
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		joined <- ev.Event + ":" + string(ev.Data)

		one, _ := Encode(string(chat.EventNewMessage), chat.Message{ID: "m-1", SenderID: "p", ReceiverID: "me", Content: "hi"})
		two, _ := Encode(string(chat.EventMessageSent), chat.Message{ID: "m-2", SenderID: "me", ReceiverID: "p", Content: "yo"})
		del, _ := Encode(string(chat.EventMessageDeleted), Deleted{MessageID: "m-1"})
		conn.WriteMessage(websocket.TextMessage, one)
		conn.WriteMessage(websocket.TextMessage, []byte(string(two)+"\n"+string(del)))

		// Hold the connection until the client closes it.
		conn.ReadMessage()
	}))
	defer srv.Close()

	tr := NewWebsocket("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := tr.Connect(ctx, "secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", <-auth)

	require.NoError(t, ch.JoinRoom(ctx, "me"))
	assert.Equal(t, `join-user-room:"me"`, <-joined)

	var got []chat.Event
	for len(got) < 3 {
		select {
		case ev := <-ch.Events():
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, "m-1", got[0].Message.ID)
	assert.Equal(t, chat.EventMessageSent, got[1].Kind)
	assert.Equal(t, "m-1", got[2].MessageID)

	require.NoError(t, ch.Close())
	for range ch.Events() {
	}
	assert.Equal(t, chat.ErrNotConnected, ch.JoinRoom(ctx, "me"))
}

func TestWebsocketDialFailure(t *testing.T) {
	tr := NewWebsocket("ws://127.0.0.1:1/ws", nil)
	_, err := tr.Connect(context.Background(), "t")
	assert.ErrorIs(t, err, chat.ErrNetwork)
}
