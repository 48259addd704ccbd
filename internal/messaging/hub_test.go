package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/transport"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(nil, zap.NewNop())
	go hub.Run(ctx)
	return hub
}

func newTestClient(hub *Hub, userID, buffer int) *Client {
	c := &Client{Hub: hub, Send: make(chan []byte, buffer), UserID: userID, log: zap.NewNop()}
	hub.register(c)
	return c
}

func joinFrame(t *testing.T, room string) []byte {
	t.Helper()
	frame, err := transport.Encode(transport.EventJoinRoom, room)
	require.NoError(t, err)
	return frame
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame := <-c.Send:
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return nil
	}
}

func TestHubDeliversOnlyToJoinedRoom(t *testing.T) {
	hub := startHub(t)
	alice := newTestClient(hub, 1, 4)
	aliceTab := newTestClient(hub, 1, 4)
	bob := newTestClient(hub, 2, 4)

	alice.handle(joinFrame(t, "1"))
	aliceTab.handle(joinFrame(t, "1"))
	// bob asks for alice's room and must be refused.
	bob.handle(joinFrame(t, "1"))

	hub.broadcast <- roomFrame{UserID: 1, Payload: []byte("hello")}
	assert.Equal(t, "hello", string(receive(t, alice)))
	assert.Equal(t, "hello", string(receive(t, aliceTab)))

	hub.broadcast <- roomFrame{UserID: 2, Payload: []byte("nobody joined")}
	hub.broadcast <- roomFrame{UserID: 1, Payload: []byte("sync")}
	receive(t, alice)
	assert.Len(t, bob.Send, 0)
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub := startHub(t)
	c := newTestClient(hub, 3, 1)
	c.handle(joinFrame(t, "3"))

	hub.Unregister <- c
	_, ok := <-c.Send
	assert.False(t, ok)

	// A second unregister from the read pump must not double close.
	hub.Unregister <- c
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := startHub(t)
	slow := newTestClient(hub, 4, 1)
	slow.handle(joinFrame(t, "4"))
	watcher := newTestClient(hub, 4, 4)
	watcher.handle(joinFrame(t, "4"))

	hub.broadcast <- roomFrame{UserID: 4, Payload: []byte("a")}
	hub.broadcast <- roomFrame{UserID: 4, Payload: []byte("b")}
	receive(t, watcher)
	receive(t, watcher)

	assert.Equal(t, "a", string(<-slow.Send))
	_, ok := <-slow.Send
	assert.False(t, ok, "a full buffer drops the connection")
}

func TestClientIgnoresUnknownEvents(t *testing.T) {
	hub := startHub(t)
	c := newTestClient(hub, 5, 1)
	frame, err := transport.Encode("typing", "5")
	require.NoError(t, err)
	c.handle(frame)
	c.handle([]byte("{broken"))

	other := newTestClient(hub, 5, 1)
	other.handle(joinFrame(t, "5"))
	hub.broadcast <- roomFrame{UserID: 5, Payload: []byte("x")}
	assert.Equal(t, "x", string(receive(t, other)))
	assert.Len(t, c.Send, 0)
}

func TestHubStoppedDoesNotBlockClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil, zap.NewNop())
	go hub.Run(ctx)
	c := newTestClient(hub, 6, 1)
	c.handle(joinFrame(t, "6"))

	cancel()
	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	_, ok := <-c.Send
	assert.False(t, ok, "stopping the hub closes its clients")

	join := joinFrame(t, "6")
	returned := make(chan bool)
	go func() {
		// What a read pump and a late upgrade do after shutdown.
		c.handle(join)
		hub.unregister(c)
		returned <- hub.register(&Client{Hub: hub, Send: make(chan []byte, 1), UserID: 7, log: zap.NewNop()})
	}()
	select {
	case registered := <-returned:
		assert.False(t, registered)
	case <-time.After(time.Second):
		t.Fatal("client calls blocked on a stopped hub")
	}
}
