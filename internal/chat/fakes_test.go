package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeBackend struct {
	mu     sync.Mutex
	sent   []OutgoingMessage
	sendFn func(OutgoingMessage) (Message, error)
	hold   chan struct{}

	reads    chan string
	readErr  error
	convs    []ConversationSummary
	history  map[string][]Message
	partner  *Profile
	fetchErr error
	deleted  []string

	// convHold, when set, blocks FetchConversations until closed.
	convHold    chan struct{}
	convCalls   int
	convWaiting int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		hold:    make(chan struct{}),
		reads:   make(chan string, 16),
		history: make(map[string][]Message),
	}
}

func (f *fakeBackend) SendMessage(ctx context.Context, out OutgoingMessage) (Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, out)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		// Never answers; tests drive acks by hand.
		<-f.hold
		return Message{}, fmt.Errorf("%w: released", ErrNetwork)
	}
	return fn(out)
}

func (f *fakeBackend) Sent() []OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OutgoingMessage(nil), f.sent...)
}

func (f *fakeBackend) MarkRead(ctx context.Context, peerID string) error {
	f.reads <- peerID
	return f.readErr
}

func (f *fakeBackend) FetchConversations(ctx context.Context) ([]ConversationSummary, error) {
	f.mu.Lock()
	f.convCalls++
	hold, convs := f.convHold, f.convs
	if hold != nil {
		f.convWaiting++
	}
	f.mu.Unlock()

	if hold != nil {
		defer func() {
			f.mu.Lock()
			f.convWaiting--
			f.mu.Unlock()
		}()
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return convs, nil
}

func (f *fakeBackend) conversationCalls() (calls, waiting int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convCalls, f.convWaiting
}

func (f *fakeBackend) FetchTimeline(ctx context.Context, peerID string) ([]Message, *Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, nil, f.fetchErr
	}
	return f.history[peerID], f.partner, nil
}

func (f *fakeBackend) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

type fakeChannel struct {
	events chan Event
	joined chan string
	once   sync.Once
}

func (c *fakeChannel) JoinRoom(ctx context.Context, selfID string) error {
	c.joined <- selfID
	return nil
}

func (c *fakeChannel) Events() <-chan Event { return c.events }

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

type fakeTransport struct {
	ch    *fakeChannel
	token string
}

func (t *fakeTransport) Connect(ctx context.Context, token string) (Channel, error) {
	t.token = token
	return t.ch, nil
}

type harness struct {
	engine  *Engine
	backend *fakeBackend
	clock   *fakeClock
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	clock := &fakeClock{t: base}
	backend := newFakeBackend()
	opts := Options{
		SelfID:         "me",
		Backend:        backend,
		Clock:          clock.Now,
		PendingTimeout: 30 * time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e := NewEngine(opts)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return &harness{engine: e, backend: backend, clock: clock}
}

func (h *harness) submit(t *testing.T, peerID, content string) string {
	t.Helper()
	id, err := h.engine.SubmitOutgoing(peerID, content, "", "")
	require.NoError(t, err)
	return id
}

func inbound(id, from, content string, at time.Time) Message {
	return Message{ID: id, SenderID: from, ReceiverID: "me", Content: content, CreatedAt: at}
}

func echo(id, to, content string, at time.Time) Message {
	return Message{ID: id, SenderID: "me", ReceiverID: to, Content: content, CreatedAt: at}
}

func confirmedCount(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.State == StateConfirmed {
			n++
		}
	}
	return n
}
