package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tempPrefix = "tmp-"

// Options configures an Engine. SelfID and Backend are required.
type Options struct {
	SelfID    string
	Transport Transport
	Backend   Backend
	Logger    *zap.Logger
	Metrics   *Metrics

	Windows Windows
	// PendingTimeout fails unconfirmed sends. Negative disables expiry.
	PendingTimeout time.Duration
	// ReconcileInterval polls the conversation list as a fallback to push.
	// Zero disables it.
	ReconcileInterval time.Duration
	RequestTimeout    time.Duration

	Clock func() time.Time
	NewID func() string
}

// Engine reconciles optimistic sends, REST confirmations and push events
// into one timeline per peer and one conversation directory.
//
// Like a websocket hub, all state is owned by the goroutine in Run: every
// exported operation is posted to it and applied in arrival order, so any
// interleaving of sources sees consistent state. Run must be running for
// operations to complete.
type Engine struct {
	self      string
	transport Transport
	backend   Backend
	log       *zap.Logger
	metrics   *Metrics

	windows           Windows
	pendingTimeout    time.Duration
	reconcileInterval time.Duration
	requestTimeout    time.Duration
	now               func() time.Time
	newID             func() string

	timeline *Timeline
	dir      *Directory
	reads    *ReadState
	payloads map[string]ComposePayload // pending temp id -> what the user typed
	// pending count last added to the shared gauge
	reported int

	reconciling atomic.Bool

	ops     chan func()
	done    chan struct{}
	notices chan Notice

	mu      sync.Mutex
	channel Channel
}

func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Windows.OwnEcho <= 0 {
		opts.Windows.OwnEcho = OwnEchoWindow
	}
	if opts.Windows.PeerPath <= 0 {
		opts.Windows.PeerPath = PeerPathWindow
	}
	if opts.PendingTimeout == 0 {
		opts.PendingTimeout = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	dir := NewDirectory(opts.Clock)
	log := opts.Logger.With(zap.String("self", opts.SelfID))
	return &Engine{
		self:              opts.SelfID,
		transport:         opts.Transport,
		backend:           opts.Backend,
		log:               log,
		metrics:           opts.Metrics,
		windows:           opts.Windows,
		pendingTimeout:    opts.PendingTimeout,
		reconcileInterval: opts.ReconcileInterval,
		requestTimeout:    opts.RequestTimeout,
		now:               opts.Clock,
		newID:             opts.NewID,
		timeline:          NewTimeline(),
		dir:               dir,
		reads:             NewReadState(dir, opts.Backend, opts.RequestTimeout, log, opts.Metrics),
		payloads:          make(map[string]ComposePayload),
		ops:               make(chan func()),
		done:              make(chan struct{}),
		notices:           make(chan Notice, 32),
	}
}

// Run applies operations until ctx is cancelled. It also drives the
// pending-expiry sweep and the reconciliation poll.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer e.reads.Wait()
	defer func() {
		e.metrics.addPending(-e.reported)
		e.reported = 0
	}()

	var sweepC, reconcileC <-chan time.Time
	if e.pendingTimeout > 0 {
		every := e.pendingTimeout / 4
		if every < time.Second {
			every = time.Second
		}
		sweep := time.NewTicker(every)
		defer sweep.Stop()
		sweepC = sweep.C
	}
	if e.reconcileInterval > 0 {
		reconcile := time.NewTicker(e.reconcileInterval)
		defer reconcile.Stop()
		reconcileC = reconcile.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-e.ops:
			op()
		case <-sweepC:
			e.expirePending(e.now())
		case <-reconcileC:
			// Skip the tick while the previous poll is still out.
			if !e.reconciling.CompareAndSwap(false, true) {
				e.log.Debug("reconcile still running, skipping tick")
				continue
			}
			go func() {
				defer e.reconciling.Store(false)
				if err := e.Reconcile(ctx); err != nil && !errors.Is(err, ErrStopped) && ctx.Err() == nil {
					e.log.Warn("reconcile failed", zap.Error(err))
				}
			}()
		}
	}
}

func (e *Engine) do(fn func()) error {
	applied := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(applied) }:
	case <-e.done:
		return ErrStopped
	}
	<-applied
	return nil
}

// Notices reports failed sends. Notices are dropped when nobody reads them.
func (e *Engine) Notices() <-chan Notice { return e.notices }

// Self is the local user id.
func (e *Engine) Self() string { return e.self }

// Connect opens the push channel, joins the local user's room and starts
// feeding inbound events into the engine.
func (e *Engine) Connect(ctx context.Context, token string) error {
	if e.transport == nil {
		return ErrNotConnected
	}
	ch, err := e.transport.Connect(ctx, token)
	if err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	if err := ch.JoinRoom(ctx, e.self); err != nil {
		ch.Close()
		return fmt.Errorf("join room %s: %w", e.self, err)
	}

	e.mu.Lock()
	old := e.channel
	e.channel = ch
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go e.pump(ch)
	e.log.Info("push channel connected")
	return nil
}

// Disconnect closes the push channel, if any.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	ch := e.channel
	e.channel = nil
	e.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (e *Engine) pump(ch Channel) {
	for ev := range ch.Events() {
		var err error
		switch ev.Kind {
		case EventNewMessage, EventMessageSent:
			if ev.Message == nil {
				continue
			}
			err = e.OnPushInbound(*ev.Message, ev.Kind)
		case EventMessageDeleted:
			err = e.OnDeleteInbound(ev.MessageID)
		default:
			e.log.Debug("ignoring push event", zap.String("event", string(ev.Kind)))
		}
		if errors.Is(err, ErrStopped) {
			return
		}
	}
	e.log.Info("push channel closed")
}

// SubmitOutgoing puts a PENDING message on peerID's timeline and starts
// delivering it. It returns the temporary id without waiting for the network.
func (e *Engine) SubmitOutgoing(peerID, content, media, parentID string) (string, error) {
	if strings.TrimSpace(content) == "" && media == "" {
		return "", ErrEmptyMessage
	}
	payload := ComposePayload{PeerID: peerID, Content: content, Media: media, ParentID: parentID}

	var pending Message
	err := e.do(func() {
		pending = Message{
			ID:          tempPrefix + e.newID(),
			PeerID:      peerID,
			SenderID:    e.self,
			ReceiverID:  peerID,
			Content:     content,
			Media:       media,
			ParentID:    parentID,
			CreatedAt:   e.now(),
			State:       StatePending,
			IsTemp:      true,
			ClientToken: e.newID(),
		}
		e.timeline.Append(peerID, pending)
		e.payloads[pending.ID] = payload
		e.dir.Upsert(peerID, &pending, nil)
		e.syncPending()
	})
	if err != nil {
		return "", err
	}

	go e.deliver(pending)
	return pending.ID, nil
}

func (e *Engine) deliver(p Message) {
	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
	defer cancel()

	confirmed, err := e.backend.SendMessage(ctx, OutgoingMessage{
		ReceiverID:  p.ReceiverID,
		Content:     p.Content,
		ParentID:    p.ParentID,
		Media:       p.Media,
		ClientToken: p.ClientToken,
	})
	if err != nil {
		e.OnTransportError(p.ID, err)
		return
	}
	e.OnServerAck(p.ID, confirmed)
}

// OnServerAck confirms the pending message tempID with the stored copy.
func (e *Engine) OnServerAck(tempID string, confirmed Message) error {
	return e.do(func() { e.applyAck(tempID, confirmed) })
}

func (e *Engine) applyAck(tempID string, confirmed Message) {
	confirmed = confirmed.confirmed()
	payload, pending := e.payloads[tempID]
	if !pending {
		if _, _, ok := e.timeline.Find(confirmed.ID); ok {
			e.metrics.duplicate()
			e.log.Debug("ack already applied", zap.String("temp_id", tempID), zap.String("id", confirmed.ID))
			return
		}
		// The pending entry was rolled back but the server kept the message.
		e.log.Warn("late ack for rolled back message", zap.String("temp_id", tempID), zap.String("id", confirmed.ID))
		e.applyPush(confirmed, EventMessageSent, false)
		return
	}

	peerID := payload.PeerID
	confirmed.PeerID = peerID
	delete(e.payloads, tempID)

	if _, _, ok := e.timeline.Find(confirmed.ID); ok {
		// A push with this id got in first without correlating.
		e.timeline.Remove(peerID, tempID)
		e.metrics.duplicate()
	} else {
		e.timeline.Replace(peerID, hasID(tempID), confirmed)
		e.metrics.correlatedBy(byAck)
	}
	e.touch(peerID, &confirmed)
	e.syncPending()
}

// OnTransportError rolls back the pending message tempID and returns what
// the user originally typed. ok is false when tempID is no longer pending.
func (e *Engine) OnTransportError(tempID string, cause error) (payload ComposePayload, ok bool) {
	e.do(func() { payload, ok = e.fail(tempID, cause) })
	return payload, ok
}

func (e *Engine) fail(tempID string, cause error) (ComposePayload, bool) {
	payload, ok := e.payloads[tempID]
	if !ok {
		return ComposePayload{}, false
	}
	delete(e.payloads, tempID)
	e.timeline.Remove(payload.PeerID, tempID)
	e.refresh(payload.PeerID)
	e.syncPending()

	reason := "rejected"
	switch {
	case errors.Is(cause, ErrAckTimeout):
		reason = "timeout"
	case errors.Is(cause, ErrNetwork):
		reason = "network"
	}
	e.metrics.failed(reason)
	e.log.Warn("send failed",
		zap.String("temp_id", tempID),
		zap.String("peer", payload.PeerID),
		zap.String("reason", reason),
		zap.Error(cause))

	select {
	case e.notices <- Notice{TempID: tempID, Err: cause, Payload: payload}:
	default:
		e.log.Warn("notice dropped", zap.String("temp_id", tempID))
	}
	return payload, true
}

// OnPushInbound applies a pushed message. Applying the same push twice has
// no further effect.
func (e *Engine) OnPushInbound(msg Message, kind EventKind) error {
	return e.do(func() { e.applyPush(msg, kind, true) })
}

func (e *Engine) applyPush(msg Message, kind EventKind, countUnread bool) {
	if msg.ID == "" {
		e.log.Warn("push without message id", zap.String("event", string(kind)))
		return
	}
	msg = msg.confirmed()
	peerID := msg.PeerFor(e.self)
	msg.PeerID = peerID

	if existing, _, ok := e.timeline.Find(msg.ID); ok && existing.State == StateConfirmed {
		e.metrics.duplicate()
		return
	}

	if msg.SenderID == e.self {
		if p, how, ok := matchPending(e.timeline.PendingIn(peerID), msg, e.windows.forKind(kind)); ok {
			e.timeline.Replace(peerID, hasID(p.ID), msg)
			delete(e.payloads, p.ID)
			e.metrics.correlatedBy(how)
			e.syncPending()
			e.touch(peerID, &msg)
			return
		}
	}

	e.timeline.Append(peerID, msg)
	e.touch(peerID, &msg)
	if countUnread && msg.ReceiverID == e.self && msg.SenderID != e.self {
		e.reads.Increment(peerID)
	}
}

// OnDeleteInbound removes messageID from whichever timeline holds it.
// Unknown or already removed ids are ignored.
func (e *Engine) OnDeleteInbound(messageID string) error {
	return e.do(func() { e.applyDelete(messageID) })
}

func (e *Engine) applyDelete(messageID string) {
	peerID, ok := e.timeline.RemoveByID(messageID)
	e.dir.Forget(messageID)
	if !ok {
		if _, dropped := e.dir.DropLast(messageID); !dropped {
			e.metrics.duplicate()
		}
		return
	}
	if _, pending := e.payloads[messageID]; pending {
		delete(e.payloads, messageID)
		e.syncPending()
	}
	e.refresh(peerID)
}

// ExpirePending fails every pending message older than the pending timeout
// and returns their compose payloads.
func (e *Engine) ExpirePending(now time.Time) ([]ComposePayload, error) {
	var out []ComposePayload
	err := e.do(func() { out = e.expirePending(now) })
	return out, err
}

func (e *Engine) expirePending(now time.Time) []ComposePayload {
	if e.pendingTimeout <= 0 {
		return nil
	}
	var out []ComposePayload
	for _, p := range e.timeline.Pending(now.Add(-e.pendingTimeout)) {
		cause := fmt.Errorf("%w within %s", ErrAckTimeout, e.pendingTimeout)
		if payload, ok := e.fail(p.ID, cause); ok {
			out = append(out, payload)
		}
	}
	return out
}

// Reconcile polls the conversation list and folds anything push missed into
// local state. New conversations are seeded with the server's unread count;
// newer last messages are applied like a push.
func (e *Engine) Reconcile(ctx context.Context) error {
	convs, err := e.backend.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	return e.do(func() {
		for _, c := range convs {
			if e.dir.Seed(c) {
				continue
			}
			peerID := c.Peer.ID
			e.dir.SetIdentity(peerID, c.Peer)
			lm := c.LastMessage
			if lm == nil {
				continue
			}
			if _, _, ok := e.timeline.Find(lm.ID); ok {
				continue
			}
			if cur, ok := e.dir.Get(peerID); ok && cur.LastMessage != nil &&
				(cur.LastMessage.ID == lm.ID || lm.CreatedAt.Before(cur.LastMessage.CreatedAt)) {
				continue
			}
			kind := EventNewMessage
			if lm.SenderID == e.self {
				kind = EventMessageSent
			}
			e.log.Debug("reconcile applied missed message", zap.String("peer", peerID), zap.String("id", lm.ID))
			e.applyPush(*lm, kind, true)
		}
	})
}

// LoadConversations fetches the conversation list and returns the
// directory, most recent first.
func (e *Engine) LoadConversations(ctx context.Context) ([]ConversationSummary, error) {
	if err := e.Reconcile(ctx); err != nil {
		return nil, err
	}
	return e.Conversations(), nil
}

// OpenConversation loads peerID's history, makes it the active view and
// marks it read. A peer the backend does not know is still opened, with
// whatever identity is already available.
func (e *Engine) OpenConversation(ctx context.Context, peerID string) ([]Message, error) {
	msgs, partner, err := e.backend.FetchTimeline(ctx, peerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetch timeline %s: %w", peerID, err)
	}
	if err != nil {
		e.log.Info("peer unknown to backend, using local identity", zap.String("peer", peerID))
	}

	var out []Message
	err = e.do(func() {
		e.dir.MarkPeerActive(peerID)
		for _, m := range msgs {
			kind := EventNewMessage
			if m.SenderID == e.self {
				kind = EventMessageSent
			}
			e.applyPush(m, kind, false)
		}
		if partner != nil {
			e.dir.SetIdentity(peerID, *partner)
		}
		e.reads.MarkRead(peerID)
		out = e.timeline.List(peerID)
	})
	return out, err
}

// CloseConversation clears the active view.
func (e *Engine) CloseConversation() error {
	return e.do(e.dir.MarkPeerInactive)
}

// MarkPeerActive sets the view whose inbound messages are not counted unread.
func (e *Engine) MarkPeerActive(peerID string) error {
	return e.do(func() { e.dir.MarkPeerActive(peerID) })
}

// MarkRead zeroes peerID's unread count and sends a read receipt.
func (e *Engine) MarkRead(peerID string) error {
	return e.do(func() { e.reads.MarkRead(peerID) })
}

// DeleteMessage deletes a stored message and removes it locally.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	if strings.HasPrefix(messageID, tempPrefix) {
		return fmt.Errorf("message %s is not stored yet: %w", messageID, ErrNotFound)
	}
	if err := e.backend.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return e.OnDeleteInbound(messageID)
}

// Timeline returns peerID's ordered messages.
func (e *Engine) Timeline(peerID string) []Message {
	var out []Message
	e.do(func() { out = e.timeline.List(peerID) })
	return out
}

// Conversations returns the directory, most recent first.
func (e *Engine) Conversations() []ConversationSummary {
	var out []ConversationSummary
	e.do(func() { out = e.dir.List() })
	return out
}

// Summary returns peerID's conversation summary.
func (e *Engine) Summary(peerID string) (ConversationSummary, bool) {
	var (
		out ConversationSummary
		ok  bool
	)
	e.do(func() { out, ok = e.dir.Get(peerID) })
	return out, ok
}

// touch upserts peerID's summary with msg and then points it at the
// timeline's newest entry.
func (e *Engine) touch(peerID string, msg *Message) {
	e.dir.Upsert(peerID, msg, nil)
	e.refresh(peerID)
}

func (e *Engine) refresh(peerID string) {
	if last, ok := e.timeline.Last(peerID); ok {
		e.dir.Refresh(peerID, &last)
		return
	}
	e.dir.Refresh(peerID, nil)
}

// syncPending moves the pending gauge by this engine's change since the
// last call, so engines sharing one Metrics add up.
func (e *Engine) syncPending() {
	n := len(e.payloads)
	e.metrics.addPending(n - e.reported)
	e.reported = n
}

func hasID(id string) func(Message) bool {
	return func(m Message) bool { return m.ID == id }
}
