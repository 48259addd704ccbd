package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReadState keeps unread counters in the directory and sends read receipts.
// Receipts are best effort: a failed receipt is logged and the local
// counter stays at zero.
type ReadState struct {
	dir      *Directory
	receipts ReceiptSender
	timeout  time.Duration
	log      *zap.Logger
	metrics  *Metrics
	inflight sync.WaitGroup
}

func NewReadState(dir *Directory, receipts ReceiptSender, timeout time.Duration, log *zap.Logger, metrics *Metrics) *ReadState {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReadState{dir: dir, receipts: receipts, timeout: timeout, log: log, metrics: metrics}
}

// Increment counts one inbound message for peerID unless it is the active view.
func (r *ReadState) Increment(peerID string) {
	if r.dir.IncrementUnread(peerID) {
		r.metrics.unreadIncrement()
	}
}

// MarkRead zeroes peerID's unread counter and fires a read receipt.
func (r *ReadState) MarkRead(peerID string) {
	prev := r.dir.ResetUnread(peerID)
	if r.receipts == nil {
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.receipts.MarkRead(ctx, peerID); err != nil {
			r.log.Warn("read receipt failed",
				zap.String("peer", peerID),
				zap.Int("cleared", prev),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every receipt already fired has finished or timed out.
func (r *ReadState) Wait() { r.inflight.Wait() }
