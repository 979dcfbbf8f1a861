package chatsync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// receiptRate caps read-receipt posts; a fully scrolled conversation
	// can make hundreds of messages visible at once.
	receiptRate  = rate.Limit(20)
	receiptBurst = 10

	// receiptWorkers bounds concurrent receipt requests.
	receiptWorkers = 4
)

// ReadReconciler propagates local read state to the server. Receipts are
// best-effort and independent: one failed receipt is logged and skipped,
// never blocking the rest of the conversation from being marked read.
type ReadReconciler struct {
	client  *Client
	store   *Store
	self    UserID
	logger  zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

// NewReadReconciler creates a reconciler for the current user.
func NewReadReconciler(client *Client, store *Store, self UserID) *ReadReconciler {
	return &ReadReconciler{
		client:  client,
		store:   store,
		self:    self,
		logger:  client.Logger(),
		limiter: rate.NewLimiter(receiptRate, receiptBurst),
		now:     time.Now,
	}
}

// MarkVisible records that the given messages are now visible to the user.
// Unread incoming messages get a read-receipt request; on success the
// store entry is marked read. Re-invoking on already-read messages is a
// no-op; the store invariant is the source of truth, the server is not
// re-checked. Returns the number of messages marked read.
func (r *ReadReconciler) MarkVisible(ctx context.Context, messages []Message) int {
	var candidates []string
	for _, msg := range messages {
		if msg.SenderID.Equal(r.self) || msg.Provisional() {
			continue
		}
		// Consult the store rather than the caller's copy: another
		// producer may have marked it read since.
		current, ok := r.store.Get(msg.ID)
		if !ok || current.ReadAt != nil {
			continue
		}
		candidates = append(candidates, msg.ID)
	}
	if len(candidates) == 0 {
		return 0
	}

	var marked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(receiptWorkers)
	for _, id := range candidates {
		id := id
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return nil
			}
			if err := r.postReceipt(gctx, id); err != nil {
				r.logger.Warn().Str("message", id).Err(err).Msg("read receipt skipped")
				return nil
			}
			if r.store.MarkRead(id, r.now().UTC()) {
				marked.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(marked.Load())
}

func (r *ReadReconciler) postReceipt(ctx context.Context, messageID string) error {
	err := r.client.PostReadReceipt(ctx, messageID)
	if err == nil {
		return nil
	}
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		return &ReadReceiptError{MessageID: messageID, HTTPStatus: httpErr.Status, Err: err}
	}
	return &ReadReceiptError{MessageID: messageID, Err: err}
}

// ApplyRemoteRead applies a read receipt observed on the push channel.
func (r *ReadReconciler) ApplyRemoteRead(ev MessageRead) {
	r.store.MarkRead(ev.MessageID, ev.ReadAt)
}
