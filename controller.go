package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConversationSession carries the lifecycle of one selected conversation:
// its id, channel key, and the background producers bound to it. Sessions
// are created and stopped only by the Controller; nothing else may own
// the subscription handle.
type ConversationSession struct {
	ConversationID string
	ChannelKey     string

	epoch    uint64
	storeGen uint64
	cancel   context.CancelFunc
}

// Controller orchestrates the engine for the currently active
// conversation. It is the only component that knows which conversation is
// active; every asynchronous completion re-checks against it so results
// for a superseded conversation are silently discarded.
type Controller struct {
	client   *Client
	provider Provider
	self     UserID
	logger   zerolog.Logger

	store      *Store
	loader     *HistoryLoader
	pipeline   *SendPipeline
	manager    *SubscriptionManager
	reconciler *ReadReconciler

	pollInterval time.Duration

	mu      sync.Mutex
	epoch   uint64
	session *ConversationSession
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithPollInterval enables the polling producer: history is re-fetched on
// the given interval as a belt-and-suspenders strategy alongside push.
// The store's dedup gate makes the two producers safe to run together.
func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.pollInterval = d }
}

// NewController wires a store, history loader, send pipeline, subscription
// manager, and read reconciler around the given collaborators.
func NewController(client *Client, provider Provider, self UserID, opts ...ControllerOption) *Controller {
	store := NewStore()
	c := &Controller{
		client:     client,
		provider:   provider,
		self:       self,
		logger:     client.Logger(),
		store:      store,
		loader:     NewHistoryLoader(client),
		pipeline:   NewSendPipeline(client, store, self),
		manager:    NewSubscriptionManager(provider, client.Logger()),
		reconciler: NewReadReconciler(client, store, self),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.manager.OnMessageCreated(c.applyLiveMessage)
	c.manager.OnMessageRead(c.reconciler.ApplyRemoteRead)
	return c
}

// Store returns the controller's message store.
func (c *Controller) Store() *Store { return c.store }

// Subscription returns the subscription manager, e.g. to register error
// or typing handlers.
func (c *Controller) Subscription() *SubscriptionManager { return c.manager }

// OnSnapshot registers a render callback invoked after every store
// mutation, in mutation order. Returns an unregister function.
func (c *Controller) OnSnapshot(fn func([]Message)) func() {
	return c.store.Observe(fn)
}

// Active returns the active conversation id, if any.
func (c *Controller) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", false
	}
	return c.session.ConversationID, true
}

// Snapshot returns the current ordered message view.
func (c *Controller) Snapshot() []Message {
	return c.store.Snapshot()
}

// ============================================================================
// Selection lifecycle
// ============================================================================

// Select makes the conversation active: the previous session is torn down,
// the store is cleared, the push subscription attaches, and history is
// loaded. A history failure is returned for the caller's retry affordance;
// a subscription failure only degrades live delivery and does not fail
// the select.
func (c *Controller) Select(ctx context.Context, conversationID, channelKey string) error {
	c.mu.Lock()
	c.stopSessionLocked()
	c.epoch++
	epoch := c.epoch

	pollCtx, cancel := context.WithCancel(context.Background())
	c.session = &ConversationSession{
		ConversationID: conversationID,
		ChannelKey:     channelKey,
		epoch:          epoch,
		cancel:         cancel,
	}
	c.store.Reset()
	c.session.storeGen = c.store.Generation()
	c.mu.Unlock()

	// Attach before the history fetch so no live message falls in the gap;
	// the dedup gate absorbs any overlap between the two producers.
	if err := c.manager.Attach(conversationID, channelKey); err != nil {
		c.logger.Warn().Str("conversation", conversationID).Err(err).
			Msg("continuing in history-only mode")
	}

	msgs, err := c.loader.Load(ctx, conversationID, "")
	if err != nil {
		return err
	}
	c.applyHistory(epoch, conversationID, msgs)

	if c.pollInterval > 0 {
		go c.pollLoop(pollCtx, epoch, conversationID)
	}
	return nil
}

// Deselect tears down the active session: the subscription is detached and
// the store is cleared. Idempotent.
func (c *Controller) Deselect() {
	c.mu.Lock()
	c.stopSessionLocked()
	c.epoch++
	c.store.Reset()
	c.mu.Unlock()

	c.manager.Detach()
}

// Reload re-fetches history for the active conversation, e.g. behind a
// retry affordance after a failed Select.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil
	}
	epoch, conversationID := c.session.epoch, c.session.ConversationID
	c.mu.Unlock()

	msgs, err := c.loader.Load(ctx, conversationID, "")
	if err != nil {
		return err
	}
	c.applyHistory(epoch, conversationID, msgs)
	return nil
}

// Reconnect re-attaches the push subscription after a failure, for a
// manual "reconnect" affordance. The manager never retries on its own.
// After re-attaching, history is fetched from the last message delivered
// over push, so anything missed while detached is filled in.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil
	}
	epoch := c.session.epoch
	conversationID, channelKey := c.session.ConversationID, c.session.ChannelKey
	c.mu.Unlock()

	// Capture the cursor before Attach tears the old handle down.
	cursor, _ := c.manager.LastDelivered()
	if err := c.manager.Attach(conversationID, channelKey); err != nil {
		return err
	}

	msgs, err := c.loader.Load(ctx, conversationID, cursor)
	if err != nil {
		return err
	}
	c.applyHistory(epoch, conversationID, msgs)
	return nil
}

func (c *Controller) stopSessionLocked() {
	if c.session == nil {
		return
	}
	c.session.cancel()
	c.session = nil
}

// ============================================================================
// Producers
// ============================================================================

// applyHistory feeds loaded messages into the store unless the result is
// stale, the practical equivalent of cooperative cancellation for
// superseded loads. Each insert is conditional on the store generation
// captured when the session started: a switch can land mid-application
// (another goroutine, or a snapshot observer selecting re-entrantly), and
// the remaining messages must not leak into the next conversation's view.
func (c *Controller) applyHistory(epoch uint64, conversationID string, msgs []Message) {
	gen, ok := c.sessionGen(func(s *ConversationSession) bool { return s.epoch == epoch })
	if !ok {
		c.logger.Debug().Str("conversation", conversationID).
			Msg("discarding history for superseded conversation")
		return
	}

	for _, msg := range msgs {
		if !c.store.InsertOrReplaceAt(gen, msg) {
			c.logger.Debug().Str("conversation", conversationID).
				Msg("discarding history for superseded conversation")
			return
		}
	}
}

func (c *Controller) applyLiveMessage(ev MessageCreated) {
	gen, ok := c.sessionGen(func(s *ConversationSession) bool {
		return s.ConversationID == ev.Message.ConversationID
	})
	if !ok {
		return
	}
	c.store.InsertOrReplaceAt(gen, ev.Message)
}

// sessionGen returns the active session's store generation when the
// session exists and satisfies match.
func (c *Controller) sessionGen(match func(*ConversationSession) bool) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || !match(c.session) {
		return 0, false
	}
	return c.session.storeGen, true
}

func (c *Controller) pollLoop(ctx context.Context, epoch uint64, conversationID string) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := c.loader.Load(ctx, conversationID, "")
			if err != nil {
				c.logger.Debug().Str("conversation", conversationID).Err(err).
					Msg("history poll failed")
				continue
			}
			c.applyHistory(epoch, conversationID, msgs)
		}
	}
}

// ============================================================================
// User operations
// ============================================================================

// Send runs the draft through the optimistic pipeline against the active
// conversation.
func (c *Controller) Send(ctx context.Context, draft Draft) (Message, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return Message{}, &SendFailedError{Reason: "no active conversation"}
	}
	conversationID := c.session.ConversationID
	c.mu.Unlock()

	return c.pipeline.Send(ctx, conversationID, draft)
}

// MarkVisible reports messages now visible to the user; read receipts go
// out for unread incoming ones. Messages from other conversations are
// ignored.
func (c *Controller) MarkVisible(ctx context.Context, msgs []Message) int {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return 0
	}
	conversationID := c.session.ConversationID
	c.mu.Unlock()

	scoped := msgs[:0:0]
	for _, msg := range msgs {
		if msg.ConversationID == conversationID {
			scoped = append(scoped, msg)
		}
	}
	return c.reconciler.MarkVisible(ctx, scoped)
}
