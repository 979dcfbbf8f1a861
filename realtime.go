package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Push-channel collaborator
// ============================================================================

// Subscription is a live binding to one push channel. Handlers registered
// with On receive raw provider payloads for the named event; UnbindAll
// drops every handler.
type Subscription interface {
	On(event string, handler func(payload json.RawMessage))
	UnbindAll()
}

// Provider is the push-channel collaborator: an asynchronous pub/sub
// transport abstracted from any specific wire format.
type Provider interface {
	Subscribe(channelKey string) (Subscription, error)
	Unsubscribe(channelKey string)
}

// ============================================================================
// Subscription Manager
// ============================================================================

// SubscriptionState is the lifecycle state of the conversation handle.
type SubscriptionState string

const (
	StateDetached    SubscriptionState = "detached"
	StateSubscribing SubscriptionState = "subscribing"
	StateSubscribed  SubscriptionState = "subscribed"
	StateErrored     SubscriptionState = "errored"
)

// createdEventNames and readEventNames list the provider-specific event
// names translated into canonical domain events. Anything else a channel
// delivers is ignored, not an error.
var (
	createdEventNames = []string{"message.created", "message.new", "new_message"}
	readEventNames    = []string{"message.read", "message_read"}
	typingEventNames  = []string{"typing", "client-typing"}
)

// conversationHandle binds one conversation to one live channel.
type conversationHandle struct {
	conversationID         string
	channelKey             string
	sub                    Subscription
	lastDeliveredMessageID string
}

// SubscriptionManager owns the push subscription for the active
// conversation. At most one subscription is live at any time: attaching to
// a new conversation fully tears down the previous handle first, so events
// can never leak across conversations.
//
// Subscription failures are non-fatal. The manager reports them through
// OnError and stays in StateErrored until the caller attaches again; it
// never retries on its own.
type SubscriptionManager struct {
	provider Provider
	logger   zerolog.Logger

	mu     sync.Mutex
	state  SubscriptionState
	handle *conversationHandle

	onCreated func(MessageCreated)
	onRead    func(MessageRead)
	onTyping  func(Typing)
	onError   func(error)
}

// NewSubscriptionManager creates a detached manager on the given provider.
func NewSubscriptionManager(provider Provider, logger zerolog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		provider: provider,
		logger:   logger,
		state:    StateDetached,
	}
}

// OnMessageCreated sets the handler for canonical message-created events.
func (m *SubscriptionManager) OnMessageCreated(h func(MessageCreated)) {
	m.mu.Lock()
	m.onCreated = h
	m.mu.Unlock()
}

// OnMessageRead sets the handler for canonical read-receipt events.
func (m *SubscriptionManager) OnMessageRead(h func(MessageRead)) {
	m.mu.Lock()
	m.onRead = h
	m.mu.Unlock()
}

// OnTyping sets the handler for typing-indicator events.
func (m *SubscriptionManager) OnTyping(h func(Typing)) {
	m.mu.Lock()
	m.onTyping = h
	m.mu.Unlock()
}

// OnError sets the handler for non-fatal subscription errors.
func (m *SubscriptionManager) OnError(h func(error)) {
	m.mu.Lock()
	m.onError = h
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *SubscriptionManager) State() SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastDelivered returns the id of the most recent message delivered over
// push for the live handle. Callers use it as a history cursor when
// re-attaching, so the fetch covers exactly the window push may have
// missed.
func (m *SubscriptionManager) LastDelivered() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil || m.handle.lastDeliveredMessageID == "" {
		return "", false
	}
	return m.handle.lastDeliveredMessageID, true
}

// Conversation returns the conversation id of the live handle, if any.
func (m *SubscriptionManager) Conversation() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return "", false
	}
	return m.handle.conversationID, true
}

// Attach subscribes to the conversation's channel, tearing down any
// previous handle first. On provider rejection the manager lands in
// StateErrored and reports through OnError; the caller may Attach again.
func (m *SubscriptionManager) Attach(conversationID, channelKey string) error {
	if m.provider == nil {
		return &SubscriptionError{
			ConversationID: conversationID,
			ChannelKey:     channelKey,
			Err:            errors.New("no push provider configured"),
		}
	}
	m.mu.Lock()
	m.teardownLocked()
	m.state = StateSubscribing
	m.mu.Unlock()

	sub, err := m.provider.Subscribe(channelKey)
	if err != nil {
		subErr := &SubscriptionError{ConversationID: conversationID, ChannelKey: channelKey, Err: err}
		m.mu.Lock()
		m.state = StateErrored
		onError := m.onError
		m.mu.Unlock()

		m.logger.Warn().Str("channel", channelKey).Err(err).Msg("push subscription failed; live delivery degraded")
		if onError != nil {
			onError(subErr)
		}
		return subErr
	}

	// Publish the handle before binding, so events arriving mid-bind pass
	// the liveness checks in the translation handlers. Subscribed is
	// reported only once every handler is bound.
	handle := &conversationHandle{
		conversationID: conversationID,
		channelKey:     channelKey,
		sub:            sub,
	}
	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()

	for _, name := range createdEventNames {
		sub.On(name, func(payload json.RawMessage) {
			m.handleCreated(conversationID, payload)
		})
	}
	for _, name := range readEventNames {
		sub.On(name, func(payload json.RawMessage) {
			m.handleRead(conversationID, payload)
		})
	}
	for _, name := range typingEventNames {
		sub.On(name, func(payload json.RawMessage) {
			m.handleTyping(conversationID, payload)
		})
	}

	m.mu.Lock()
	// A concurrent Detach may have torn this handle down already.
	if m.handle == handle {
		m.state = StateSubscribed
	}
	m.mu.Unlock()
	return nil
}

// Detach tears down the live handle. Idempotent; safe with nothing
// attached.
func (m *SubscriptionManager) Detach() {
	m.mu.Lock()
	m.teardownLocked()
	m.state = StateDetached
	m.mu.Unlock()
}

func (m *SubscriptionManager) teardownLocked() {
	if m.handle == nil {
		return
	}
	m.handle.sub.UnbindAll()
	m.provider.Unsubscribe(m.handle.channelKey)
	m.handle = nil
}

// ── event translation ────────────────────────────────────

// handleCreated maps a provider "message sent" payload to MessageCreated.
// Coarse-grained channel naming can deliver cross-talk, so the payload's
// own conversation id is checked before forwarding; the manager is the
// last line of defense against misrouted events.
func (m *SubscriptionManager) handleCreated(conversationID string, payload json.RawMessage) {
	var fields map[string]any
	if json.Unmarshal(payload, &fields) != nil {
		return
	}
	if inner, ok := fields["message"].(map[string]any); ok {
		fields = inner
	}

	if claimed := firstString(fields, "conversationId", "conversation_id"); claimed != "" && claimed != conversationID {
		m.logger.Debug().
			Str("want", conversationID).
			Str("got", claimed).
			Msg("dropping cross-conversation push event")
		return
	}

	msg, ok := messageFromWire(fields, conversationID)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.handle == nil || m.handle.conversationID != conversationID {
		m.mu.Unlock()
		return
	}
	m.handle.lastDeliveredMessageID = msg.ID
	onCreated := m.onCreated
	m.mu.Unlock()

	if onCreated != nil {
		onCreated(MessageCreated{Message: msg})
	}
}

func (m *SubscriptionManager) handleRead(conversationID string, payload json.RawMessage) {
	var fields map[string]any
	if json.Unmarshal(payload, &fields) != nil {
		return
	}

	messageID := anyToID(pick(fields, "messageId", "message_id", "id"))
	if messageID == "" {
		return
	}
	readAt := anyToTime(pick(fields, "readAt", "read_at"))
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}

	m.mu.Lock()
	live := m.handle != nil && m.handle.conversationID == conversationID
	onRead := m.onRead
	m.mu.Unlock()

	if live && onRead != nil {
		onRead(MessageRead{MessageID: messageID, ReadAt: readAt})
	}
}

func (m *SubscriptionManager) handleTyping(conversationID string, payload json.RawMessage) {
	var fields map[string]any
	if json.Unmarshal(payload, &fields) != nil {
		return
	}
	if claimed := firstString(fields, "conversationId", "conversation_id"); claimed != "" && claimed != conversationID {
		return
	}

	m.mu.Lock()
	live := m.handle != nil && m.handle.conversationID == conversationID
	onTyping := m.onTyping
	m.mu.Unlock()

	isTyping := true
	if b, ok := pick(fields, "isTyping", "is_typing").(bool); ok {
		isTyping = b
	}
	if live && onTyping != nil {
		onTyping(Typing{
			ConversationID: conversationID,
			UserID:         UserID(anyToID(pick(fields, "userId", "user_id"))),
			IsTyping:       isTyping,
		})
	}
}

// ============================================================================
// Websocket provider
// ============================================================================

// wsEnvelope is the wire format the websocket provider speaks: one
// connection multiplexing channel-scoped events.
type wsEnvelope struct {
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// wsCommand is a client-to-server control message.
type wsCommand struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

// ChannelAuthorizer signs a private-channel subscription. Hosts typically
// back it with their auth endpoint.
type ChannelAuthorizer func(ctx context.Context, channelKey string) (string, error)

// WSProvider is a Provider over a single websocket connection.
type WSProvider struct {
	url        string
	token      string
	authorizer ChannelAuthorizer
	logger     zerolog.Logger
	clientID   string

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*wsSubscription
	cancel context.CancelFunc
}

// WSOption configures a WSProvider.
type WSOption func(*WSProvider)

// WithChannelAuthorizer sets the private-channel authorizer.
func WithChannelAuthorizer(a ChannelAuthorizer) WSOption {
	return func(p *WSProvider) { p.authorizer = a }
}

// WithWSLogger sets the provider logger.
func WithWSLogger(logger zerolog.Logger) WSOption {
	return func(p *WSProvider) { p.logger = logger }
}

// NewWSProvider creates a websocket push provider for the given endpoint.
// Call Connect before subscribing.
func NewWSProvider(rawURL, token string, opts ...WSOption) *WSProvider {
	p := &WSProvider{
		url:      rawURL,
		token:    token,
		logger:   zerolog.Nop(),
		clientID: uuid.NewString(),
		subs:     make(map[string]*wsSubscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials the websocket endpoint and starts the read loop.
func (p *WSProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	wsURL := strings.Replace(p.url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if p.token != "" {
		wsURL += "?token=" + p.token + "&client=" + p.clientID
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.conn = conn
	p.cancel = cancel
	p.mu.Unlock()

	go p.readLoop(loopCtx, conn)
	return nil
}

// Close shuts the connection down and drops all subscriptions.
func (p *WSProvider) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	for key, sub := range p.subs {
		sub.UnbindAll()
		delete(p.subs, key)
	}
	p.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// Subscribe issues a subscribe command for the channel and returns its
// subscription. Private channels ("private-" prefix) are signed through
// the authorizer first.
func (p *WSProvider) Subscribe(channelKey string) (Subscription, error) {
	p.mu.Lock()
	conn := p.conn
	if sub, ok := p.subs[channelKey]; ok {
		p.mu.Unlock()
		return sub, nil
	}
	if conn == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	// Register before the subscribe command goes out: once the server acks,
	// events start flowing, and the read loop must already know the channel.
	sub := newWSSubscription(channelKey)
	p.subs[channelKey] = sub
	p.mu.Unlock()

	fail := func(err error) (Subscription, error) {
		p.mu.Lock()
		if p.subs[channelKey] == sub {
			delete(p.subs, channelKey)
		}
		p.mu.Unlock()
		return nil, err
	}

	cmd := wsCommand{Event: "subscribe", Channel: channelKey}
	if strings.HasPrefix(channelKey, "private-") && p.authorizer != nil {
		auth, err := p.authorizer(context.Background(), channelKey)
		if err != nil {
			return fail(fmt.Errorf("channel auth: %w", err))
		}
		cmd.Auth = auth
	}

	if err := p.write(conn, cmd); err != nil {
		return fail(err)
	}
	return sub, nil
}

// Unsubscribe issues an unsubscribe command and drops the channel's
// subscription. Safe to call for unknown channels.
func (p *WSProvider) Unsubscribe(channelKey string) {
	p.mu.Lock()
	sub, ok := p.subs[channelKey]
	if ok {
		delete(p.subs, channelKey)
	}
	conn := p.conn
	p.mu.Unlock()

	if !ok {
		return
	}
	sub.UnbindAll()
	if conn != nil {
		if err := p.write(conn, wsCommand{Event: "unsubscribe", Channel: channelKey}); err != nil {
			p.logger.Debug().Str("channel", channelKey).Err(err).Msg("unsubscribe write failed")
		}
	}
}

func (p *WSProvider) write(conn *websocket.Conn, cmd wsCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (p *WSProvider) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.mu.Lock()
			closed := p.conn == nil
			p.mu.Unlock()
			if !closed {
				p.logger.Warn().Err(err).Msg("push connection lost; live delivery degraded")
			}
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}

		p.mu.Lock()
		sub := p.subs[env.Channel]
		p.mu.Unlock()
		if sub != nil {
			sub.dispatch(env.Event, env.Data)
		}
	}
}

// wsSubscription fans provider events out to bound handlers.
type wsSubscription struct {
	channelKey string

	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
}

func newWSSubscription(channelKey string) *wsSubscription {
	return &wsSubscription{
		channelKey: channelKey,
		handlers:   make(map[string][]func(json.RawMessage)),
	}
}

func (s *wsSubscription) On(event string, handler func(json.RawMessage)) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], handler)
	s.mu.Unlock()
}

func (s *wsSubscription) UnbindAll() {
	s.mu.Lock()
	s.handlers = make(map[string][]func(json.RawMessage))
	s.mu.Unlock()
}

func (s *wsSubscription) dispatch(event string, payload json.RawMessage) {
	s.mu.Lock()
	handlers := append([]func(json.RawMessage){}, s.handlers[event]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}
