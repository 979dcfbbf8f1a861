// Package chatsync keeps a local chat message view consistent across three
// concurrent producers: paginated REST history, optimistic local sends, and
// a realtime push channel.
//
// The Store owns the canonical in-memory message list for one conversation;
// the Controller orchestrates history loading, the push subscription
// lifecycle, optimistic sends, and read-state propagation around it.
//
// Example:
//
//	client := chatsync.NewClient("token", chatsync.WithBaseURL("https://chat.example.com"))
//	ctrl := chatsync.NewController(client, provider, "user-42")
//	ctrl.OnSnapshot(func(msgs []chatsync.Message) { render(msgs) })
//
//	ctrl.Select(ctx, "conv-7", "private-conversation-7")
//	ctrl.Send(ctx, chatsync.Draft{Body: "hello"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout is the client-side limit for every REST call. A call
	// exceeding it fails through the same path as any other network error.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST messaging collaborator. It injects the bearer token,
// applies the request timeout, and maps 401 to ErrSessionExpired; it knows
// nothing about the message store.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the server base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger used by the client and every component built
// on it. Default is a no-op logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a messaging client authenticated with the given token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token, e.g. after the host re-authenticates.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Logger returns the configured logger.
func (c *Client) Logger() zerolog.Logger { return c.logger }

// ── request plumbing ─────────────────────────────────────

// httpStatusError carries a non-2xx response through the error chain so
// callers can attach the status to their own taxonomy.
type httpStatusError struct {
	Status int
	Body   []byte
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Status)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrSessionExpired
	case resp.StatusCode >= 400:
		return nil, &httpStatusError{Status: resp.StatusCode, Body: data}
	}
	return data, nil
}

// ============================================================================
// Messaging endpoints
// ============================================================================

// FetchHistory retrieves one page of message history. The raw envelope is
// returned as-is; the HistoryLoader normalizes its shape.
func (c *Client) FetchHistory(ctx context.Context, conversationID, cursor string) ([]byte, error) {
	var query url.Values
	if cursor != "" {
		query = url.Values{"cursor": {cursor}}
	}
	return c.doRequest(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, query)
}

// PostMessage sends a text-only message.
func (c *Client) PostMessage(ctx context.Context, conversationID, body string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages",
		map[string]any{"body": body}, nil)
}

// PostMessageMultipart sends a message with attachments as one multipart
// request. onProgress, if non-nil, receives cumulative bytes written as the
// request body uploads.
func (c *Client) PostMessageMultipart(ctx context.Context, conversationID, body string, attachments []DraftAttachment, onProgress func(done, total int64)) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if body != "" {
		if err := w.WriteField("body", body); err != nil {
			return nil, fmt.Errorf("failed to write body field: %w", err)
		}
	}
	for _, att := range attachments {
		part, err := w.CreateFormFile("attachments[]", att.FileName)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	total := int64(buf.Len())
	var reqBody io.Reader = &buf
	if onProgress != nil {
		reqBody = &progressReader{r: &buf, total: total, report: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/conversations/"+conversationID+"/messages", reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.ContentLength = total

	return c.send(req)
}

// PostReadReceipt marks a single message as read on the server.
func (c *Client) PostReadReceipt(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/messages/"+messageID+"/read", nil, nil)
	return err
}

// CreateConversation opens a conversation with the given participant and
// returns the new conversation id.
func (c *Client) CreateConversation(ctx context.Context, participant UserID) (string, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/conversations",
		map[string]any{"participantId": participant.String()}, nil)
	if err != nil {
		return "", err
	}

	// Either {"id": ...} or {"data": {"id": ...}}.
	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if id := anyToID(envelope["id"]); id != "" {
		return id, nil
	}
	if inner, ok := envelope["data"].(map[string]any); ok {
		if id := anyToID(inner["id"]); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("conversation id missing from response")
}

// progressReader reports cumulative bytes read from the wrapped reader.
type progressReader struct {
	r      io.Reader
	done   int64
	total  int64
	report func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.report(p.done, p.total)
	}
	return n, err
}
