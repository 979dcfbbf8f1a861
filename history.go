package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// HistoryLoader fetches and normalizes one page of conversation history.
// It never mutates the store; it returns messages for the controller to
// feed in, which keeps it stateless and testable in isolation.
type HistoryLoader struct {
	client *Client
}

// NewHistoryLoader creates a loader on the given client.
func NewHistoryLoader(client *Client) *HistoryLoader {
	return &HistoryLoader{client: client}
}

// Load fetches a history page for the conversation. Network and HTTP
// failures come back as *HistoryFetchError; a 401 surfaces as
// ErrSessionExpired for the host application.
func (l *HistoryLoader) Load(ctx context.Context, conversationID, cursor string) ([]Message, error) {
	data, err := l.client.FetchHistory(ctx, conversationID, cursor)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) {
			return nil, &HistoryFetchError{ConversationID: conversationID, HTTPStatus: httpErr.Status, Err: err}
		}
		return nil, &HistoryFetchError{ConversationID: conversationID, Err: err}
	}
	return NormalizeHistory(data, conversationID), nil
}

// ============================================================================
// Response normalization
// ============================================================================

// shapeMatchers are tried in order against a history envelope; the first
// one that recognizes the shape wins. Servers of different vintages return
// a bare array, {data: [...]}, {messages: {data: [...]}}, or
// {messages: [...]}.
var shapeMatchers = []func(data []byte) ([]json.RawMessage, bool){
	matchBareArray,
	matchDataArray,
	matchNestedMessages,
	matchMessagesArray,
}

// NormalizeHistory turns any known history envelope into canonical
// messages. Unknown shapes yield an empty slice, never an error: a
// conversation with no history is a valid and common state.
func NormalizeHistory(data []byte, conversationID string) []Message {
	var raw []json.RawMessage
	for _, match := range shapeMatchers {
		if items, ok := match(data); ok {
			raw = items
			break
		}
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var fields map[string]any
		if json.Unmarshal(item, &fields) != nil {
			continue
		}
		if msg, ok := messageFromWire(fields, conversationID); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func matchBareArray(data []byte) ([]json.RawMessage, bool) {
	var items []json.RawMessage
	if json.Unmarshal(data, &items) == nil {
		return items, true
	}
	return nil, false
}

func matchDataArray(data []byte) ([]json.RawMessage, bool) {
	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Data != nil {
		return envelope.Data, true
	}
	return nil, false
}

func matchNestedMessages(data []byte) ([]json.RawMessage, bool) {
	var envelope struct {
		Messages struct {
			Data []json.RawMessage `json:"data"`
		} `json:"messages"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Messages.Data != nil {
		return envelope.Messages.Data, true
	}
	return nil, false
}

func matchMessagesArray(data []byte) ([]json.RawMessage, bool) {
	var envelope struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Messages != nil {
		return envelope.Messages, true
	}
	return nil, false
}

// ============================================================================
// Tolerant field decoding
// ============================================================================

// messageFromWire builds a canonical Message from a loosely-typed payload.
// Ids arrive as numbers from some endpoints and strings from others;
// timestamps as RFC 3339 or unix seconds. A payload without an id is
// dropped rather than stored under an empty key.
func messageFromWire(fields map[string]any, conversationID string) (Message, bool) {
	id := anyToID(fields["id"])
	if id == "" {
		return Message{}, false
	}

	msg := Message{
		ID:             id,
		ConversationID: firstString(fields, "conversationId", "conversation_id"),
		SenderID:       UserID(anyToID(pick(fields, "senderId", "sender_id"))),
		Body:           firstString(fields, "body", "content"),
		CreatedAt:      anyToTime(pick(fields, "createdAt", "created_at")),
		DeliveryState:  DeliverySent,
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if t := anyToTime(pick(fields, "readAt", "read_at")); !t.IsZero() {
		msg.ReadAt = &t
	}

	if rawAtts, ok := fields["attachments"].([]any); ok {
		for _, rawAtt := range rawAtts {
			af, ok := rawAtt.(map[string]any)
			if !ok {
				continue
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				FileName:    firstString(af, "fileName", "file_name"),
				MimeType:    firstString(af, "mimeType", "mime_type"),
				SizeBytes:   anyToInt64(pick(af, "sizeBytes", "size_bytes")),
				URL:         firstString(af, "url", "dataUrl"),
				UploadState: UploadDone,
			})
		}
	}
	return msg, true
}

func pick(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// anyToID renders a server id as a string whether it arrived as a JSON
// string or number.
func anyToID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case json.Number:
		return id.String()
	}
	return ""
}

func anyToInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// anyToTime parses an RFC 3339 string or unix-seconds number; the zero
// time means "absent".
func anyToTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	case float64:
		if t > 0 {
			return time.Unix(int64(t), 0).UTC()
		}
	}
	return time.Time{}
}
