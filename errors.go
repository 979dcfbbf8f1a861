package chatsync

import (
	"errors"
	"fmt"
)

// ErrSessionExpired is returned when the server answers 401. The host
// application is expected to redirect to authentication; this package does
// not manage auth state.
var ErrSessionExpired = errors.New("chatsync: session expired")

// HistoryFetchError reports a network or HTTP failure while loading history.
// It never crashes the store; the controller decides whether to retry.
type HistoryFetchError struct {
	ConversationID string
	HTTPStatus     int
	Err            error
}

func (e *HistoryFetchError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("chatsync: history fetch for conversation %s failed (HTTP %d)", e.ConversationID, e.HTTPStatus)
	}
	return fmt.Sprintf("chatsync: history fetch for conversation %s failed: %v", e.ConversationID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// EmptyMessageError is a local validation failure: the draft had neither
// text nor attachments. Surfaced synchronously before any network call.
type EmptyMessageError struct{}

func (e *EmptyMessageError) Error() string {
	return "chatsync: message is empty"
}

// SendFailedError reports a rejected or timed-out send. The provisional
// message has already been rolled back when the caller sees this.
type SendFailedError struct {
	Reason     string
	HTTPStatus int // zero when the failure was not an HTTP response
	Err        error
}

func (e *SendFailedError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("chatsync: send failed (HTTP %d): %s", e.HTTPStatus, e.Reason)
	}
	return fmt.Sprintf("chatsync: send failed: %s", e.Reason)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// AttachmentUploadError reports a failed attachment upload. Uploads are
// all-or-nothing: one failure rolls back the enclosing send.
type AttachmentUploadError struct {
	FileName string
	Err      error
}

func (e *AttachmentUploadError) Error() string {
	return fmt.Sprintf("chatsync: upload of %q failed: %v", e.FileName, e.Err)
}

func (e *AttachmentUploadError) Unwrap() error { return e.Err }

// SubscriptionError reports a push-channel attach or auth failure. It is
// non-fatal: history stays visible, only live delivery degrades.
type SubscriptionError struct {
	ConversationID string
	ChannelKey     string
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("chatsync: subscription to %s failed: %v", e.ChannelKey, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// ReadReceiptError reports a single failed read-receipt post. Logged and
// skipped, never propagated as a blocking error.
type ReadReceiptError struct {
	MessageID  string
	HTTPStatus int
	Err        error
}

func (e *ReadReceiptError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("chatsync: read receipt for message %s failed (HTTP %d)", e.MessageID, e.HTTPStatus)
	}
	return fmt.Sprintf("chatsync: read receipt for message %s failed: %v", e.MessageID, e.Err)
}

func (e *ReadReceiptError) Unwrap() error { return e.Err }
