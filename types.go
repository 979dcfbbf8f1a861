package chatsync

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Identity
// ============================================================================

// UserID identifies a message author. Servers deliver ids inconsistently as
// numbers or strings, so all comparison goes through Equal rather than ==
// on raw payload values.
type UserID string

// UserIDFromInt converts a numeric id into a UserID.
func UserIDFromInt(n int64) UserID {
	return UserID(strconv.FormatInt(n, 10))
}

// Equal reports whether two ids refer to the same user after normalization.
func (u UserID) Equal(other UserID) bool {
	return strings.TrimSpace(string(u)) == strings.TrimSpace(string(other))
}

func (u UserID) String() string { return string(u) }

// ============================================================================
// Message model
// ============================================================================

// DeliveryState tracks a message through the optimistic send lifecycle.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending" // optimistic, not yet confirmed
	DeliverySent    DeliveryState = "sent"    // server-confirmed
	DeliveryFailed  DeliveryState = "failed"  // send rejected
)

// UploadState tracks an attachment upload.
type UploadState string

const (
	UploadPending UploadState = "pending"
	UploadDone    UploadState = "uploaded"
	UploadFailed  UploadState = "failed"
)

// Attachment is a file attached to a message.
type Attachment struct {
	FileName    string      `json:"fileName"`
	MimeType    string      `json:"mimeType"`
	SizeBytes   int64       `json:"sizeBytes"`
	URL         string      `json:"url,omitempty"`      // server location once uploaded
	LocalRef    string      `json:"localRef,omitempty"` // local blob reference before upload
	UploadState UploadState `json:"uploadState"`
}

// Message is the canonical unit every producer must conform to before
// touching the Store.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       UserID        `json:"senderId"`
	Body           string        `json:"body,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	DeliveryState  DeliveryState `json:"deliveryState"`
}

// OutgoingFor reports whether the message was authored by the given user.
func (m Message) OutgoingFor(user UserID) bool {
	return m.SenderID.Equal(user)
}

// Provisional reports whether the message carries a locally-generated id.
func (m Message) Provisional() bool {
	return strings.HasPrefix(m.ID, provisionalPrefix)
}

// ============================================================================
// Provisional ids
// ============================================================================

// provisionalPrefix marks locally-generated ids so they can never be
// mistaken for server-assigned ones.
const provisionalPrefix = "temp-"

var provisionalSeq atomic.Int64

// newProvisionalID returns a locally-unique provisional message id.
// The monotonic counter keeps ids ordered within a process; the uuid tail
// keeps them unique across restarts.
func newProvisionalID() string {
	n := provisionalSeq.Add(1)
	return provisionalPrefix + strconv.FormatInt(n, 10) + "-" + uuid.NewString()[:8]
}

// ============================================================================
// Drafts
// ============================================================================

// DraftAttachment is a locally-selected file awaiting upload.
type DraftAttachment struct {
	FileName string
	MimeType string
	Data     []byte
}

// Draft is a user-composed message before it enters the send pipeline.
type Draft struct {
	Body        string
	Attachments []DraftAttachment

	// OnProgress, if set, receives cumulative upload progress across all
	// attachments of this draft.
	OnProgress func(done, total int64)
}

// Empty reports whether the draft carries neither text nor attachments.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Body) == "" && len(d.Attachments) == 0
}

// ============================================================================
// Domain events
// ============================================================================

// MessageCreated is the canonical "a message arrived" event, produced by
// the subscription manager from provider payloads.
type MessageCreated struct {
	Message Message
}

// MessageRead is the canonical read-receipt event.
type MessageRead struct {
	MessageID string
	ReadAt    time.Time
}

// Typing is a canonical typing-indicator event.
type Typing struct {
	ConversationID string
	UserID         UserID
	IsTyping       bool
}
