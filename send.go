package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SendPipeline materializes a provisional message in the store before the
// network call, then reconciles it with the server-confirmed message or
// rolls it back. It never auto-retries: a duplicate send is worse than a
// failed one, so retry stays with the caller.
type SendPipeline struct {
	client *Client
	store  *Store
	self   UserID
	logger zerolog.Logger
	now    func() time.Time
}

// NewSendPipeline creates a pipeline writing into the given store.
func NewSendPipeline(client *Client, store *Store, self UserID) *SendPipeline {
	return &SendPipeline{
		client: client,
		store:  store,
		self:   self,
		logger: client.Logger(),
		now:    time.Now,
	}
}

// Send validates the draft, inserts a provisional entry, issues the send
// request (multipart when attachments are present), and reconciles. The
// returned message is the server-confirmed one.
func (p *SendPipeline) Send(ctx context.Context, conversationID string, draft Draft) (Message, error) {
	if draft.Empty() {
		return Message{}, &EmptyMessageError{}
	}

	provisional := p.provisionalMessage(conversationID, draft)
	// Insert before the network call so the UI reflects the send instantly.
	p.store.InsertOrReplace(provisional)

	var (
		data []byte
		err  error
	)
	if len(draft.Attachments) > 0 {
		data, err = p.client.PostMessageMultipart(ctx, conversationID, draft.Body, draft.Attachments, draft.OnProgress)
	} else {
		data, err = p.client.PostMessage(ctx, conversationID, draft.Body)
	}
	if err != nil {
		p.store.RemoveProvisional(provisional.ID)
		return Message{}, p.sendError(err, draft)
	}

	confirmed := confirmedFromResponse(data, provisional)
	p.store.ReplaceProvisional(provisional.ID, confirmed)
	return confirmed, nil
}

func (p *SendPipeline) provisionalMessage(conversationID string, draft Draft) Message {
	msg := Message{
		ID:             newProvisionalID(),
		ConversationID: conversationID,
		SenderID:       p.self,
		Body:           draft.Body,
		CreatedAt:      p.now(),
		DeliveryState:  DeliveryPending,
	}
	for _, att := range draft.Attachments {
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = guessMimeType(att.FileName)
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			FileName:    att.FileName,
			MimeType:    mimeType,
			SizeBytes:   int64(len(att.Data)),
			LocalRef:    msg.ID + "/" + att.FileName,
			UploadState: UploadPending,
		})
	}
	return msg
}

// sendError maps a transport failure onto the send taxonomy. Attachment
// sends wrap the cause in AttachmentUploadError since the upload and the
// send are one atomic request.
func (p *SendPipeline) sendError(err error, draft Draft) error {
	if errors.Is(err, ErrSessionExpired) {
		return &SendFailedError{Reason: "session expired", Err: ErrSessionExpired}
	}

	cause := err
	if len(draft.Attachments) > 0 {
		cause = &AttachmentUploadError{FileName: draft.Attachments[0].FileName, Err: err}
	}

	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		return &SendFailedError{Reason: "rejected by server", HTTPStatus: httpErr.Status, Err: cause}
	}
	return &SendFailedError{Reason: err.Error(), Err: cause}
}

// confirmedFromResponse extracts the server's copy of the message from a
// send response (bare object, {data: {...}}, or {message: {...}}) and
// backfills anything the server omitted from the provisional entry.
func confirmedFromResponse(data []byte, provisional Message) Message {
	var envelope map[string]any
	fields := map[string]any{}
	if json.Unmarshal(data, &envelope) == nil {
		switch {
		case envelope["id"] != nil:
			fields = envelope
		default:
			for _, key := range []string{"message", "data"} {
				if inner, ok := envelope[key].(map[string]any); ok {
					fields = inner
					break
				}
			}
		}
	}

	confirmed, ok := messageFromWire(fields, provisional.ConversationID)
	if !ok {
		// No server id in the response; keep the provisional id so the
		// entry stays addressable, but mark it delivered.
		confirmed = provisional
		confirmed.ID = provisional.ID
	}

	confirmed.DeliveryState = DeliverySent
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = provisional.ConversationID
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = provisional.SenderID
	}
	if confirmed.Body == "" {
		confirmed.Body = provisional.Body
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = provisional.CreatedAt
	}
	if len(confirmed.Attachments) == 0 && len(provisional.Attachments) > 0 {
		confirmed.Attachments = make([]Attachment, len(provisional.Attachments))
		copy(confirmed.Attachments, provisional.Attachments)
		for i := range confirmed.Attachments {
			confirmed.Attachments[i].UploadState = UploadDone
		}
	}
	return confirmed
}

// guessMimeType returns the MIME type for a file name, with fallbacks for
// extensions missing from Go's builtin registry.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
