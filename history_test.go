package chatsync_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	chatsync "github.com/talkbase/chatsync-go"
)

const historyPayload = `[
	{"id": "m1", "senderId": "user-2", "body": "first", "createdAt": "2026-03-14T09:01:00Z"},
	{"id": "m2", "senderId": "user-2", "body": "second", "createdAt": "2026-03-14T09:02:00Z"}
]`

// ===========================================================================
// Envelope shapes
// ===========================================================================

func TestNormalizeHistoryShapes(t *testing.T) {
	wrapped := func(format string) []byte {
		return []byte(fmt.Sprintf(format, historyPayload))
	}

	cases := []struct {
		name string
		data []byte
		want int
	}{
		{"bare array", []byte(historyPayload), 2},
		{"data envelope", wrapped(`{"data": %s}`), 2},
		{"nested messages envelope", wrapped(`{"messages": {"data": %s}}`), 2},
		{"messages array envelope", wrapped(`{"messages": %s}`), 2},
		{"unknown shape", []byte(`{"items": [1, 2, 3]}`), 0},
		{"empty object", []byte(`{}`), 0},
		{"not json", []byte(`oops`), 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgs := chatsync.NormalizeHistory(tc.data, "conv-1")
			if len(msgs) != tc.want {
				t.Fatalf("Expected %d messages, got %d", tc.want, len(msgs))
			}
			for _, m := range msgs {
				if m.ConversationID != "conv-1" {
					t.Errorf("Expected conversation id backfilled, got %q", m.ConversationID)
				}
				if m.DeliveryState != chatsync.DeliverySent {
					t.Errorf("Expected sent state for server message, got %s", m.DeliveryState)
				}
			}
		})
	}
}

func TestNormalizeHistoryFields(t *testing.T) {
	t.Run("numeric ids and unix timestamps", func(t *testing.T) {
		data := []byte(`[{"id": 99, "sender_id": 7, "content": "hi", "created_at": 1770000000}]`)
		msgs := chatsync.NormalizeHistory(data, "conv-1")
		if len(msgs) != 1 {
			t.Fatalf("Expected 1 message, got %d", len(msgs))
		}
		m := msgs[0]
		if m.ID != "99" {
			t.Errorf("Expected id 99, got %q", m.ID)
		}
		if !m.SenderID.Equal(chatsync.UserIDFromInt(7)) {
			t.Errorf("Expected sender 7, got %q", m.SenderID)
		}
		if m.Body != "hi" {
			t.Errorf("Expected content field used, got %q", m.Body)
		}
		if m.CreatedAt.Unix() != 1770000000 {
			t.Errorf("Expected unix timestamp parsed, got %v", m.CreatedAt)
		}
	})

	t.Run("payload without id is dropped", func(t *testing.T) {
		data := []byte(`[{"body": "no id"}, {"id": "m1", "body": "ok", "createdAt": "2026-03-14T09:00:00Z"}]`)
		msgs := chatsync.NormalizeHistory(data, "conv-1")
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Fatalf("Expected only the identified message, got %d", len(msgs))
		}
	})

	t.Run("read timestamp and attachments", func(t *testing.T) {
		data := []byte(`[{
			"id": "m1", "createdAt": "2026-03-14T09:00:00Z", "readAt": "2026-03-14T09:05:00Z",
			"attachments": [{"fileName": "photo.png", "mimeType": "image/png", "sizeBytes": 2048, "url": "https://cdn/p.png"}]
		}]`)
		msgs := chatsync.NormalizeHistory(data, "conv-1")
		if len(msgs) != 1 {
			t.Fatalf("Expected 1 message, got %d", len(msgs))
		}
		m := msgs[0]
		if m.ReadAt == nil {
			t.Fatal("Expected ReadAt set")
		}
		if len(m.Attachments) != 1 {
			t.Fatalf("Expected 1 attachment, got %d", len(m.Attachments))
		}
		a := m.Attachments[0]
		if a.FileName != "photo.png" || a.SizeBytes != 2048 || a.UploadState != chatsync.UploadDone {
			t.Errorf("Attachment decoded incorrectly: %+v", a)
		}
	})
}

// ===========================================================================
// Loader errors
// ===========================================================================

func TestHistoryLoaderErrors(t *testing.T) {
	t.Run("http failure wraps status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		loader := chatsync.NewHistoryLoader(chatsync.NewClient("tok", chatsync.WithBaseURL(srv.URL)))
		_, err := loader.Load(context.Background(), "conv-1", "")

		var fetchErr *chatsync.HistoryFetchError
		if !errors.As(err, &fetchErr) {
			t.Fatalf("Expected HistoryFetchError, got %T: %v", err, err)
		}
		if fetchErr.HTTPStatus != http.StatusInternalServerError {
			t.Errorf("Expected status 500, got %d", fetchErr.HTTPStatus)
		}
		if fetchErr.ConversationID != "conv-1" {
			t.Errorf("Expected conversation id in error, got %q", fetchErr.ConversationID)
		}
	})

	t.Run("401 surfaces as session expired", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "expired", http.StatusUnauthorized)
		}))
		defer srv.Close()

		loader := chatsync.NewHistoryLoader(chatsync.NewClient("tok", chatsync.WithBaseURL(srv.URL)))
		_, err := loader.Load(context.Background(), "conv-1", "")
		if !errors.Is(err, chatsync.ErrSessionExpired) {
			t.Fatalf("Expected ErrSessionExpired, got %v", err)
		}
	})

	t.Run("successful load sends cursor and token", func(t *testing.T) {
		var gotCursor, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotCursor = r.URL.Query().Get("cursor")
			gotAuth = r.Header.Get("Authorization")
			fmt.Fprint(w, historyPayload)
		}))
		defer srv.Close()

		loader := chatsync.NewHistoryLoader(chatsync.NewClient("tok", chatsync.WithBaseURL(srv.URL)))
		msgs, err := loader.Load(context.Background(), "conv-1", "page-2")
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("Expected 2 messages, got %d", len(msgs))
		}
		if gotCursor != "page-2" {
			t.Errorf("Expected cursor forwarded, got %q", gotCursor)
		}
		if gotAuth != "Bearer tok" {
			t.Errorf("Expected bearer token, got %q", gotAuth)
		}
	})
}
