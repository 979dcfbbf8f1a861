package chatsync_test

import (
	"testing"

	chatsync "github.com/talkbase/chatsync-go"
)

func TestUserIDEqual(t *testing.T) {
	cases := []struct {
		a, b chatsync.UserID
		want bool
	}{
		{"user-1", "user-1", true},
		{"user-1", " user-1 ", true},
		{"user-1", "user-2", false},
		{"42", chatsync.UserIDFromInt(42), true},
		{"", "", true},
	}
	for _, tc := range cases {
		if got := tc.a.Equal(tc.b); got != tc.want {
			t.Errorf("Equal(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDraftEmpty(t *testing.T) {
	if !(chatsync.Draft{Body: "  \n"}).Empty() {
		t.Error("Whitespace-only draft should be empty")
	}
	if (chatsync.Draft{Body: "hi"}).Empty() {
		t.Error("Draft with text is not empty")
	}
	withFile := chatsync.Draft{Attachments: []chatsync.DraftAttachment{{FileName: "a.png"}}}
	if withFile.Empty() {
		t.Error("Draft with an attachment is not empty")
	}
}

func TestMessageProvisional(t *testing.T) {
	if !(chatsync.Message{ID: "temp-1-abcd1234"}).Provisional() {
		t.Error("temp-prefixed id should be provisional")
	}
	if (chatsync.Message{ID: "srv-1"}).Provisional() {
		t.Error("Server id should not be provisional")
	}
}
