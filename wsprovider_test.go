package chatsync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chatsync "github.com/talkbase/chatsync-go"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wsTestCommand struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

type wsTestEnvelope struct {
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// startWSServer runs a websocket endpoint that forwards client commands to
// cmds and lets the test push envelopes through send.
func startWSServer(t *testing.T) (url string, cmds chan wsTestCommand, send chan wsTestEnvelope, tokens chan string) {
	t.Helper()
	cmds = make(chan wsTestCommand, 8)
	send = make(chan wsTestEnvelope, 8)
	tokens = make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case tokens <- r.URL.Query().Get("token"):
		default:
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		ctx := r.Context()

		go func() {
			for {
				var cmd wsTestCommand
				if wsjson.Read(ctx, conn, &cmd) != nil {
					return
				}
				cmds <- cmd
			}
		}()
		for env := range send {
			if wsjson.Write(ctx, conn, env) != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(send) })
	return srv.URL, cmds, send, tokens
}

func waitCommand(t *testing.T, cmds chan wsTestCommand) wsTestCommand {
	t.Helper()
	select {
	case cmd := <-cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for client command")
		return wsTestCommand{}
	}
}

// ===========================================================================
// Tests
// ===========================================================================

func TestWSProvider(t *testing.T) {
	t.Run("subscribe before connect fails", func(t *testing.T) {
		p := chatsync.NewWSProvider("http://localhost:1", "tok")
		if _, err := p.Subscribe("chan-1"); err == nil {
			t.Fatal("Expected error when not connected")
		}
	})

	t.Run("delivers channel events to handlers", func(t *testing.T) {
		url, cmds, send, tokens := startWSServer(t)
		p := chatsync.NewWSProvider(url, "tok")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Connect(ctx); err != nil {
			t.Fatalf("Connect error: %v", err)
		}
		defer p.Close()

		if got := <-tokens; got != "tok" {
			t.Errorf("Expected token in dial query, got %q", got)
		}

		sub, err := p.Subscribe("conversation.7")
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		if cmd := waitCommand(t, cmds); cmd.Event != "subscribe" || cmd.Channel != "conversation.7" {
			t.Fatalf("Unexpected subscribe command: %+v", cmd)
		}

		got := make(chan json.RawMessage, 1)
		sub.On("message.created", func(payload json.RawMessage) { got <- payload })

		send <- wsTestEnvelope{
			Channel: "conversation.7",
			Event:   "message.created",
			Data:    json.RawMessage(`{"id": "m1"}`),
		}

		select {
		case payload := <-got:
			var fields map[string]any
			if err := json.Unmarshal(payload, &fields); err != nil || fields["id"] != "m1" {
				t.Errorf("Unexpected payload: %s", payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for event delivery")
		}

		// Events for channels nobody subscribed to are dropped.
		send <- wsTestEnvelope{Channel: "conversation.8", Event: "message.created", Data: json.RawMessage(`{"id": "m2"}`)}
		send <- wsTestEnvelope{Channel: "conversation.7", Event: "message.created", Data: json.RawMessage(`{"id": "m3"}`)}
		select {
		case payload := <-got:
			var fields map[string]any
			json.Unmarshal(payload, &fields)
			if fields["id"] != "m3" {
				t.Errorf("Expected only the subscribed channel's event, got %s", payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for second event")
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		url, cmds, send, _ := startWSServer(t)
		p := chatsync.NewWSProvider(url, "tok")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Connect(ctx); err != nil {
			t.Fatalf("Connect error: %v", err)
		}
		defer p.Close()

		sub, err := p.Subscribe("chan-1")
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		waitCommand(t, cmds)

		delivered := make(chan struct{}, 1)
		sub.On("ev", func(json.RawMessage) { delivered <- struct{}{} })

		p.Unsubscribe("chan-1")
		if cmd := waitCommand(t, cmds); cmd.Event != "unsubscribe" || cmd.Channel != "chan-1" {
			t.Fatalf("Unexpected unsubscribe command: %+v", cmd)
		}

		send <- wsTestEnvelope{Channel: "chan-1", Event: "ev"}
		select {
		case <-delivered:
			t.Error("Event delivered after unsubscribe")
		case <-time.After(200 * time.Millisecond):
		}

		// Unknown channels are a no-op.
		p.Unsubscribe("chan-unknown")
	})

	t.Run("private channels go through the authorizer", func(t *testing.T) {
		url, cmds, _, _ := startWSServer(t)

		var authorized string
		p := chatsync.NewWSProvider(url, "tok",
			chatsync.WithChannelAuthorizer(func(ctx context.Context, channelKey string) (string, error) {
				authorized = channelKey
				return "signature", nil
			}))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Connect(ctx); err != nil {
			t.Fatalf("Connect error: %v", err)
		}
		defer p.Close()

		if _, err := p.Subscribe("private-conversation.7"); err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		if authorized != "private-conversation.7" {
			t.Errorf("Expected authorizer called, got %q", authorized)
		}
		if cmd := waitCommand(t, cmds); cmd.Auth != "signature" {
			t.Errorf("Expected auth signature on subscribe command, got %+v", cmd)
		}
	})

	t.Run("failed subscribe leaves no stale registration", func(t *testing.T) {
		url, cmds, _, _ := startWSServer(t)

		authCalls := 0
		p := chatsync.NewWSProvider(url, "tok",
			chatsync.WithChannelAuthorizer(func(ctx context.Context, channelKey string) (string, error) {
				authCalls++
				if authCalls == 1 {
					return "", context.DeadlineExceeded
				}
				return "signature", nil
			}))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Connect(ctx); err != nil {
			t.Fatalf("Connect error: %v", err)
		}
		defer p.Close()

		if _, err := p.Subscribe("private-chan.1"); err == nil {
			t.Fatal("Expected first subscribe to fail")
		}

		// A retry must start over with a fresh subscribe command; a stale
		// registration from the failed attempt would short-circuit it.
		if _, err := p.Subscribe("private-chan.1"); err != nil {
			t.Fatalf("Retry subscribe error: %v", err)
		}
		if cmd := waitCommand(t, cmds); cmd.Event != "subscribe" || cmd.Channel != "private-chan.1" {
			t.Fatalf("Expected a fresh subscribe command on retry, got %+v", cmd)
		}
	})
}
