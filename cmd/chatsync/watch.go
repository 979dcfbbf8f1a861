package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	chatsync "github.com/talkbase/chatsync-go"
)

var (
	watchChannel string
	watchPoll    time.Duration
	watchMarkAll bool
)

func init() {
	watchCmd.Flags().StringVar(&watchChannel, "channel", "", "push channel key (defaults to conversation.<id>)")
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 30*time.Second, "history poll interval (0 disables polling)")
	watchCmd.Flags().BoolVar(&watchMarkAll, "mark-read", false, "send read receipts for incoming messages as they arrive")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Load a conversation's history and print new messages as they arrive,\nvia the push channel when available and periodic polling otherwise.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		channelKey := watchChannel
		if channelKey == "" {
			channelKey = "conversation." + conversationID
		}

		client := getClient()
		self := selfID()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var provider chatsync.Provider
		if ws := getProvider(); ws != nil {
			if err := ws.Connect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Push connection failed (%v); continuing with polling only.\n", err)
			} else {
				provider = ws
				defer ws.Close()
			}
		}

		ctrl := chatsync.NewController(client, provider, self,
			chatsync.WithPollInterval(watchPoll))

		// Snapshots arrive from the poll loop and the ws read loop.
		var mu sync.Mutex
		printed := map[string]bool{}
		ctrl.OnSnapshot(func(msgs []chatsync.Message) {
			mu.Lock()
			defer mu.Unlock()
			var fresh []chatsync.Message
			for _, m := range msgs {
				if printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				printMessage(m, self)
				fresh = append(fresh, m)
			}
			if watchMarkAll && len(fresh) > 0 {
				go ctrl.MarkVisible(ctx, fresh)
			}
		})

		if err := ctrl.Select(ctx, conversationID, channelKey); err != nil {
			return fmt.Errorf("cannot load conversation: %w", err)
		}
		defer ctrl.Deselect()

		fmt.Fprintf(os.Stderr, "Watching conversation %s (state: %s). Ctrl-C to stop.\n",
			conversationID, ctrl.Subscription().State())

		<-ctx.Done()
		return nil
	},
}

// printMessage renders one message as a single terminal line.
func printMessage(m chatsync.Message, self chatsync.UserID) {
	who := string(m.SenderID)
	if m.SenderID.Equal(self) {
		who = "me"
	}
	marker := ""
	switch {
	case m.Provisional():
		marker = " [sending]"
	case m.DeliveryState == chatsync.DeliveryFailed:
		marker = " [failed]"
	case m.ReadAt != nil:
		marker = " [read]"
	}
	line := m.Body
	for _, a := range m.Attachments {
		line += fmt.Sprintf(" <%s>", a.FileName)
	}
	fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), who, line, marker)
}
