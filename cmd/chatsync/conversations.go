package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	chatsync "github.com/talkbase/chatsync-go"
)

func init() {
	conversationsCmd.AddCommand(conversationsCreateCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <user-id>",
	Short: "Start a conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		id, err := client.CreateConversation(ctx, chatsync.UserID(args[0]))
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		fmt.Printf("Conversation created: %s\n", id)
		return nil
	},
}
