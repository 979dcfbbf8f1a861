package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	chatsync "github.com/talkbase/chatsync-go"
)

var sendAttachments []string

func init() {
	sendCmd.Flags().StringArrayVarP(&sendAttachments, "attach", "a", nil, "file to attach (repeatable)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message to a conversation",
	Long:  "Send a text message, optionally with file attachments. When attachments\nare present the whole message succeeds or fails as a unit.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		body := ""
		if len(args) > 1 {
			body = args[1]
		}

		draft := chatsync.Draft{Body: body}
		for _, path := range sendAttachments {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read attachment %s: %w", path, err)
			}
			draft.Attachments = append(draft.Attachments, chatsync.DraftAttachment{
				FileName: filepath.Base(path),
				Data:     data,
			})
		}
		if len(draft.Attachments) > 0 {
			draft.OnProgress = func(done, total int64) {
				fmt.Fprintf(os.Stderr, "\ruploading %d/%d bytes", done, total)
				if done >= total {
					fmt.Fprintln(os.Stderr)
				}
			}
		}

		client := getClient()
		self := selfID()
		pipeline := chatsync.NewSendPipeline(client, chatsync.NewStore(), self)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		msg, err := pipeline.Send(ctx, conversationID, draft)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent message %s\n", msg.ID)
		for _, a := range msg.Attachments {
			fmt.Printf("  attachment: %s (%s)\n", a.FileName, a.UploadState)
		}
		return nil
	},
}
