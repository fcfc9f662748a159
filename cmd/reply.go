package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/inbox"
	"github.com/nextlevelbuilder/hqlink/internal/send"
)

func replyCmd() *cobra.Command {
	var (
		messageID, body, ack string
	)

	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Reply to a received message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if messageID == "" || body == "" {
				return usageError{fmt.Errorf("--message-id and --body are required")}
			}
			eng, err := buildEngine()
			if err != nil {
				return err
			}

			worker, entry, err := findEntry(eng, messageID)
			if err != nil {
				return err
			}
			sender, err := eng.sender()
			if err != nil {
				return err
			}

			orig := entry.Message
			res, err := sender.Send(cmd.Context(), send.Request{
				Worker:    worker,
				To:        orig.From,
				Intent:    hiamp.IntentResponse,
				Body:      body,
				Thread:    orig.Thread,
				Ack:       hiamp.AckMode(ack),
				ChannelID: entry.ChannelID,
				ThreadRef: entry.ThreadRef,
			})
			if err != nil {
				return err
			}
			if err := eng.inbox.MarkRead(worker, messageID); err != nil {
				return err
			}
			fmt.Printf("replied %s (thread %s)\n", res.MessageID, res.Thread)
			return nil
		},
	}

	cmd.Flags().StringVar(&messageID, "message-id", "", "message id to reply to")
	cmd.Flags().StringVar(&body, "body", "", "reply body")
	cmd.Flags().StringVar(&ack, "ack", "", "ack mode for the reply")
	return cmd
}

// findEntry locates a message across all worker inboxes.
func findEntry(eng *engine, messageID string) (string, *inbox.Entry, error) {
	workers, err := eng.inbox.Workers()
	if err != nil {
		return "", nil, err
	}
	for _, w := range workers {
		if e, err := eng.inbox.Get(w, messageID); err == nil {
			return w, e, nil
		}
	}
	return "", nil, hqerr.Newf(hqerr.CodeInvalidMessage, "message %q not found in any inbox", messageID)
}
