package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/send"
)

func sendCmd() *cobra.Command {
	var (
		to, intent, body       string
		from, worker           string
		thread, priority, ack  string
		contextTag, ref        string
		channelID              string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a HIAMP message to a peer worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" || intent == "" || body == "" {
				return usageError{fmt.Errorf("--to, --intent, and --body are required")}
			}
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			sender, err := eng.sender()
			if err != nil {
				return err
			}
			res, err := sender.Send(cmd.Context(), send.Request{
				From:      from,
				Worker:    worker,
				To:        to,
				Intent:    hiamp.Intent(intent),
				Body:      body,
				Thread:    thread,
				Priority:  hiamp.Priority(priority),
				Ack:       hiamp.AckMode(ack),
				Context:   contextTag,
				Ref:       ref,
				ChannelID: channelID,
			})
			if err != nil {
				return err
			}
			fmt.Printf("sent %s (thread %s, channel %s)\n", res.MessageID, res.Thread, res.ChannelID)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "destination address <peer>/<worker>")
	cmd.Flags().StringVar(&intent, "intent", "", "message intent (handoff|request|inform|acknowledge|query|response|error|share)")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().StringVar(&from, "from", "", "explicit from address")
	cmd.Flags().StringVar(&worker, "worker", "", "local worker (from derives as <owner>/<worker>)")
	cmd.Flags().StringVar(&thread, "thread", "", "existing thread id")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low|normal|high|urgent)")
	cmd.Flags().StringVar(&ack, "ack", "", "ack mode (none|optional|requested)")
	cmd.Flags().StringVar(&contextTag, "context", "", "context tag for channel resolution")
	cmd.Flags().StringVar(&ref, "ref", "", "external reference url")
	cmd.Flags().StringVar(&channelID, "channel-id", "", "explicit transport channel or issue id")
	return cmd
}
