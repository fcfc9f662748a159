package cmd

import (
	"fmt"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

func threadCmd() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Print a thread log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threadID == "" {
				return usageError{fmt.Errorf("--thread-id is required")}
			}
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			t, err := eng.threads.Load(threadID)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s)  participants: %v\n", t.ID, t.Status, t.Participants)
			fromWidth := 0
			for _, m := range t.Messages {
				if w := runewidth.StringWidth(m.From); w > fromWidth {
					fromWidth = w
				}
			}
			for _, m := range t.Messages {
				ref := ""
				if m.ReplyTo != "" {
					ref = " ↩ " + m.ReplyTo
				}
				fmt.Printf("  %s  %s  %-11s %s%s\n",
					m.Timestamp, runewidth.FillRight(m.From, fromWidth), m.Intent, firstLine(m.Body), ref)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread id to print")
	return cmd
}
