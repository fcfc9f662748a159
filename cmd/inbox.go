package cmd

import (
	"fmt"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/inbox"
)

func inboxCmd() *cobra.Command {
	var (
		worker     string
		includeAll bool
	)

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List received messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}

			workers := []string{worker}
			if worker == "" {
				workers, err = eng.inbox.Workers()
				if err != nil {
					return err
				}
			}

			total := 0
			for _, w := range workers {
				entries, err := eng.inbox.List(w, includeAll)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					continue
				}
				fmt.Printf("%s:\n", w)
				printEntries(entries)
				total += len(entries)
			}
			if total == 0 {
				fmt.Println("inbox empty")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "list one worker's inbox")
	cmd.Flags().BoolVar(&includeAll, "all", false, "include read messages")
	return cmd
}

func printEntries(entries []*inbox.Entry) {
	fromWidth := 0
	for _, e := range entries {
		if w := runewidth.StringWidth(e.Message.From); w > fromWidth {
			fromWidth = w
		}
	}
	for _, e := range entries {
		flag := "•"
		if e.Read {
			flag = " "
		}
		fmt.Printf("  %s %s  %s  %-11s %s\n",
			flag,
			e.Message.ID,
			runewidth.FillRight(e.Message.From, fromWidth),
			e.Message.Intent,
			firstLine(e.Message.Body))
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
