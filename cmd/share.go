package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/hiamp"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/send"
)

func shareCmd() *cobra.Command {
	var (
		to, files, body string
		worker          string
	)

	cmd := &cobra.Command{
		Use:   "share",
		Short: "Send a message with inline file attachments",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" || files == "" || body == "" {
				return usageError{fmt.Errorf("--to, --files, and --body are required")}
			}
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			maxBytes := eng.cfg.Snapshot().Settings.AttachmentMaxBytes

			var b strings.Builder
			b.WriteString(body)
			for _, rel := range strings.Split(files, ",") {
				rel = strings.TrimSpace(rel)
				data, err := os.ReadFile(filepath.Join(hqRoot, rel))
				if err != nil {
					return hqerr.Newf(hqerr.CodeInvalidMessage, "attachment %q unreadable", rel).WithDetail(err.Error())
				}
				if len(data) > maxBytes {
					return hqerr.Newf(hqerr.CodeInvalidMessage,
						"attachment %q exceeds inline limit of %d bytes", rel, maxBytes)
				}
				fmt.Fprintf(&b, "\n\n--- %s ---\n%s", rel, data)
			}

			sender, err := eng.sender()
			if err != nil {
				return err
			}
			res, err := sender.Send(cmd.Context(), send.Request{
				Worker: worker,
				To:     to,
				Intent: hiamp.IntentShare,
				Body:   b.String(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("shared %s (thread %s)\n", res.MessageID, res.Thread)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "destination address <peer>/<worker>")
	cmd.Flags().StringVar(&files, "files", "", "comma-separated paths relative to the HQ root")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().StringVar(&worker, "worker", "", "local worker sending the share")
	return cmd
}
