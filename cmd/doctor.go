package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, workspace layout, and transport credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok := true
			check := func(label string, pass bool, hint string) {
				mark := "✓"
				if !pass {
					mark = "✗"
					ok = false
				}
				fmt.Printf("  %s %s", mark, label)
				if !pass && hint != "" {
					fmt.Printf(" — %s", hint)
				}
				fmt.Println()
			}

			cfg, err := loadConfig()
			if err != nil {
				check("config loads", false, err.Error())
				return fmt.Errorf("doctor found problems")
			}
			check("config loads", true, "")
			snap := cfg.Snapshot()
			check("identity declared", snap.Identity.Owner != "", "set identity.owner")
			check("peers declared", len(snap.Peers) > 0, "add at least one peer")

			switch snap.Transport {
			case config.TransportSlack:
				check("slack bot token present", snap.Slack.BotToken != "", "set slack.bot-token (or $SLACK_BOT_TOKEN)")
				check("slack app token present", snap.Slack.AppToken != "", "set slack.app-token for socket mode")
			case config.TransportLinear:
				check("linear api key present", snap.Linear.APIKey != "", "set linear.api-key (or $LINEAR_API_KEY)")
				check("linear default team set", snap.Linear.DefaultTeam != "", "set linear.default-team")
			}

			for _, dir := range []string{
				snap.Settings.InboxPath,
				snap.Settings.ThreadLogPath,
				"workspace/world/log",
			} {
				abs := filepath.Join(hqRoot, dir)
				_, err := os.Stat(abs)
				check(dir+" exists", err == nil, "created on first use")
			}

			if !ok {
				return fmt.Errorf("doctor found problems")
			}
			fmt.Println("all checks passed")
			return nil
		},
	}
}
