package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/config"
)

func migrateCmd() *cobra.Command {
	var (
		from, to, defaultTeam, out string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a chat-style config to an issue-tracker config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from != config.TransportSlack || to != config.TransportLinear {
				return usageError{fmt.Errorf("only --from slack --to linear is supported")}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			res, err := config.MigrateSlackToLinear(cfg, defaultTeam)
			if err != nil {
				return err
			}

			target := out
			if target == "" {
				target = config.ResolvePath(cfgFile) + ".linear"
			}
			if err := config.Save(target, res.Config); err != nil {
				return err
			}

			fmt.Printf("migrated config written to %s\n", target)
			for _, s := range res.Summary {
				fmt.Printf("  %s\n", s)
			}
			for _, w := range res.Warnings {
				fmt.Printf("  warning: %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "source transport (slack)")
	cmd.Flags().StringVar(&to, "to", "", "target transport (linear)")
	cmd.Flags().StringVar(&defaultTeam, "default-team", "", "issue-tracker team key (default ENG)")
	cmd.Flags().StringVar(&out, "out", "", "output path for the migrated config")
	return cmd
}
