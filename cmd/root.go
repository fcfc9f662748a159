// Package cmd implements the hqlink command-line driver.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/bus"
	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/inbox"
	"github.com/nextlevelbuilder/hqlink/internal/send"
	"github.com/nextlevelbuilder/hqlink/internal/threads"
	"github.com/nextlevelbuilder/hqlink/internal/transport/registry"
	"github.com/nextlevelbuilder/hqlink/internal/world"
)

// Version is set at build time via
// -ldflags "-X github.com/nextlevelbuilder/hqlink/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	hqRoot  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "hqlink",
	Short: "hqlink — cross-HQ artifact exchange",
	Long: "hqlink exchanges HIAMP messages, knowledge bundles, and worker " +
		"patterns between independent HQ workspaces over a shared chat or " +
		"issue-tracker transport.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: hq.yaml or $HIAMP_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&hqRoot, "hq-root", ".", "HQ root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(replyCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(worldCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hqlink %s\n", Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.ResolvePath(cfgFile))
}

// engine bundles the long-lived components most commands need.
type engine struct {
	cfg     *config.Config
	threads *threads.Store
	inbox   *inbox.Store
	bus     *bus.Bus
	log     *world.Log
}

func buildEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	snap := cfg.Snapshot()
	ts, err := threads.NewStore(filepath.Join(hqRoot, snap.Settings.ThreadLogPath))
	if err != nil {
		return nil, err
	}
	in, err := inbox.NewStore(filepath.Join(hqRoot, snap.Settings.InboxPath))
	if err != nil {
		return nil, err
	}
	lg, err := world.NewLog(filepath.Join(hqRoot, "workspace", "world", "log"))
	if err != nil {
		return nil, err
	}
	return &engine{cfg: cfg, threads: ts, inbox: in, bus: bus.New(), log: lg}, nil
}

// sender builds the transport-backed sender on top of the engine.
func (e *engine) sender() (*send.Sender, error) {
	tr, err := registry.New(e.cfg)
	if err != nil {
		return nil, err
	}
	return send.New(e.cfg, tr, e.threads, e.bus), nil
}

// Execute runs the root command. Exit codes: 0 success, 1 failure, 2 usage
// error.
func Execute() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError struct{ error }

// printError renders the user-visible failure shape: a one-line message,
// the code in brackets, and field lines for config validation failures.
func printError(err error) {
	var ve *config.ValidationError
	if errors.As(err, &ve) {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration [%s]\n", hqerr.CodeConfigValidation)
		for _, f := range ve.Fields {
			fmt.Fprintf(os.Stderr, "  %s\n", f)
		}
		return
	}
	var he *hqerr.Error
	if errors.As(err, &he) {
		fmt.Fprintf(os.Stderr, "Error: %s [%s]\n", he.Message, he.Code)
		if he.Detail != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", he.Detail)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
