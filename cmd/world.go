package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/world"
)

func worldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "world",
		Short: "Export, preview, and stage transfer bundles",
	}
	cmd.AddCommand(worldExportCmd())
	cmd.AddCommand(worldExportPatternCmd())
	cmd.AddCommand(worldPreviewCmd())
	cmd.AddCommand(worldApproveCmd())
	cmd.AddCommand(worldRejectCmd())
	cmd.AddCommand(worldIntegrateCmd())
	cmd.AddCommand(worldLogCmd())
	return cmd
}

func worldExportCmd() *cobra.Command {
	var (
		paths, domain, to       string
		out, desc, supersedes   string
		sequence                int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a knowledge bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if paths == "" || to == "" || domain == "" {
				return usageError{fmt.Errorf("--paths, --domain, and --to are required")}
			}
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			snap := eng.cfg.Snapshot()
			if _, ok := eng.cfg.Peer(to); !ok {
				return hqerr.Newf(hqerr.CodeInvalidMessage, "unknown peer %q", to)
			}

			exporter := world.NewExporter(hqRoot, eng.log)
			sum, err := exporter.ExportKnowledge(cmd.Context(), world.ExportRequest{
				Paths:       strings.Split(paths, ","),
				Domain:      domain,
				To:          to,
				Owner:       snap.Identity.Owner,
				InstanceID:  snap.Identity.InstanceID,
				OutputDir:   outputDir(out),
				Description: desc,
				Supersedes:  supersedes,
				Sequence:    sequence,
				Transport:   snap.Transport,
			})
			if err != nil {
				return err
			}
			fmt.Printf("exported %s: %d file(s), %d bytes\n  %s\n", sum.TransferID, sum.FileCount, sum.PayloadSize, sum.BundlePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&paths, "paths", "", "comma-separated paths relative to the HQ root")
	cmd.Flags().StringVar(&domain, "domain", "", "knowledge domain tag")
	cmd.Flags().StringVar(&to, "to", "", "target peer owner")
	cmd.Flags().StringVar(&out, "out", "", "output directory (default workspace/world/outbox)")
	cmd.Flags().StringVar(&desc, "description", "", "bundle description")
	cmd.Flags().StringVar(&supersedes, "supersedes", "", "transfer id this bundle supersedes")
	cmd.Flags().IntVar(&sequence, "sequence", 1, "sequence number in the transfer chain")
	return cmd
}

func worldExportPatternCmd() *cobra.Command {
	var (
		workerID, version, to, out, desc, supersedes string
		sequence                                     int
	)

	cmd := &cobra.Command{
		Use:   "export-pattern",
		Short: "Export a worker pattern bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" || to == "" || version == "" {
				return usageError{fmt.Errorf("--worker, --pattern-version, and --to are required")}
			}
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			snap := eng.cfg.Snapshot()

			exporter := world.NewExporter(hqRoot, eng.log)
			sum, err := exporter.ExportWorkerPattern(cmd.Context(), world.PatternExportRequest{
				WorkerID:       workerID,
				PatternVersion: version,
				To:             to,
				Owner:          snap.Identity.Owner,
				InstanceID:     snap.Identity.InstanceID,
				OutputDir:      outputDir(out),
				Description:    desc,
				Supersedes:     supersedes,
				Sequence:       sequence,
				Transport:      snap.Transport,
			})
			if err != nil {
				return err
			}
			fmt.Printf("exported pattern %s as %s\n  %s\n", workerID, sum.TransferID, sum.BundlePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&workerID, "worker", "", "worker id to package")
	cmd.Flags().StringVar(&version, "pattern-version", "", "pattern version")
	cmd.Flags().StringVar(&to, "to", "", "target peer owner")
	cmd.Flags().StringVar(&out, "out", "", "output directory (default workspace/world/outbox)")
	cmd.Flags().StringVar(&desc, "description", "", "bundle description")
	cmd.Flags().StringVar(&supersedes, "supersedes", "", "transfer id this bundle supersedes")
	cmd.Flags().IntVar(&sequence, "sequence", 1, "sequence number in the transfer chain")
	return cmd
}

func worldPreviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview <bundle-path>",
		Short: "Inspect an inbound bundle without staging it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			importer := world.NewImporter(hqRoot, eng.log, eng.bus)
			p, err := importer.PreviewBundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(p.Summary)
			for _, is := range p.Verification.Issues {
				fmt.Printf("  %s: %s\n", is.Code, is.Path)
			}
			for _, c := range p.Conflicts {
				fmt.Printf("  conflict: %s (%s)\n", c.LocalPath, c.Description)
			}
			if p.Adaptation != nil {
				for _, cp := range p.Adaptation.CustomizationPoints {
					fmt.Printf("  adapt [%s] %s: %s\n", cp.Priority, cp.Field, cp.Guidance)
				}
			}
			return nil
		},
	}
	return cmd
}

func worldApproveCmd() *cobra.Command {
	var (
		yes  bool
		keep bool
		by   string
	)

	cmd := &cobra.Command{
		Use:   "approve <bundle-path>",
		Short: "Stage an approved bundle into the world inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			importer := world.NewImporter(hqRoot, eng.log, eng.bus)

			p, err := importer.PreviewBundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !p.Verification.Valid {
				if keep {
					dest, qerr := importer.Quarantine(cmd.Context(), args[0], p.Verification)
					if qerr != nil {
						return qerr
					}
					fmt.Printf("verification failed; bundle quarantined at %s\n", dest)
					return hqerr.New(hqerr.CodeTxfrIntegrity, "bundle failed verification")
				}
				return hqerr.New(hqerr.CodeTxfrIntegrity, "bundle failed verification; use --keep to quarantine")
			}

			if !yes {
				confirm := false
				form := huh.NewForm(huh.NewGroup(
					huh.NewConfirm().
						Title(p.Summary).
						Description(fmt.Sprintf("Stage bundle %s?", p.Envelope.ID)).
						Value(&confirm),
				))
				if err := form.Run(); err != nil {
					return err
				}
				if !confirm {
					fmt.Println("not staged")
					return nil
				}
			}

			dest, err := importer.Stage(cmd.Context(), args[0], approvedBy(by, eng))
			if err != nil {
				return err
			}
			fmt.Printf("staged %s at %s\n", p.Envelope.ID, dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "skip the interactive confirmation")
	cmd.Flags().BoolVar(&keep, "keep", false, "quarantine instead of abort when verification fails")
	cmd.Flags().StringVar(&by, "approved-by", "", "operator recorded in the transfer log")
	return cmd
}

func worldRejectCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <bundle-path>",
		Short: "Reject an inbound bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			importer := world.NewImporter(hqRoot, eng.log, eng.bus)
			if err := importer.Reject(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Println("rejected")
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason recorded in the transfer log")
	return cmd
}

func worldIntegrateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "integrate <staged-path>",
		Short: "Copy a staged bundle's files into the live tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			importer := world.NewImporter(hqRoot, eng.log, eng.bus)
			if err := importer.Integrate(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Println("integrated")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite divergent local content")
	return cmd
}

func worldLogCmd() *cobra.Command {
	var day string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the transfer log",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			var entries []world.LogEntry
			if day != "" {
				entries, err = eng.log.ReadDay(day)
			} else {
				entries, err = eng.log.ReadAll()
			}
			if err != nil {
				return err
			}
			for _, e := range entries {
				extra := ""
				if e.StagedTo != "" {
					extra = " → " + e.StagedTo
				}
				if e.ErrorCode != "" {
					extra = " [" + e.ErrorCode + "]"
				}
				fmt.Printf("%s  %-11s %-8s %s  peer=%s%s\n", e.Timestamp, e.Event, e.Direction, e.ID, e.Peer, extra)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&day, "day", "", "print one day only (YYYY-MM-DD)")
	return cmd
}

func outputDir(flag string) string {
	if flag != "" {
		return flag
	}
	return filepath.Join(hqRoot, "workspace", "world", "outbox")
}

func approvedBy(flag string, eng *engine) string {
	if flag != "" {
		return flag
	}
	return eng.cfg.Snapshot().Identity.Owner
}
