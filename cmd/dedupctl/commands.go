package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/casework/client-dedup/app"
	"github.com/casework/client-dedup/enrollment"
	"github.com/casework/client-dedup/scan"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// =============================================================================
// UPLOAD
// =============================================================================

type uploadOptions struct {
	file   string
	source string
	user   string
}

func newUploadCmd(g *globalOptions) *cobra.Command {
	var opts uploadOptions

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Ingest a CSV or XLSX file of clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				f, err := os.Open(opts.file)
				if err != nil {
					return err
				}
				defer f.Close()

				res, err := a.Uploads.ProcessFile(cmd.Context(), filepath.Base(opts.file), f, opts.source, opts.user)
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&opts.file, "file", "", "CSV or XLSX file (required)")
	cmd.Flags().StringVar(&opts.source, "source", "", "Source system tag, e.g. SMIS (default: CSV)")
	cmd.Flags().StringVar(&opts.user, "user", "dedupctl", "User recorded on created and updated clients")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// =============================================================================
// SCAN
// =============================================================================

type scanOptions struct {
	autoMerge bool
	limit     int
	source    string
}

func newScanCmd(g *globalOptions) *cobra.Command {
	var opts scanOptions

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan every client for duplicates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				sum, err := a.Scans.Scan(cmd.Context(),
					scan.Filter{Source: opts.source},
					scan.Options{AutoMerge: opts.autoMerge, Limit: opts.limit},
				)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.autoMerge, "auto-merge", false, "Merge exact and high-scoring pairs instead of flagging them")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Pairs listed in the output (default 100); every pair is still processed")
	cmd.Flags().StringVar(&opts.source, "source", "", "Only scan clients from this source")

	return cmd
}

// =============================================================================
// CONSOLIDATE ENROLLMENTS
// =============================================================================

func newConsolidateCmd(g *globalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "consolidate-enrollments",
		Short: "Merge overlapping or adjacent enrollments already on file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				report, err := a.Enrollments.Consolidate(cmd.Context(), a.Store, enrollment.ConsolidateOptions{DryRun: dryRun})
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if len(report.Failures) > 0 {
					return fmt.Errorf("%d enrollment groups could not be consolidated", len(report.Failures))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")

	return cmd
}

// =============================================================================
// PRUNE DUPLICATES
// =============================================================================

func newPruneCmd(g *globalOptions) *cobra.Command {
	var threshold string

	cmd := &cobra.Command{
		Use:   "prune-duplicates",
		Short: "Delete pending duplicate flags below a similarity threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				t := a.Config.FlagThreshold
				if threshold != "" {
					parsed, err := decimal.NewFromString(threshold)
					if err != nil {
						return fmt.Errorf("invalid --threshold: %w", err)
					}
					t = parsed
				}
				if !t.IsPositive() || t.GreaterThan(decimal.NewFromInt(1)) {
					return errors.New("--threshold must be in (0, 1]")
				}

				n, err := a.Scans.Prune(cmd.Context(), t)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"threshold": t, "deleted": n})
			})
		},
	}

	cmd.Flags().StringVar(&threshold, "threshold", "", "Similarity threshold (default: DEDUP_FLAG_THRESHOLD)")

	return cmd
}
