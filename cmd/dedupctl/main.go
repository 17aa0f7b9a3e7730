/*
dedupctl runs deduplication jobs against the database without the server.

COMMANDS:
  upload                    Ingest a CSV or XLSX file
  scan                      Scan for duplicate clients, optionally auto-merging
  consolidate-enrollments   Merge overlapping enrollments already on file
  prune-duplicates          Delete pending flags below a similarity threshold

Results are printed as JSON on stdout; logs go to stderr-friendly console
output unless DEDUP_LOG_FORMAT says otherwise.

EXAMPLES:
  dedupctl upload --file clients.xlsx --source SMIS --user alice
  dedupctl scan --auto-merge --limit 50
  dedupctl consolidate-enrollments --dry-run
  dedupctl prune-duplicates --threshold 0.9
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/casework/client-dedup/app"
	"github.com/casework/client-dedup/config"
	"github.com/casework/client-dedup/logging"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	dbPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	root := &cobra.Command{
		Use:          "dedupctl",
		Short:        "Client deduplication jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (default: DEDUP_DB_PATH)")

	root.AddCommand(
		newUploadCmd(&opts),
		newScanCmd(&opts),
		newConsolidateCmd(&opts),
		newPruneCmd(&opts),
	)
	return root
}

// withApp loads configuration, wires the engines and runs fn.
func withApp(opts *globalOptions, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if os.Getenv("DEDUP_LOG_FORMAT") == "" {
		cfg.LogFormat = "console"
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, "dedupctl")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
