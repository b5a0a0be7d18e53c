package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/ledger"
)

var listCommand = &cobra.Command{
	Use:   "list",
	Short: "List all runs in the ledger, newest first",
	RunE:  listCmd,
}

var listConfigPath string

func init() {
	listCommand.Flags().StringVar(&listConfigPath, "config", "", "Path to config.json file")
	rootCmd.AddCommand(listCommand)
}

func listCmd(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadLedgerConfig(listConfigPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	runs, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tGENRE\tTITLE\tSTATUS\tUPDATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.RunID, run.Genre, orDash(run.Title), runStatus(run), run.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runStatus(run *ledger.Run) string {
	switch {
	case run.Complete():
		return "complete"
	case run.Failed():
		return "partially failed"
	default:
		return "resumable"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// loadLedgerConfig loads just enough configuration to reach the ledger.
func loadLedgerConfig(path string) (*config.Config, error) {
	var cfg config.Config
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, &usageError{err: err}
		}
		cfg = *loaded
	}
	cfg.FromEnv()
	cfg = cfg.MergeWithDefaults(config.Defaults())
	if err := cfg.Validate(); err != nil {
		return nil, &usageError{err: err}
	}
	return &cfg, nil
}
