package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var flushCommand = &cobra.Command{
	Use:   "flush-tracker",
	Short: "Replay buffered status records against the tracker",
	Long:  "Delivers status records that were buffered locally while the tracker was unreachable. The reconcile strategy from config decides whether the buffer is replayed record by record (overwrite) or coalesced per run (merge).",
	RunE:  flushCmd,
}

var flushConfigPath string

func init() {
	flushCommand.Flags().StringVar(&flushConfigPath, "config", "", "Path to config.json file")
	rootCmd.AddCommand(flushCommand)
}

func flushCmd(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadLedgerConfig(flushConfigPath)
	if err != nil {
		return err
	}
	if cfg.Tracker.APIKey == "" || cfg.Tracker.BaseID == "" {
		return usagef("tracker credentials are required to flush (TRACKER_API_KEY and 'tracker.base_id')")
	}

	sync, err := buildTracker(cfg)
	if err != nil {
		return err
	}

	buffered, err := sync.Buffered()
	if err != nil {
		return err
	}
	if len(buffered) == 0 {
		fmt.Println("Tracker buffer is empty.")
		return nil
	}

	fmt.Printf("Replaying %d buffered record(s) with %q strategy...\n", len(buffered), cfg.Tracker.ReconcileStrategy)
	if err := sync.Flush(ctx); err != nil {
		return err
	}
	fmt.Println("Tracker buffer flushed.")
	return nil
}
