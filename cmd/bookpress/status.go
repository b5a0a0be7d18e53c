package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmpublishing/bookpress/internal/ledger"
	"github.com/jmpublishing/bookpress/internal/observability"
)

var statusCommand = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the stage progress of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  statusCmd,
}

var statusConfigPath string

func init() {
	statusCommand.Flags().StringVar(&statusConfigPath, "config", "", "Path to config.json file")
	rootCmd.AddCommand(statusCommand)
}

func statusCmd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	runID, err := uuid.Parse(args[0])
	if err != nil {
		return usagef("invalid run id %q: %v", args[0], err)
	}

	cfg, err := loadLedgerConfig(statusConfigPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	run, err := store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return usagef("run %s not found", runID)
		}
		return err
	}

	printer := observability.NewPrinter(os.Stdout)
	printer.PrintRunSummary(run)
	for _, stage := range run.Stages {
		printer.PrintArtifacts(stage.Name, stage.ArtifactRefs)
	}

	switch {
	case run.Complete():
		fmt.Println("Run is complete.")
	case run.Failed():
		fmt.Println("Run is partially failed; continue it with 'bookpress run --resume'.")
	default:
		fmt.Println("Run is in progress or resumable.")
	}
	return nil
}
