// Package main provides the entry point for the book publishing pipeline CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bookpress",
	Short: "Automated book generation and publishing pipeline",
	Long:  "Bookpress generates a complete book (concept, manuscript, cover), formats it into EPUB and PDF, uploads the artifacts, and publishes it through the distribution portal, with durable per-run progress and resume support.",
}

// usageError marks problems with how the command was invoked, as opposed to
// a run that started and then failed.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
