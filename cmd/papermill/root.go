package main

import (
	"github.com/spf13/cobra"

	"github.com/mgiraud/papermill/version"
)

var (
	cfgFile string
	homeDir string
)

var rootCmd = &cobra.Command{
	Use:   "papermill",
	Short: "Asynchronous document processing with prioritized OCR and validation",
	Long: `Papermill is an asynchronous document processing pipeline. Documents
are queued by priority, OCR'd in resumable page chunks, validated
against per-content-type confidence thresholds, and reprocessed with
adjusted strategies when extraction quality falls short.

The pipeline includes:
  - Priority task queue with pause, resume, and cancellation
  - Chunked processing with checkpoint-based crash recovery
  - Automatic retry with error classification and backoff
  - Validation-driven reprocessing with engine fallback
  - Relational text chunking for downstream indexing`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.papermill/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "papermill home directory (default: ~/.papermill)",
	)

	rootCmd.AddCommand(versionCmd)
}
