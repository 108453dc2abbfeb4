package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mgiraud/papermill/internal/chunker"
	"github.com/mgiraud/papermill/internal/config"
	"github.com/mgiraud/papermill/internal/home"
	"github.com/mgiraud/papermill/internal/notify"
	"github.com/mgiraud/papermill/internal/ocr"
	"github.com/mgiraud/papermill/internal/store"
	"github.com/mgiraud/papermill/internal/task"
)

var (
	processEngine   string
	processLanguage string
	processStrategy string
	processVerbose  bool
)

// processResult is the JSON printed after a one-shot run.
type processResult struct {
	Task   task.Snapshot       `json:"task"`
	Chunks []chunker.TextChunk `json:"chunks,omitempty"`
}

var processCmd = &cobra.Command{
	Use:   "process <path>",
	Short: "Process a single document without a server",
	Long: `Process one document through the full pipeline in-process and print
the result as JSON. State is kept in memory; nothing is persisted.

Stub OCR engines built from the config's engine profiles stand in for
real backends, so scanned inputs produce fabricated text. Plain-text
documents are read directly; PDFs with a text layer classify as simple
and route to the fastest engine.

Examples:
  papermill process report.pdf
  papermill process scan.png --engine mistral-ocr
  papermill process notes.txt --verbose`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		level := slog.LevelWarn
		if processVerbose {
			level = slog.LevelInfo
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		path := cfgFile
		if path == "" && h.ConfigExists() {
			path = h.ConfigPath()
		}
		cm, err := config.NewManager(path)
		if err != nil {
			return err
		}
		cfg := cm.Get()

		st, err := store.Open(store.Config{InMemory: true, Logger: logger})
		if err != nil {
			return err
		}
		defer st.Close()

		hub := notify.NewHub(logger)
		reg := ocr.NewRegistry()
		for _, e := range buildStubEngines(cfg) {
			if err := reg.Register(e); err != nil {
				return err
			}
		}

		workDir, err := os.MkdirTemp("", "papermill-process-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workDir)

		t, err := runOnce(ctx, st, reg, hub, cfg, workDir, logger, args[0])
		if err != nil {
			return err
		}

		out := processResult{Task: t.Snapshot()}
		ids, err := st.ListChunkIDs(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var ch chunker.TextChunk
			if err := st.GetChunk(ctx, t.ID, id, &ch); err != nil {
				return err
			}
			out.Chunks = append(out.Chunks, ch)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// runOnce pushes a single task through the queue and waits for it to
// reach a terminal state.
func runOnce(ctx context.Context, st *store.Store, reg *ocr.Registry, hub *notify.Hub, cfg *config.Config, workDir string, logger *slog.Logger, input string) (*task.Task, error) {
	opts := task.Options{
		Engine:            processEngine,
		Language:          flagOr(processLanguage, cfg.Processing.DefaultLanguage),
		ChunkSize:         cfg.Processing.ChunkPages,
		PreferredStrategy: processStrategy,
	}.WithDefaults()
	t := task.New(input, task.PriorityNormal, opts)

	events, cancel := hub.Subscribe(64)
	defer cancel()

	mgr, sink, _, err := buildPipeline(st, reg, hub, cfg, workDir, logger)
	if err != nil {
		return nil, err
	}
	sink.Start(ctx)
	defer sink.Stop()
	mgr.Start(ctx)

	if err := mgr.Enqueue(ctx, t); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("event stream closed before completion")
			}
			if ev.TaskID != t.ID || ev.Kind != notify.KindTaskStateChanged {
				continue
			}
			if status := t.CurrentStatus(); status.Terminal() {
				if status == task.StatusFailed {
					if le := t.Snapshot().LastError; le != nil {
						return t, fmt.Errorf("processing failed: %s", le.Message)
					}
					return t, fmt.Errorf("processing failed")
				}
				return t, nil
			}
		}
	}
}

func init() {
	processCmd.Flags().StringVar(&processEngine, "engine", "", "OCR engine name (default: automatic selection)")
	processCmd.Flags().StringVar(&processLanguage, "language", "", "document language, ISO 639-2 (default from config)")
	processCmd.Flags().StringVar(&processStrategy, "strategy", "", "engine preference: speed or accuracy")
	processCmd.Flags().BoolVar(&processVerbose, "verbose", false, "log pipeline progress to stderr")

	rootCmd.AddCommand(processCmd)
}
