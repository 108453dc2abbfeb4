package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mgiraud/papermill/internal/chunker"
	"github.com/mgiraud/papermill/internal/config"
	"github.com/mgiraud/papermill/internal/embed"
	"github.com/mgiraud/papermill/internal/home"
	"github.com/mgiraud/papermill/internal/notify"
	"github.com/mgiraud/papermill/internal/ocr"
	"github.com/mgiraud/papermill/internal/orchestrator"
	"github.com/mgiraud/papermill/internal/processor"
	"github.com/mgiraud/papermill/internal/queue"
	"github.com/mgiraud/papermill/internal/retry"
	"github.com/mgiraud/papermill/internal/server"
	"github.com/mgiraud/papermill/internal/store"
	"github.com/mgiraud/papermill/internal/validation"
)

var (
	serveHost   string
	servePort   string
	stubEngines bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the papermill server",
	Long: `Start the papermill HTTP server.

This starts the task queue, its worker pool, and the HTTP API. Tasks
are persisted in an embedded badger store under the papermill home
directory and survive restarts.

Examples:
  papermill serve                    # Start on default port 8080
  papermill serve --port 3000        # Start on custom port
  papermill serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
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

		dataDir := cfg.Storage.DataDir
		if !filepath.IsAbs(dataDir) {
			dataDir = filepath.Join(h.Path(), dataDir)
		}
		st, err := store.Open(store.Config{
			Dir:    dataDir,
			NoSync: !cfg.Storage.SyncWrites,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer st.Close()

		hub := notify.NewHub(logger)

		reg := ocr.NewRegistry()
		if stubEngines {
			for _, e := range buildStubEngines(cfg) {
				if err := reg.Register(e); err != nil {
					return err
				}
			}
			logger.Warn("stub OCR engines registered", "count", len(reg.Available()))
		}

		mgr, sink, detector, err := buildPipeline(st, reg, hub, cfg, h.WorkPath(), logger)
		if err != nil {
			return err
		}
		sink.Start(ctx)
		defer sink.Stop()

		// Worker-pool size and validation thresholds follow the config
		// file without a restart.
		cm.OnChange(func(c *config.Config) {
			mgr.SetMaxConcurrent(c.Queue.MaxConcurrent)
			detector.SetThresholds(c.ToThresholds())
			logger.Info("configuration reloaded")
		})
		cm.WatchConfig()

		if n, err := mgr.Recover(ctx); err != nil {
			return err
		} else if n > 0 {
			logger.Info("re-queued interrupted tasks", "count", n)
		}
		mgr.Start(ctx)

		srv, err := server.New(server.Config{
			Host:    flagOr(serveHost, cfg.Server.Host),
			Port:    flagOr(servePort, cfg.Server.Port),
			Manager: mgr,
			Store:   st,
			Hub:     hub,
			Logger:  logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

// buildPipeline assembles the processing stack behind the queue.
func buildPipeline(st *store.Store, reg *ocr.Registry, hub *notify.Hub, cfg *config.Config, workDir string, logger *slog.Logger) (*queue.Manager, *orchestrator.Sink, *validation.Detector, error) {
	tracker := ocr.NewTracker()

	proc := processor.New(st, reg, tracker, hub, processor.Config{
		WorkDir: workDirOr(cfg, workDir),
		Logger:  logger,
	})

	policy := cfg.ToRetryPolicy()
	policy.PassThrough = orchestrator.PassThrough
	supervisor := retry.New(st, hub, policy, logger)

	chunkCfg := chunker.Config{
		MaxChunkSize: cfg.Chunking.MaxChunkSize,
		Overlap:      cfg.Chunking.Overlap,
	}
	if cfg.Embeddings.Enabled {
		chunkCfg.Provider = embed.NewOpenAIClient(embed.OpenAIConfig{
			APIKey: config.ResolveEnvVars(cfg.Embeddings.APIKey),
			Model:  cfg.Embeddings.Model,
		})
	}

	sink := orchestrator.NewSink(orchestrator.SinkConfig{
		Store:  st,
		Hub:    hub,
		Logger: logger,
	})

	detector := validation.NewDetector(cfg.ToThresholds())

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Registry:   reg,
		Tracker:    tracker,
		Hub:        hub,
		Processor:  proc,
		Chunker:    chunker.New(chunkCfg),
		Detector:   detector,
		Planner:    validation.NewPlanner(reg, cfg.Validation.MaxAttempts),
		Auditor:    validation.NewAuditor(st, logger),
		Supervisor: supervisor,
		Sink:       sink,
		Logger:     logger,
	})

	mgr := queue.NewManager(st, hub, orch, queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		Retention:     cfg.Retention(),
		SweepInterval: cfg.SweepInterval(),
		Logger:        logger,
	})
	return mgr, sink, detector, nil
}

// buildStubEngines derives development engines from the config's engine
// profiles. They fabricate output and exist so the full pipeline can be
// exercised without an OCR backend.
func buildStubEngines(cfg *config.Config) []ocr.Engine {
	var engines []ocr.Engine
	for name, ec := range cfg.EnabledEngines() {
		e := ocr.NewMockEngine(name)
		if ec.PageCost > 0 {
			e.PageCost = ec.PageCost
		}
		if ec.Accuracy > 0 {
			e.TextConfidence = ec.Accuracy
			e.PageConfidence = ec.Accuracy
			e.AccuracyMap = map[ocr.Complexity]float64{
				ocr.ComplexitySimple:      ec.Accuracy,
				ocr.ComplexityMedium:      ec.Accuracy,
				ocr.ComplexityComplex:     ec.Accuracy,
				ocr.ComplexityTechnical:   ec.Accuracy,
				ocr.ComplexityHandwritten: ec.Accuracy,
				ocr.ComplexityDamaged:     ec.Accuracy,
			}
		}
		engines = append(engines, e)
	}
	return engines
}

func workDirOr(cfg *config.Config, fallback string) string {
	if cfg.Processing.WorkDir != "" {
		return cfg.Processing.WorkDir
	}
	return fallback
}

func flagOr(flag, cfg string) string {
	if flag != "" {
		return flag
	}
	return cfg
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&stubEngines, "stub-engines", false, "Register stub OCR engines from the config profiles (development)")

	rootCmd.AddCommand(serveCmd)
}
