package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/api"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/archive"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/config"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/copier"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/engine"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/event"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/filter"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/stats"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the replication service",
	Long: `Run the replication service.

The service watches the configured source directory, replicates every
admitted file to the primary and research destinations, verifies each copy
against the source digest, and removes the source only after both copies
have been proven. All progress is persisted; the service may be killed at
any point and resumes where it left off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runService,
}

func init() {
	runCmd.Flags().String("config", "", "path to the TOML configuration file")
}

func runService(cmd *cobra.Command, _ []string) error {
	// Optional .env beside the working directory, for FORKER_CONFIG in dev.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	log.Info("forker starting",
		"version", version,
		"source", cfg.Source.Dir,
		"primary", cfg.Targets.Primary.Root,
		"research", cfg.Targets.Research.Root,
		"algorithm", cfg.Hashing.Algorithm)

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer st.Close()

	minSize, maxSize, err := cfg.Source.SizeBounds()
	if err != nil {
		return err
	}
	filt, err := filter.New(cfg.Source.Include, cfg.Source.Exclude, minSize, maxSize)
	if err != nil {
		return err
	}
	bw, err := cfg.Replication.BandwidthBytes()
	if err != nil {
		return err
	}

	collector := stats.NewCollector()
	ring := event.NewRing(256)

	var arch engine.Archiver
	if cfg.Retention.Age.Std() > 0 {
		arch = archive.New(st, cfg.ArchiveDir(), cfg.Retention.Age.Std(), log)
	}

	eng := engine.New(engine.Options{
		Config:   cfg,
		Store:    st,
		Copier:   copier.New(cfg.Replication.StagingDir, bw),
		Filter:   filt,
		Log:      log,
		Stats:    collector,
		Events:   ring,
		Archiver: arch,
	})

	var (
		apiSrv *api.Server
		apiErr <-chan error
	)
	if cfg.API.Listen != "" {
		gin.SetMode(gin.ReleaseMode)
		apiSrv = api.New(api.Options{
			Listen:       cfg.API.Listen,
			Store:        st,
			Stats:        collector,
			Events:       ring,
			TickInterval: cfg.Replication.TickInterval.Std(),
			Log:          log,
		})
		if apiErr, err = apiSrv.Start(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := eng.Run(ctx)
	stop()

	// The admin surface outlives the drain so health checks can watch the
	// shutdown; it stops before the store closes underneath it.
	if apiSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiSrv.Shutdown(sctx); err != nil {
			log.Warn("api shutdown", "error", err)
		}
		if err := <-apiErr; err != nil {
			log.Error("api serve failed", "error", err)
		}
	}

	if runErr != nil {
		log.Error("service failed", "error", runErr)
		return &exitError{code: 1}
	}
	log.Info("forker stopped")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}
