package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/snehjoshi/listmigrate/internal/config"
	"github.com/snehjoshi/listmigrate/internal/groups"
	"github.com/snehjoshi/listmigrate/internal/importer"
	"github.com/snehjoshi/listmigrate/internal/journal"
	"github.com/snehjoshi/listmigrate/internal/mbox"
	"github.com/snehjoshi/listmigrate/internal/metrics"
	"github.com/snehjoshi/listmigrate/internal/ratelimit"
	"github.com/snehjoshi/listmigrate/internal/runid"
	"github.com/snehjoshi/listmigrate/internal/status"
)

// importFlags holds the root command's flags. They override the config file
// and environment only when given explicitly.
type importFlags struct {
	configPath  string
	srcMbox     string
	dstGroup    string
	saCreds     string
	saDelegator string
	workDir     string
	journal     string
	resume      bool
	numWorkers  int
	maxRate     int
	logLevel    string
	statusAddr  string
}

func (f *importFlags) register(fl *pflag.FlagSet) {
	def := config.Default()
	fl.StringVar(&f.configPath, "config", "mbox-import.yaml", "optional YAML config file")
	fl.StringVar(&f.srcMbox, "src-mbox", "", "mbox archive to import (ignored with --resume)")
	fl.StringVar(&f.dstGroup, "dst-group", "", "destination group email address")
	fl.StringVar(&f.saCreds, "sa-creds", "", "service account credentials JSON file")
	fl.StringVar(&f.saDelegator, "sa-delegator", "", "account the service account acts as")
	fl.StringVar(&f.workDir, "work-dir", def.Import.WorkDir, "directory holding messages not yet imported")
	fl.StringVar(&f.journal, "journal", "", "outcome journal (default <work-dir>.journal.db)")
	fl.BoolVar(&f.resume, "resume", false, "continue with the messages already in --work-dir")
	fl.IntVar(&f.numWorkers, "num-workers", def.Import.NumWorkers, "number of concurrent upload workers")
	fl.IntVar(&f.maxRate, "max-rate", def.Rate.MaxRate, "maximum API requests per second")
	fl.StringVar(&f.logLevel, "log-level", def.Log.Level, "debug, info, warning or error")
	fl.StringVar(&f.statusAddr, "status-addr", "", "serve progress and metrics on this address")
}

// apply overlays the flags the operator actually set onto cfg.
func (f *importFlags) apply(fl *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if fl.Changed(name) {
			fn()
		}
	}
	set("src-mbox", func() { cfg.Import.SrcMbox = f.srcMbox })
	set("dst-group", func() { cfg.Import.DstGroup = f.dstGroup })
	set("sa-creds", func() { cfg.Import.SACreds = f.saCreds })
	set("sa-delegator", func() { cfg.Import.SADelegator = f.saDelegator })
	set("work-dir", func() { cfg.Import.WorkDir = f.workDir })
	set("journal", func() { cfg.Import.Journal = f.journal })
	set("resume", func() { cfg.Import.Resume = f.resume })
	set("num-workers", func() { cfg.Import.NumWorkers = f.numWorkers })
	set("max-rate", func() { cfg.Rate.MaxRate = f.maxRate })
	set("log-level", func() { cfg.Log.Level = f.logLevel })
	set("status-addr", func() { cfg.Status.Addr = f.statusAddr })
}

func runImport(cmd *cobra.Command, f *importFlags, stdout, stderr io.Writer) error {
	// ── 1. Configuration ─────────────────────────────────────────────────────
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	f.apply(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Logger ────────────────────────────────────────────────────────────
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	id, err := runid.New()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}

	// ── 3. Working directory ─────────────────────────────────────────────────
	if cfg.Import.Resume {
		if cfg.Import.SrcMbox != "" {
			logger.Info("ignoring --src-mbox because --resume is specified", "src_mbox", cfg.Import.SrcMbox)
		}
	} else {
		n, err := mbox.Unpack(cfg.Import.SrcMbox, cfg.Import.WorkDir)
		if errors.Is(err, mbox.ErrWorkdirNotEmpty) {
			fmt.Fprintln(stderr, "mbox-import: working directory is not empty but --resume not given") //nolint:errcheck // best-effort stderr
			return errExit
		}
		if err != nil {
			return err
		}
		logger.Info("mailbox unpacked", "messages", n, "work_dir", cfg.Import.WorkDir)
	}

	items, err := mbox.Pending(cfg.Import.WorkDir)
	if err != nil {
		return err
	}

	// ── 4. Journal, metrics, status ──────────────────────────────────────────
	jr, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer jr.Close()
	if !cfg.Import.Resume {
		// Keys restart at 0 with every unpack.
		if err := jr.Reset(); err != nil {
			return err
		}
	}

	reg := &metrics.Registry{}
	var progress importer.ProgressSink
	if cfg.Status.Addr != "" {
		hub := status.NewHub()
		srv := status.New(hub, reg, status.Options{})
		addr, err := srv.Start(cfg.Status.Addr)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		logger.Info("status server listening", "addr", addr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		progress = hub
	}

	// ── 5. Import ────────────────────────────────────────────────────────────
	interval, _ := cfg.RateInterval()
	limiter := ratelimit.New(cfg.Rate.MaxRate, interval)

	im, err := importer.New(importer.Options{
		RunID:       id,
		Group:       cfg.Import.DstGroup,
		Workers:     cfg.Import.NumWorkers,
		MaxAttempts: cfg.Import.MaxAttempts,
		NewArchive:  archiveFactory(cfg),
		Limiter:     limiter,
		Journal:     jr,
		Metrics:     reg,
		Progress:    progress,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("import starting",
		"run", id.String(),
		"group", cfg.Import.DstGroup,
		"messages", len(items),
		"workers", cfg.Import.NumWorkers,
		"max_rate", cfg.Rate.MaxRate,
	)
	sum, err := im.Run(ctx, items)
	fmt.Fprintf(stdout, "run %s: imported %d of %d messages, %d failed, in %s\n", //nolint:errcheck // best-effort stdout
		sum.RunID, sum.Imported, sum.Total, sum.Failed, sum.Elapsed.Round(time.Millisecond))
	if errors.Is(err, context.Canceled) {
		logger.Warn("import interrupted, run again with --resume to continue")
		return errExit
	}
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		logger.Warn("some messages were not imported and remain in the working directory",
			"failed", sum.Failed, "work_dir", cfg.Import.WorkDir, "journal", cfg.JournalPath())
	}
	return nil
}

// archiveFactory gives every worker its own migration API client.
func archiveFactory(cfg *config.Config) importer.ArchiveFactory {
	return func(ctx context.Context, _ int) (importer.Archive, error) {
		a, err := groups.New(ctx, groups.Config{
			Group:           cfg.Import.DstGroup,
			CredsFile:       cfg.Import.SACreds,
			Delegator:       cfg.Import.SADelegator,
			MaxMessageBytes: cfg.Import.MaxMessageBytes,
			Endpoint:        cfg.Import.APIEndpoint,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}
