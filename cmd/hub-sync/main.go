package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/hub-sync/internal/config"
	"github.com/alexjbarnes/hub-sync/internal/contents"
	"github.com/alexjbarnes/hub-sync/internal/engine"
	"github.com/alexjbarnes/hub-sync/internal/journal"
	"github.com/alexjbarnes/hub-sync/internal/logging"
	"github.com/alexjbarnes/hub-sync/internal/source"
	"github.com/alexjbarnes/hub-sync/internal/watch"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("hub-sync starting",
		slog.String("version", Version),
		slog.String("owner", cfg.Owner),
		slog.String("repo", cfg.Repo),
		slog.String("branch", cfg.Branch),
		slog.String("source", cfg.SourceDir),
		slog.Bool("watch", cfg.Watch),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rules *source.Rules
	if cfg.RulesFile != "" {
		rules, err = source.LoadRules(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
	}

	client := contents.NewClient(nil, contents.ClientConfig{
		BaseURL: cfg.APIBase,
		Token:   cfg.Token,
		Owner:   cfg.Owner,
		Repo:    cfg.Repo,
		Branch:  cfg.Branch,
	})

	if err := ensureRepository(ctx, client, cfg, logger); err != nil {
		return err
	}

	journalPath := cfg.JournalPath
	if journalPath == "" {
		journalPath, err = config.DefaultJournalPath(cfg.Owner, cfg.Repo)
		if err != nil {
			return err
		}
	}

	jnl, err := journal.Open(journalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jnl.Close()

	if last, err := jnl.LastRun(); err == nil && last != nil {
		logger.Info("previous run",
			slog.Time("finished", last.FinishedAt),
			slog.Int("uploaded", last.Uploaded),
			slog.Int("failed", last.Failed),
		)
	}

	eng := engine.New(client, engine.Options{
		TargetPrefix:  cfg.TargetPrefix,
		Branch:        cfg.Branch,
		PerFileMax:    cfg.PerFileMaxBytes,
		JobMax:        cfg.JobMaxBytes,
		SkipUnchanged: cfg.SkipUnchanged,
		Policy: engine.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			BaseDelay:      cfg.BaseDelay,
			RateLimitFloor: cfg.RateLimitFloor,
			JitterRange:    cfg.JitterRange,
		},
		OnProgress: func(p engine.Progress) {
			logger.Debug("progress",
				slog.Int("processed", p.Processed),
				slog.Int("total", p.Total),
				slog.String("path", p.CurrentPath),
			)
		},
	}, logger)

	files, err := source.Scan(cfg.SourceDir, rules, logger)
	if err != nil {
		return fmt.Errorf("scanning source dir: %w", err)
	}

	report, err := syncJob(ctx, eng, jnl, files, logger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	}

	if !cfg.Watch {
		if !report.OK() {
			return fmt.Errorf("sync incomplete: %d failed, %d of %d processed",
				len(report.Failed), report.FilesProcessed, report.TotalFiles)
		}

		return nil
	}

	err = watchLoop(ctx, cfg, eng, jnl, rules, logger)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}

	return err
}

// ensureRepository creates the target repository when asked to and it
// does not exist yet. A single create call; never retried, never
// recreated.
func ensureRepository(ctx context.Context, client *contents.Client, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.CreateRepo {
		return nil
	}

	exists, err := client.RepositoryExists(ctx)
	if err != nil {
		return fmt.Errorf("checking repository: %w", err)
	}

	if exists {
		return nil
	}

	logger.Info("creating repository", slog.String("repo", cfg.Repo))

	if err := client.CreateRepository(ctx, true); err != nil {
		return fmt.Errorf("creating repository: %w", err)
	}

	return nil
}

// syncJob runs one sync over the given files, persists the run to the
// journal, and logs the summary.
func syncJob(ctx context.Context, eng *engine.Engine, jnl *journal.Journal, files []source.File, logger *slog.Logger) (*engine.Report, error) {
	started := time.Now()

	report, err := eng.Run(ctx, files)
	if err != nil {
		return nil, err
	}

	recordRun(jnl, report, started, logger)

	logger.Info("sync finished",
		slog.Int("total", report.TotalFiles),
		slog.Int("uploaded", len(report.Uploaded)),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("failed", len(report.Failed)),
		slog.Bool("cancelled", report.Cancelled),
		slog.Duration("elapsed", time.Since(started).Round(time.Millisecond)),
	)

	return report, nil
}

// recordRun persists the run summary and the upload record for every
// file whose remote content is now known. Journal failures are logged,
// never fatal: the journal is observational.
func recordRun(jnl *journal.Journal, report *engine.Report, started time.Time, logger *slog.Logger) {
	run := journal.Run{
		StartedAt:  started,
		FinishedAt: time.Now(),
		TotalFiles: report.TotalFiles,
		Uploaded:   len(report.Uploaded),
		Skipped:    len(report.Skipped),
		Failed:     len(report.Failed),
		Cancelled:  report.Cancelled,
	}

	if err := jnl.RecordRun(run); err != nil {
		logger.Warn("recording run", slog.String("error", err.Error()))
	}

	for _, o := range report.Outcomes {
		if o.BlobSHA == "" {
			continue
		}

		err := jnl.SetFile(journal.FileRecord{
			Path:     o.Path,
			BlobSHA:  o.BlobSHA,
			Size:     o.Size,
			SyncedAt: run.FinishedAt,
		})
		if err != nil {
			logger.Warn("recording file", slog.String("path", o.Path), slog.String("error", err.Error()))
		}
	}
}

// watchLoop keeps re-syncing changed files until the context is
// cancelled. A failed incremental job is logged and the loop continues;
// the files stay dirty on disk and the next change picks them up.
func watchLoop(ctx context.Context, cfg *config.Config, eng *engine.Engine, jnl *journal.Journal, rules *source.Rules, logger *slog.Logger) error {
	watcher := watch.NewWatcher(cfg.SourceDir, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()

			case batch, ok := <-watcher.Batches():
				if !ok {
					return nil
				}

				files := source.ScanPaths(cfg.SourceDir, batch, rules, logger)
				if len(files) == 0 {
					continue
				}

				logger.Info("change detected", slog.Int("files", len(files)))

				if _, err := syncJob(gctx, eng, jnl, files, logger); err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}

					logger.Warn("incremental sync failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	return g.Wait()
}
