// Package engine replicates a local file set into a remote
// path-addressed content store. A single worker processes files
// strictly sequentially: parallel uploads against a rate-limited store
// amplify 429 storms and complicate backoff accounting, while one
// worker with per-file backoff stays simple to reason about and test.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alexjbarnes/hub-sync/internal/contents"
	hserrors "github.com/alexjbarnes/hub-sync/internal/errors"
	"github.com/alexjbarnes/hub-sync/internal/source"
)

// Store is the remote content store the engine writes to.
// *contents.Client satisfies this interface.
type Store interface {
	Probe(ctx context.Context, path string) (contents.RemoteState, error)
	Put(ctx context.Context, path string, put contents.PutRequest) error
}

// Progress is delivered after each processed file. Purely
// observational; consumers cannot affect control flow.
type Progress struct {
	Processed   int
	Total       int
	CurrentPath string
}

// Options configures a sync run. The retry policy and ceilings are
// constant for the whole run.
type Options struct {
	// TargetPrefix is prepended to every relative path. Empty means the
	// repository root.
	TargetPrefix string

	// Branch is the branch all writes target.
	Branch string

	// PerFileMax skips any larger file with no network call.
	PerFileMax int64

	// JobMax fails the whole job up front when the aggregate size
	// exceeds it.
	JobMax int64

	Policy RetryPolicy

	// SkipUnchanged records a skip instead of an update when the
	// remote hash already matches the local blob hash.
	SkipUnchanged bool

	// OnProgress, when non-nil, is invoked after each file.
	OnProgress func(Progress)
}

const (
	// defaultPerFileMax is the per-file ceiling when Options leaves it
	// zero.
	defaultPerFileMax = int64(100 * 1024 * 1024)

	// defaultJobMax is the aggregate ceiling when Options leaves it
	// zero.
	defaultJobMax = int64(1024 * 1024 * 1024)
)

// Engine drives the classify → read/encode → probe → upload pipeline.
type Engine struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// New creates an engine. A zero-valued policy or ceiling is replaced
// with the default.
func New(store Store, opts Options, logger *slog.Logger) *Engine {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultRetryPolicy()
	}

	if opts.PerFileMax == 0 {
		opts.PerFileMax = defaultPerFileMax
	}

	if opts.JobMax == 0 {
		opts.JobMax = defaultJobMax
	}

	return &Engine{
		store:  store,
		opts:   opts,
		logger: logger,
	}
}

// Run replicates the file set and returns the report. Job-level
// precondition violations (aggregate ceiling, cancellation before any
// work) return an error with no report; everything after that point is
// recorded per file, and one file's failure never aborts the run.
// Cancellation mid-run returns the partial report with the remaining
// files unprocessed.
func (e *Engine) Run(ctx context.Context, files []source.File) (*Report, error) {
	var total int64
	for _, f := range files {
		total += f.Size
	}

	if total > e.opts.JobMax {
		return nil, fmt.Errorf("%w: %d bytes across %d files, ceiling %d", hserrors.ErrJobSizeExceeded, total, len(files), e.opts.JobMax)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Smaller files first: bounds worst-case peak memory early and
	// produces faster initial feedback.
	ordered := make([]source.File, len(files))
	copy(ordered, files)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Size < ordered[j].Size
	})

	report := &Report{TotalFiles: len(files)}

	for _, f := range ordered {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		outcome, err := e.processFile(ctx, f)
		if err != nil {
			// Only cancellation stops the loop; the current file is
			// left unprocessed rather than recorded as failed.
			report.Cancelled = true
			break
		}

		report.add(outcome)
		e.logOutcome(outcome)

		if e.opts.OnProgress != nil {
			e.opts.OnProgress(Progress{
				Processed:   report.FilesProcessed,
				Total:       report.TotalFiles,
				CurrentPath: outcome.Path,
			})
		}
	}

	return report, nil
}

// processFile drives one file through the pipeline. The returned error
// is non-nil only for run-level cancellation; per-file failures are
// folded into the outcome.
func (e *Engine) processFile(ctx context.Context, f source.File) (Outcome, error) {
	remotePath := joinRemotePath(e.opts.TargetPrefix, f.RelPath)

	if f.Size > e.opts.PerFileMax {
		return Outcome{
			Path:   remotePath,
			Status: StatusSkipped,
			Reason: fmt.Sprintf("too large: %d bytes, limit %d", f.Size, e.opts.PerFileMax),
			Size:   f.Size,
		}, nil
	}

	isBinary := classify(f)

	payload, err := readPayload(ctx, f, isBinary)
	if err != nil {
		// readPayload surfaces the job context's error between chunks;
		// that is cancellation, not a file failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Outcome{}, err
		}

		return Outcome{Path: remotePath, Status: StatusFailed, Err: err, Size: f.Size}, nil
	}

	created, err := e.uploadWithRetry(ctx, remotePath, payload)

	switch {
	case err == nil:
		return Outcome{
			Path:    remotePath,
			Status:  StatusUploaded,
			Size:    f.Size,
			BlobSHA: payload.BlobSHA,
			Created: created,
		}, nil

	case errors.Is(err, errSkipUnchanged):
		return Outcome{
			Path:    remotePath,
			Status:  StatusSkipped,
			Reason:  "unchanged",
			Size:    f.Size,
			BlobSHA: payload.BlobSHA,
		}, nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		return Outcome{Path: remotePath, Status: StatusFailed, Err: err, Size: f.Size}, nil

	default:
		return Outcome{Path: remotePath, Status: StatusFailed, Err: err, Size: f.Size}, nil
	}
}

func (e *Engine) logOutcome(o Outcome) {
	switch o.Status {
	case StatusUploaded:
		e.logger.Info("uploaded",
			slog.String("path", o.Path),
			slog.Int64("bytes", o.Size),
		)
	case StatusSkipped:
		e.logger.Info("skipped",
			slog.String("path", o.Path),
			slog.String("reason", o.Reason),
		)
	case StatusFailed:
		e.logger.Warn("failed",
			slog.String("path", o.Path),
			slog.String("error", o.Err.Error()),
		)
	}
}

// joinRemotePath joins the optional target prefix with a relative path,
// never producing empty segments.
func joinRemotePath(prefix, relPath string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return relPath
	}

	return prefix + "/" + relPath
}
