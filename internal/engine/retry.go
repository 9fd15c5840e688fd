package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alexjbarnes/hub-sync/internal/contents"
	hserrors "github.com/alexjbarnes/hub-sync/internal/errors"
)

// maxBackoffShift caps the bit-shift exponent in the retry backoff to
// prevent integer overflow of time.Duration.
const maxBackoffShift = 10

// RetryPolicy controls upload retry behavior. One value is constant for
// the whole sync run and passed explicitly, so tests can inject short
// delays instead of patching globals.
type RetryPolicy struct {
	// MaxAttempts is the total number of upload attempts per file,
	// including the first.
	MaxAttempts int

	// BaseDelay is doubled after each failed attempt: the delay before
	// attempt n is BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// RateLimitFloor is the minimum delay after a rate-limit response,
	// applied when the exponential delay would be shorter.
	RateLimitFloor time.Duration

	// JitterRange is the upper bound of the uniform random jitter added
	// to every delay, avoiding synchronized retry storms.
	JitterRange time.Duration
}

// DefaultRetryPolicy matches the documented unified policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		BaseDelay:      500 * time.Millisecond,
		RateLimitFloor: 10 * time.Second,
		JitterRange:    time.Second,
	}
}

// TransportError reports that all retry attempts for a file were
// exhausted. Err holds the last attempt's error.
type TransportError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("uploading %s: %d attempts exhausted: %v", e.Path, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errSkipUnchanged signals that the remote copy already matches the
// local blob hash. Internal to the upload path; surfaced as a skip
// outcome, never as a failure.
var errSkipUnchanged = errors.New("remote content unchanged")

// uploadWithRetry drives one file's payload to the store with bounded
// retries and reports whether the successful write created a new
// resource. Each attempt probes remote state fresh (a concurrent update
// could change it between attempts), builds the precondition from the
// probe, and attempts the write. Rate-limit and transient errors back
// off and retry; precondition mismatches re-probe and retry; client
// rejections (bad request, bad credentials, missing target) propagate
// immediately.
func (e *Engine) uploadWithRetry(ctx context.Context, remotePath string, payload *Payload) (bool, error) {
	policy := e.opts.Policy

	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		// Fresh probe immediately before the upload so the precondition
		// hash reflects current remote state.
		state, err := e.store.Probe(ctx, remotePath)
		if err == nil {
			if e.opts.SkipUnchanged && state.Exists && state.SHA == payload.BlobSHA {
				return false, errSkipUnchanged
			}

			err = e.store.Put(ctx, remotePath, buildPut(remotePath, payload, state, e.opts.Branch))
			if err == nil {
				return !state.Exists, nil
			}
		}

		lastErr = err

		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if !isRetryable(err) {
			return false, err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt, err)
		e.logger.Debug("upload attempt failed, backing off",
			slog.String("path", remotePath),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if err := sleepCtx(ctx, delay); err != nil {
			return false, err
		}
	}

	return false, &TransportError{Path: remotePath, Attempts: policy.MaxAttempts, Err: lastErr}
}

// buildPut constructs the write request: a descriptive message
// distinguishing create from update, the wire-encoded content, and the
// prior content hash as precondition when updating.
func buildPut(remotePath string, payload *Payload, state contents.RemoteState, branch string) contents.PutRequest {
	message := "Add " + remotePath
	sha := ""

	if state.Exists {
		message = "Update " + remotePath
		sha = state.SHA
	}

	return contents.PutRequest{
		Message: message,
		Content: wireContent(payload),
		Branch:  branch,
		SHA:     sha,
	}
}

// isRetryable classifies an upload error. Precondition mismatches are
// retryable because the next attempt re-probes and supplies the new
// hash.
func isRetryable(err error) bool {
	if contents.IsTransient(err) {
		return true
	}

	if _, limited := contents.IsRateLimited(err); limited {
		return true
	}

	return errors.Is(err, hserrors.ErrPreconditionFailed)
}

// backoffDelay computes the delay before the next attempt: exponential
// in the attempt count, floored for rate-limit responses (respecting a
// server retry-after hint when longer), plus uniform jitter.
func backoffDelay(policy RetryPolicy, attempt int, err error) time.Duration {
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := policy.BaseDelay << shift

	if hint, limited := contents.IsRateLimited(err); limited {
		floor := policy.RateLimitFloor
		if hint > floor {
			floor = hint
		}

		if delay < floor {
			delay = floor
		}
	}

	if policy.JitterRange > 0 {
		delay += time.Duration(rand.Int64N(int64(policy.JitterRange)))
	}

	return delay
}

// sleepCtx waits for the given duration or until the context is
// cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
