// Package worker runs chunk transfers concurrently under a fixed
// parallelism budget.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"hubload/internal/checksum"
	"hubload/internal/core"
	hlerrors "hubload/internal/errors"
	"hubload/internal/profile"
	"hubload/internal/ratelimit"
	"hubload/internal/transport"
)

// Job is one claimed chunk.
type Job struct {
	ChunkID    string
	FilePath   string
	Offset     int64
	Length     int64
	Checksum   string
	Compressed bool
}

// Ledger is the chunk-state table the pool works against. Implementations
// serialize every call and persist each transition before returning.
type Ledger interface {
	// Claim moves one pending chunk to uploading. ok is false when no chunk
	// is pending.
	Claim() (job Job, ok bool, err error)
	// Succeeded moves the chunk to uploaded.
	Succeeded(job Job, remoteChecksum string) error
	// Retry returns the chunk to pending after a retryable failure, or to
	// failed when its retry budget is spent, reported by exhausted.
	Retry(job Job, cause error) (exhausted bool, err error)
	// Abandon returns the chunk to pending without charging an attempt.
	Abandon(job Job) error
}

type Options struct {
	SessionID   string
	Repo        string
	Token       string
	Parallelism int
	// GracePeriod is how long in-flight transfers may run after the run
	// context is cancelled.
	GracePeriod time.Duration
	// Tier returns the current tier, used for per-attempt timeouts.
	Tier func() profile.Tier
	// OnHold is called before dispatch waits on a rate-limit or backoff
	// hold. Returning an error stops the run with that error.
	OnHold func(until time.Time) error
	// OnResume is called when a hold reported through OnHold ends.
	// Returning an error stops the run with that error.
	OnResume func() error
}

type Pool struct {
	opts       Options
	src        *core.Source
	transport  transport.Transport
	controller *ratelimit.Controller
	ledger     Ledger
	logger     *slog.Logger

	inFlight atomic.Int32
	peak     atomic.Int32
	finished chan struct{}
}

func New(opts Options, src *core.Source, tr transport.Transport, controller *ratelimit.Controller, ledger Ledger, logger *slog.Logger) *Pool {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Tier == nil {
		opts.Tier = func() profile.Tier { return profile.TierMedium }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		opts:       opts,
		src:        src,
		transport:  tr,
		controller: controller,
		ledger:     ledger,
		logger:     logger.With("session_id", opts.SessionID),
		finished:   make(chan struct{}, 1),
	}
}

// PeakInFlight is the largest number of transfers that ran at once.
func (p *Pool) PeakInFlight() int {
	return int(p.peak.Load())
}

// Run dispatches until no chunk is pending or in flight. It returns nil when
// the plan is drained, ctx.Err() when stopped by ctx, or the first fatal
// error. Cancelling ctx stops dispatch at once; transfers already running
// get GracePeriod to finish before they are cancelled and abandoned.
func (p *Pool) Run(ctx context.Context) error {
	transferCtx, cancelTransfers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTransfers()

	g, gctx := errgroup.WithContext(transferCtx)

	// dispatch stops on caller cancellation or on the first fatal error
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	stopOnFatal := context.AfterFunc(gctx, stopDispatch)
	defer stopOnFatal()

	graceDone := make(chan struct{})
	defer close(graceDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-graceDone:
			return
		}
		timer := time.NewTimer(p.opts.GracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.logger.Warn("grace period expired, abandoning in-flight transfers", "in_flight", p.inFlight.Load())
			cancelTransfers()
		case <-graceDone:
		}
	}()

	sem := semaphore.NewWeighted(int64(p.opts.Parallelism))
	dispatchErr := p.dispatch(dispatchCtx, gctx, g, sem, stopDispatch)

	werr := g.Wait()
	switch {
	case werr != nil:
		return werr
	case dispatchErr != nil:
		return dispatchErr
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}

func (p *Pool) dispatch(ctx, gctx context.Context, g *errgroup.Group, sem *semaphore.Weighted, stop context.CancelFunc) error {
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		if ctx.Err() != nil {
			sem.Release(1)
			return nil
		}
		if err := p.waitForClearance(ctx); err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// read before Claim: a transfer that ends after this point may
		// requeue its chunk, and its finished signal wakes the wait below
		running := p.inFlight.Load()
		job, ok, err := p.ledger.Claim()
		if err != nil {
			sem.Release(1)
			return err
		}
		if !ok {
			sem.Release(1)
			if running == 0 {
				return nil
			}
			select {
			case <-p.finished:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		n := p.inFlight.Add(1)
		for {
			peak := p.peak.Load()
			if n <= peak || p.peak.CompareAndSwap(peak, n) {
				break
			}
		}

		g.Go(func() error {
			err := p.process(gctx, job)
			if err != nil {
				// before the slot is freed, so nothing else is claimed
				stop()
			}
			p.inFlight.Add(-1)
			sem.Release(1)
			select {
			case p.finished <- struct{}{}:
			default:
			}
			return err
		})
	}
}

func (p *Pool) waitForClearance(ctx context.Context) error {
	until := p.controller.HoldUntil()
	if until.IsZero() {
		return p.controller.Wait(ctx)
	}
	if p.opts.OnHold != nil {
		if err := p.opts.OnHold(until); err != nil {
			return err
		}
	}
	p.logger.Info("dispatch on hold", "until", until)
	if err := p.controller.Wait(ctx); err != nil {
		return err
	}
	if p.opts.OnResume != nil {
		return p.opts.OnResume()
	}
	return nil
}

// process runs one attempt. Only errors that must abort the session are
// returned; retryable failures are recorded in the ledger.
func (p *Pool) process(ctx context.Context, job Job) error {
	log := p.logger.With("chunk_id", job.ChunkID, "file", job.FilePath, "offset", job.Offset)

	receipt, err := p.attempt(ctx, job)
	p.controller.OnResponse(receipt.Signal)

	if err == nil {
		p.controller.OnSuccess()
		if err := p.ledger.Succeeded(job, receipt.Checksum); err != nil {
			return err
		}
		log.Debug("chunk uploaded", "bytes", job.Length)
		return nil
	}

	if ctx.Err() != nil {
		log.Info("transfer abandoned", "error", err)
		if aerr := p.ledger.Abandon(job); aerr != nil {
			return aerr
		}
		return nil
	}

	if hlerrors.IsFatal(err) || !hlerrors.IsRetryable(err) {
		log.Error("fatal transfer error", "error", err)
		if aerr := p.ledger.Abandon(job); aerr != nil {
			return aerr
		}
		return err
	}

	backoff, _ := p.controller.OnFailure(err)
	exhausted, lerr := p.ledger.Retry(job, err)
	if lerr != nil {
		return lerr
	}
	if exhausted {
		log.Error("chunk exhausted its retries", "error", err)
		return fmt.Errorf("%w: chunk %s: %v", hlerrors.ErrRetryLimit, job.ChunkID, err)
	}
	log.Warn("chunk requeued", "error", err, "backoff", backoff)
	return nil
}

func (p *Pool) attempt(ctx context.Context, job Job) (transport.Receipt, error) {
	none := transport.Receipt{Signal: ratelimit.Signal{Remaining: -1}}

	raw, err := core.ReadRange(p.src, job.FilePath, job.Offset, job.Length)
	if err != nil {
		return none, &hlerrors.RetryableTransferError{Err: fmt.Errorf("failed to read chunk: %w", err)}
	}
	if actual := checksum.Digest(raw); !checksum.Verify(checksum.Checksum(job.Checksum), actual) {
		return none, &hlerrors.IntegrityError{ChunkID: job.ChunkID, Path: job.FilePath, Expected: job.Checksum, Actual: string(actual)}
	}

	payload, err := core.NewPayload(raw, job.Compressed)
	if err != nil {
		return none, &hlerrors.RetryableTransferError{Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, profile.TransferTimeout(p.opts.Tier(), job.Length))
	defer cancel()

	receipt, err := p.transport.Upload(attemptCtx, p.opts.Token, transport.Blob{
		Repo:       p.opts.Repo,
		Path:       transport.BlobPath(p.opts.SessionID, job.ChunkID),
		Body:       payload.Body,
		Checksum:   job.Checksum,
		Size:       job.Length,
		Compressed: payload.Compressed,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = &hlerrors.RetryableTransferError{Err: err}
		}
		return receipt, err
	}

	if receipt.Checksum != "" && !checksum.Verify(checksum.Checksum(job.Checksum), checksum.Checksum(receipt.Checksum)) {
		return receipt, &hlerrors.IntegrityError{ChunkID: job.ChunkID, Path: job.FilePath, Expected: job.Checksum, Actual: receipt.Checksum}
	}
	return receipt, nil
}
