package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hubload/internal/core"
	hlerrors "hubload/internal/errors"
	"hubload/internal/profile"
	"hubload/internal/ratelimit"
	"hubload/internal/session"
	"hubload/internal/worker"
)

// run is one active drive of a session. It owns the working copy of the
// session; every mutation happens under mu and is saved before mu is
// released, so the store always holds the latest transition.
type run struct {
	c          *Coordinator
	src        *core.Source
	token      string
	log        *slog.Logger
	controller *ratelimit.Controller
	sampler    *profile.Sampler
	storeCtx   context.Context

	mu sync.Mutex
	s  *session.Session

	stopMu     sync.Mutex
	stopReason error
	cancel     context.CancelFunc

	done chan struct{}
	err  error
}

func newRun(c *Coordinator, s *session.Session, src *core.Source, token string) *run {
	r := &run{
		c:          c,
		src:        src,
		token:      token,
		log:        c.logger.With("session_id", s.ID),
		controller: c.newController(),
		storeCtx:   context.Background(),
		s:          s,
		done:       make(chan struct{}),
	}
	if c.minSamples > 0 {
		r.sampler = profile.NewSampler(c.minSamples, c.sampleWindow)
	}
	return r
}

// stop asks the run to end with reason. The first reason wins.
func (r *run) stop(reason error) {
	r.stopMu.Lock()
	if r.stopReason == nil {
		r.stopReason = reason
	}
	cancel := r.cancel
	r.stopMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *run) reason() error {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	return r.stopReason
}

func (r *run) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop runs passes of the worker pool until the session settles. A pass
// that ends with files failing verification requeues them and runs again.
func (r *run) loop(ctx context.Context) error {
	if r.sampler != nil {
		r.sampler.Start()
	}
	for {
		pool := worker.New(worker.Options{
			SessionID:   r.s.ID,
			Repo:        r.s.TargetRepo,
			Token:       r.token,
			Parallelism: r.c.cfg.ParallelUploads,
			GracePeriod: r.c.cfg.GracePeriod.Std(),
			Tier:        r.tier,
			OnHold:      r.onHold,
			OnResume:    r.onResume,
		}, r.src, r.c.transport, r.controller, r, r.log)

		again, err := r.settle(ctx, pool.Run(ctx))
		if !again {
			return err
		}
	}
}

// settle decides the session status after a pool pass and persists it.
func (r *run) settle(ctx context.Context, runErr error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := r.s.ResetInFlight(); n > 0 {
		r.log.Info("reset abandoned chunks", "chunks", n)
	}

	reason := r.reason()
	switch {
	case runErr == nil && reason == nil:
		requeued, err := r.verify(ctx)
		if err != nil {
			if reason := r.reason(); reason != nil {
				return false, r.finish(reason, nil)
			}
			return false, r.finish(nil, err)
		}
		if requeued > 0 {
			r.log.Warn("files failed verification, uploading again", "chunks", requeued)
			return true, r.save()
		}
		r.log.Info("session completed", "chunks", len(r.s.Chunks), "bytes", r.s.Counts().BytesTotal)
		return false, r.transition(session.StatusCompleted)

	case reason != nil:
		return false, r.finish(reason, nil)
	case errors.Is(runErr, hlerrors.ErrPaused), errors.Is(runErr, context.Canceled):
		return false, r.finish(hlerrors.ErrPaused, nil)
	default:
		return false, r.finish(nil, runErr)
	}
}

// finish applies a stop reason or a failure. It returns the failure, or
// nil for a clean stop.
func (r *run) finish(reason, failure error) error {
	switch {
	case errors.Is(reason, hlerrors.ErrCancelled):
		r.log.Info("session cancelled")
		return r.transition(session.StatusCancelled)
	case reason != nil:
		r.log.Info("session paused")
		return r.transition(session.StatusPaused)
	}

	r.log.Error("session failed", "error", failure)
	r.s.Error = failure.Error()
	if err := r.transition(session.StatusFailed); err != nil {
		return errors.Join(failure, err)
	}
	return failure
}

// transition and save must be called with mu held.
func (r *run) transition(to session.Status) error {
	if err := r.s.Transition(to, r.c.now()); err != nil {
		return err
	}
	return r.save()
}

func (r *run) save() error {
	r.s.UpdatedAt = r.c.now()
	err := r.c.store.Save(r.storeCtx, r.s)
	if err != nil && !hlerrors.IsFatal(err) {
		err = &hlerrors.StoreError{Op: "save", SessionID: r.s.ID, Err: err}
	}
	return err
}

func (r *run) tier() profile.Tier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.Tier
}

// onHold pauses the session while the rate controller holds dispatch. A
// hold longer than auto_resume_max_wait, or any hold with auto_resume
// off, ends the run with the session paused.
func (r *run) onHold(until time.Time) error {
	if r.sampler != nil {
		r.sampler.Hold()
	}
	wait := until.Sub(r.c.now())
	if !r.c.cfg.AutoResume || wait > r.c.cfg.AutoResumeMaxWait.Std() {
		r.log.Warn("rate limited beyond auto-resume window, pausing", "until", until)
		return hlerrors.ErrPaused
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.Status != session.StatusUploading {
		return nil
	}
	r.log.Info("holding dispatch", "until", until, "wait", wait)
	return r.transition(session.StatusPaused)
}

func (r *run) onResume() error {
	if r.sampler != nil {
		r.sampler.Release()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.Status != session.StatusPaused {
		return nil
	}
	r.log.Info("resuming dispatch")
	return r.transition(session.StatusUploading)
}

// Claim implements worker.Ledger.
func (r *run) Claim() (worker.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.s.Chunks {
		if c.State != session.ChunkPending {
			continue
		}
		if err := c.Transition(session.ChunkUploading); err != nil {
			return worker.Job{}, false, err
		}
		c.Attempts++
		if err := r.save(); err != nil {
			return worker.Job{}, false, err
		}
		return worker.Job{
			ChunkID:    c.ID,
			FilePath:   c.FilePath,
			Offset:     c.Offset,
			Length:     c.Length,
			Checksum:   c.Checksum,
			Compressed: c.Compressed,
		}, true, nil
	}
	return worker.Job{}, false, nil
}

func (r *run) Succeeded(job worker.Job, remoteChecksum string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.chunk(job)
	if err != nil {
		return err
	}
	if err := c.Transition(session.ChunkUploaded); err != nil {
		return err
	}
	now := r.c.now()
	c.UploadedAt = &now
	c.RemoteChecksum = remoteChecksum
	c.LastError = ""
	if err := r.save(); err != nil {
		return err
	}

	if r.sampler != nil {
		r.sampler.Observe(job.Length)
		return r.reevaluate()
	}
	return nil
}

// Retry charges the failure to the chunk's budget. Integrity failures have
// their own budget; rate-limit rejections are not charged.
func (r *run) Retry(job worker.Job, cause error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.chunk(job)
	if err != nil {
		return false, err
	}
	c.LastError = cause.Error()

	var exhausted bool
	var ie *hlerrors.IntegrityError
	var rt *hlerrors.RetryableTransferError
	switch {
	case errors.As(cause, &ie):
		c.Attempts--
		c.IntegrityFailures++
		exhausted = c.IntegrityFailures > r.c.cfg.MaxIntegrityRetries
	case errors.As(cause, &rt) && rt.RateLimited():
		c.Attempts--
	default:
		exhausted = c.Attempts > r.c.cfg.MaxRetries
	}

	to := session.ChunkPending
	if exhausted {
		to = session.ChunkFailed
	}
	if err := c.Transition(to); err != nil {
		return false, err
	}
	return exhausted, r.save()
}

// Abandon returns an interrupted chunk to pending without charging it.
func (r *run) Abandon(job worker.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.chunk(job)
	if err != nil {
		return err
	}
	if c.State != session.ChunkUploading {
		return nil
	}
	if err := c.Transition(session.ChunkPending); err != nil {
		return err
	}
	c.Attempts--
	return r.save()
}

func (r *run) chunk(job worker.Job) (*session.Chunk, error) {
	c := r.s.Chunk(job.ChunkID)
	if c == nil {
		return nil, fmt.Errorf("%w: unknown chunk %s", hlerrors.ErrInvalidTransition, job.ChunkID)
	}
	return c, nil
}

// reevaluate re-plans untouched files when sustained throughput has left
// the session's tier. Dispatch is held for the duration since Claim needs
// mu. A failure to persist the hold or the resume ends the run. Called
// with mu held.
func (r *run) reevaluate() error {
	if r.c.cfg.NetworkTier != "" || !r.c.cfg.NetworkAutoDetect || r.s.Status != session.StatusUploading {
		return nil
	}
	tier, changed := r.sampler.Suggest(r.s.Tier)
	if !changed {
		return nil
	}
	defer r.sampler.Start()

	r.log.Info("throughput left the planned tier, re-planning pending files", "from", r.s.Tier, "to", tier)
	if err := r.transition(session.StatusPaused); err != nil {
		return err
	}

	n, err := r.c.planner.Replan(r.src, r.s, profile.ForTier(tier))
	if err != nil {
		r.log.Warn("re-planning failed, keeping current plan", "error", err)
	} else {
		r.log.Info("re-planned files", "files", n, "plan_version", r.s.PlanVersion)
	}

	return r.transition(session.StatusUploading)
}
