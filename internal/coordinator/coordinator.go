// Package coordinator drives upload sessions: it plans them, runs the
// worker pool against the plan and verifies the result, persisting every
// state change so a session can be resumed after any interruption.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hubload/internal/config"
	"hubload/internal/core"
	hlerrors "hubload/internal/errors"
	"hubload/internal/planner"
	"hubload/internal/profile"
	"hubload/internal/ratelimit"
	"hubload/internal/session"
	"hubload/internal/store"
	"hubload/internal/transport"
)

const (
	defaultMinSamples   = 20
	defaultSampleWindow = 30 * time.Second
)

type Options struct {
	Config    *config.Config
	Store     store.Store
	Transport transport.Transport
	// Prober measures throughput when network_auto_detect is on. Nil probes
	// probe_url over HTTP.
	Prober profile.Prober
	// OpenSource resolves a session's source path. Nil opens it on the OS
	// filesystem.
	OpenSource func(path string) (*core.Source, error)
	Logger     *slog.Logger

	// MinSamples and SampleWindow gate mid-run tier re-evaluation. A
	// negative MinSamples disables it.
	MinSamples   int
	SampleWindow time.Duration
}

// Coordinator is safe for concurrent use. Each session has at most one
// active run per Coordinator.
type Coordinator struct {
	cfg        *config.Config
	store      store.Store
	transport  transport.Transport
	profiler   *profile.Profiler
	planner    *planner.Planner
	openSource func(string) (*core.Source, error)
	logger     *slog.Logger
	now        func() time.Time

	minSamples   int
	sampleWindow time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

func New(opts Options) (*Coordinator, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("coordinator: no session store")
	}
	if opts.Transport == nil {
		return nil, errors.New("coordinator: no transport")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OpenSource == nil {
		opts.OpenSource = core.OpenSource
	}
	if opts.MinSamples == 0 {
		opts.MinSamples = defaultMinSamples
	}
	if opts.SampleWindow == 0 {
		opts.SampleWindow = defaultSampleWindow
	}

	cfg := opts.Config
	var override profile.Tier
	if cfg.NetworkTier != "" {
		t, err := profile.ParseTier(cfg.NetworkTier)
		if err != nil {
			return nil, hlerrors.NewConfigError("network_tier", cfg.NetworkTier, err.Error())
		}
		override = t
	}
	prober := opts.Prober
	if prober == nil && cfg.NetworkAutoDetect && cfg.ProbeURL != "" {
		prober = &profile.HTTPProber{URL: cfg.ProbeURL}
	}
	if !cfg.NetworkAutoDetect {
		prober = nil
	}

	return &Coordinator{
		cfg:       cfg,
		store:     opts.Store,
		transport: opts.Transport,
		profiler:  profile.NewProfiler(prober, override, opts.Logger),
		planner: planner.New(planner.Options{
			Excludes:     cfg.Excludes(),
			Compression:  cfg.CompressionEnabled,
			Adaptive:     cfg.AutoChunkEnabled,
			MaxChunkSize: cfg.MaxChunkSize(),
		}, opts.Logger),
		openSource:   opts.OpenSource,
		logger:       opts.Logger,
		now:          time.Now,
		minSamples:   opts.MinSamples,
		sampleWindow: opts.SampleWindow,
		runs:         make(map[string]*run),
	}, nil
}

// Create plans a new session for source and starts uploading it to repo.
// The returned id is valid whenever it is non-empty, even alongside an
// error: a session whose planning failed is persisted as failed.
func (c *Coordinator) Create(ctx context.Context, source, repo, token string) (string, error) {
	if _, err := core.ParseRepo(repo); err != nil {
		return "", err
	}
	src, err := c.openSource(source)
	if err != nil {
		return "", &hlerrors.PlanningError{Path: source, Err: err}
	}

	s := session.New(source, repo, c.now())
	if err := c.store.Create(ctx, s); err != nil {
		return "", err
	}
	c.logger.Info("session created", "session_id", s.ID, "source", source, "repo", repo)

	if err := c.plan(ctx, s, src); err != nil {
		return s.ID, err
	}
	if err := c.start(ctx, s, src, token); err != nil {
		return s.ID, err
	}
	return s.ID, nil
}

// Resume continues a paused, failed or interrupted session. Chunks already
// uploaded are never sent again. Failed chunks get a fresh retry budget.
func (c *Coordinator) Resume(ctx context.Context, id, token string) error {
	if c.active(id) != nil {
		return fmt.Errorf("%w: %s", hlerrors.ErrSessionActive, id)
	}

	s, err := c.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == session.StatusCompleted || s.Status == session.StatusCancelled {
		return fmt.Errorf("%w: %s is %s", hlerrors.ErrSessionTerminal, id, s.Status)
	}

	src, err := c.openSource(s.SourcePath)
	if err != nil {
		return &hlerrors.PlanningError{Path: s.SourcePath, Err: err}
	}

	if n := s.ResetInFlight(); n > 0 {
		c.logger.Info("reset chunks left in flight", "session_id", id, "chunks", n)
	}
	if s.Status == session.StatusFailed {
		s.RequeueFailed()
		s.Error = ""
	}

	if s.PlanVersion == 0 {
		if err := c.plan(ctx, s, src); err != nil {
			return err
		}
	}

	c.logger.Info("resuming session", "session_id", id, "status", s.Status)
	return c.start(ctx, s, src, token)
}

// Pause stops an active run and leaves the session paused. Transfers in
// flight get the configured grace period.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	if r := c.active(id); r != nil {
		r.stop(hlerrors.ErrPaused)
		return r.wait(ctx)
	}
	return c.settleInactive(ctx, id, session.StatusPaused)
}

// Cancel stops an active run and marks the session cancelled.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	if r := c.active(id); r != nil {
		r.stop(hlerrors.ErrCancelled)
		return r.wait(ctx)
	}
	return c.settleInactive(ctx, id, session.StatusCancelled)
}

func (c *Coordinator) settleInactive(ctx context.Context, id string, to session.Status) error {
	s, err := c.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() && s.Status != session.StatusFailed {
		return fmt.Errorf("%w: %s is %s", hlerrors.ErrSessionTerminal, id, s.Status)
	}
	s.ResetInFlight()
	if err := s.Transition(to, c.now()); err != nil {
		return err
	}
	c.logger.Info("session settled", "session_id", id, "status", to)
	return c.store.Save(ctx, s)
}

// Status reports progress from persisted state.
func (c *Coordinator) Status(ctx context.Context, id string) (session.Snapshot, error) {
	s, err := c.store.Load(ctx, id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(c.now()), nil
}

// Session returns the persisted session document.
func (c *Coordinator) Session(ctx context.Context, id string) (*session.Session, error) {
	return c.store.Load(ctx, id)
}

func (c *Coordinator) List(ctx context.Context) ([]session.Summary, error) {
	return c.store.List(ctx)
}

// Wait blocks until the active run of id ends and returns its error. It
// returns nil at once when no run is active.
func (c *Coordinator) Wait(ctx context.Context, id string) error {
	r := c.active(id)
	if r == nil {
		return nil
	}
	return r.wait(ctx)
}

// Running reports whether id has an active run.
func (c *Coordinator) Running(id string) bool {
	return c.active(id) != nil
}

// Shutdown pauses every active run and waits for them to persist.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		r.stop(hlerrors.ErrPaused)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) active(id string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

// plan moves s through planning and persists the chunk plan. Planning
// failures leave the session failed.
func (c *Coordinator) plan(ctx context.Context, s *session.Session, src *core.Source) error {
	if err := s.Transition(session.StatusPlanning, c.now()); err != nil {
		return err
	}
	if err := c.store.Save(ctx, s); err != nil {
		return err
	}

	prof := c.profiler.Detect(ctx)
	p, err := c.planner.Plan(src, prof)
	if err != nil {
		c.logger.Error("planning failed", "session_id", s.ID, "error", err)
		return errors.Join(err, c.markFailed(ctx, s, err))
	}

	s.Tier = prof.Tier
	s.ChunkSizeBytes = prof.ChunkSizeBytes
	s.PlanVersion = 1
	s.Files = p.Files
	s.Chunks = p.Chunks
	s.UpdatedAt = c.now()
	return c.store.Save(ctx, s)
}

func (c *Coordinator) markFailed(ctx context.Context, s *session.Session, cause error) error {
	s.Error = cause.Error()
	if err := s.Transition(session.StatusFailed, c.now()); err != nil {
		return err
	}
	return c.store.Save(ctx, s)
}

// start persists s as uploading and launches its run.
func (c *Coordinator) start(ctx context.Context, s *session.Session, src *core.Source, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[s.ID]; ok {
		return fmt.Errorf("%w: %s", hlerrors.ErrSessionActive, s.ID)
	}

	now := c.now()
	if err := s.Transition(session.StatusUploading, now); err != nil {
		return err
	}
	s.RunStartedAt = &now
	s.RunStartBytes = s.Counts().BytesDone
	if err := c.store.Save(ctx, s); err != nil {
		return err
	}

	r := newRun(c, s, src, token)
	c.runs[s.ID] = r
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.stopMu.Lock()
	r.cancel = cancel
	r.stopMu.Unlock()
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.runs, s.ID)
			c.mu.Unlock()
			cancel()
			close(r.done)
		}()
		r.err = r.loop(runCtx)
	}()
	return nil
}

func (c *Coordinator) newController() *ratelimit.Controller {
	return ratelimit.New(ratelimit.Options{
		BackoffBase:       c.cfg.BackoffBase.Std(),
		BackoffMax:        c.cfg.BackoffMax.Std(),
		RequestsPerSecond: c.cfg.RequestsPerSecond,
		Logger:            c.logger,
	})
}
