package profile

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultProbeSize is the payload posted by HTTPProber.
const DefaultProbeSize = 100 * KB

// Prober measures current upload throughput in bytes per second.
type Prober interface {
	Probe(ctx context.Context) (float64, error)
}

// HTTPProber posts a block of random bytes to URL and times the round trip.
type HTTPProber struct {
	URL    string
	Client *http.Client
	Size   int
}

func (p *HTTPProber) Probe(ctx context.Context) (float64, error) {
	size := p.Size
	if size <= 0 {
		size = DefaultProbeSize
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return 0, fmt.Errorf("failed to generate probe payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	return float64(size) / elapsed.Seconds(), nil
}

// Profiler picks the tier a session starts with.
type Profiler struct {
	prober   Prober
	override Tier
	logger   *slog.Logger
}

// NewProfiler builds a profiler. A non-empty override skips probing; a nil
// prober means every detection falls back to medium.
func NewProfiler(prober Prober, override Tier, logger *slog.Logger) *Profiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{prober: prober, override: override, logger: logger}
}

// Detect never fails: a probe error yields the medium tier.
func (p *Profiler) Detect(ctx context.Context) Profile {
	if p.override != "" {
		p.logger.Info("using configured network tier", "tier", p.override)
		return ForTier(p.override)
	}
	if p.prober == nil {
		return ForTier(TierMedium)
	}

	speed, err := p.prober.Probe(ctx)
	if err != nil {
		p.logger.Warn("network probe failed, assuming medium tier", "error", err)
		return ForTier(TierMedium)
	}

	prof := ForTier(Classify(speed))
	prof.BytesPerSec = speed
	prof.Measured = true
	p.logger.Info("network profiled",
		"tier", prof.Tier,
		"mb_per_sec", fmt.Sprintf("%.2f", speed/MB),
		"chunk_size_bytes", prof.ChunkSizeBytes,
	)
	return prof
}

// Sampler tracks aggregate throughput of a running session and flags when
// it has settled in a different tier than the one planned with.
type Sampler struct {
	mu         sync.Mutex
	now        func() time.Time
	minSamples int
	minWindow  time.Duration
	start      time.Time
	bytes      int64
	samples    int

	// time spent in dispatch holds does not count as transfer time
	heldSince time.Time
	held      time.Duration
}

// NewSampler returns a sampler that needs at least minSamples completed
// transfers spanning minWindow before it suggests a tier change.
func NewSampler(minSamples int, minWindow time.Duration) *Sampler {
	return &Sampler{now: time.Now, minSamples: minSamples, minWindow: minWindow}
}

// Start marks the beginning of the measurement window.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = s.now()
	s.bytes = 0
	s.samples = 0
	s.held = 0
	if !s.heldSince.IsZero() {
		s.heldSince = s.start
	}
}

// Hold stops the measurement clock while dispatch waits on a rate-limit
// or backoff hold.
func (s *Sampler) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heldSince.IsZero() {
		s.heldSince = s.now()
	}
}

// Release restarts the clock stopped by Hold.
func (s *Sampler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heldSince.IsZero() {
		return
	}
	s.held += s.now().Sub(s.heldSince)
	s.heldSince = time.Time{}
}

// activeLocked is the time since Start minus time spent held.
func (s *Sampler) activeLocked() time.Duration {
	now := s.now()
	active := now.Sub(s.start) - s.held
	if !s.heldSince.IsZero() {
		active -= now.Sub(s.heldSince)
	}
	return active
}

// Observe records a successful transfer of n bytes.
func (s *Sampler) Observe(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start.IsZero() {
		s.start = s.now()
	}
	s.bytes += n
	s.samples++
}

// Rate returns aggregate bytes per second of unheld time since Start, or 0
// when unknown.
func (s *Sampler) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLocked()
}

func (s *Sampler) rateLocked() float64 {
	if s.start.IsZero() {
		return 0
	}
	elapsed := s.activeLocked()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.bytes) / elapsed.Seconds()
}

// Suggest returns the tier observed throughput falls into and whether it
// differs from current by at least one full tier after enough samples.
func (s *Sampler) Suggest(current Tier) (Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples < s.minSamples || s.activeLocked() < s.minWindow {
		return current, false
	}
	observed := Classify(s.rateLocked())
	return observed, observed != current
}
