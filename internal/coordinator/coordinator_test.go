package coordinator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubload/internal/checksum"
	"hubload/internal/config"
	"hubload/internal/core"
	hlerrors "hubload/internal/errors"
	"hubload/internal/profile"
	"hubload/internal/ratelimit"
	"hubload/internal/session"
	"hubload/internal/store"
	"hubload/internal/transport"
)

const mb = 1024 * 1024

// uploadHook can take over an upload. handled=false falls through to the
// normal in-memory behaviour.
type uploadHook func(ctx context.Context, call int, blob transport.Blob) (transport.Receipt, error, bool)

// fakeRemote stores blobs in memory and reassembles files on Finalize.
type fakeRemote struct {
	mu         sync.Mutex
	blobs      map[string][]byte
	uploads    []string
	files      map[string][]byte
	calls      int
	finalizes  int
	hook       uploadHook
	corruptFin int // number of Finalize calls that report a wrong digest
	localOnly  bool

	active atomic.Int32
	peak   atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{blobs: map[string][]byte{}, files: map[string][]byte{}}
}

func (f *fakeRemote) setHook(h uploadHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = h
}

func (f *fakeRemote) Upload(ctx context.Context, token string, blob transport.Blob) (transport.Receipt, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	call, hook := f.calls, f.hook
	f.mu.Unlock()

	if hook != nil {
		if receipt, err, handled := hook(ctx, call, blob); handled {
			return receipt, err
		}
	}

	raw := blob.Body
	if blob.Compressed {
		var err error
		raw, err = core.Decompress(bytes.NewReader(blob.Body), blob.Size)
		if err != nil {
			return transport.Receipt{Signal: ratelimit.Signal{Remaining: -1}}, hlerrors.ClassifyStatus(422, time.Time{}, err)
		}
	}

	f.mu.Lock()
	f.blobs[blob.Path] = raw
	f.uploads = append(f.uploads, blob.Path)
	f.mu.Unlock()
	return transport.Receipt{
		Checksum: string(checksum.Digest(raw)),
		Signal:   ratelimit.Signal{StatusCode: 201, Remaining: -1},
	}, nil
}

func (f *fakeRemote) Finalize(ctx context.Context, token, repo string, m transport.Manifest) (transport.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes++

	res := transport.FinalizeResult{Reassembled: !f.localOnly, Signal: ratelimit.Signal{StatusCode: 200, Remaining: -1}}
	if f.localOnly {
		return res, nil
	}
	for _, mf := range m.Files {
		var buf bytes.Buffer
		for _, p := range mf.Blobs {
			buf.Write(f.blobs[p])
		}
		f.files[mf.Path] = buf.Bytes()
		sum := string(checksum.Digest(buf.Bytes()))
		if f.finalizes <= f.corruptFin {
			sum = string(checksum.Digest([]byte("corrupted")))
		}
		res.Files = append(res.Files, transport.FileDigest{Path: mf.Path, Checksum: sum, Size: int64(buf.Len())})
	}
	return res, nil
}

func (f *fakeRemote) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

func (f *fakeRemote) file(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path]
}

// recordingStore wraps a store, tracking statuses and the largest number of
// chunks persisted as uploading at once. It can fail saves after a count.
type recordingStore struct {
	store.Store
	mu           sync.Mutex
	statuses     []session.Status
	maxUploading int
	saves        int
	failAfter    int
	failOn       session.Status
}

func (r *recordingStore) Save(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	r.saves++
	if (r.failAfter > 0 && r.saves > r.failAfter) || (r.failOn != "" && s.Status == r.failOn) {
		r.mu.Unlock()
		return &hlerrors.StoreError{Op: "save", SessionID: s.ID, Err: errors.New("disk full")}
	}
	r.maxUploading = max(r.maxUploading, s.Counts().ChunksUploading)
	if n := len(r.statuses); n == 0 || r.statuses[n-1] != s.Status {
		r.statuses = append(r.statuses, s.Status)
	}
	r.mu.Unlock()
	return r.Store.Save(ctx, s)
}

func (r *recordingStore) setFailAfter(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAfter = n
	r.saves = 0
}

func (r *recordingStore) seen() []session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Status(nil), r.statuses...)
}

type fixedProber float64

func (p fixedProber) Probe(context.Context) (float64, error) { return float64(p), nil }

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i * 7) % 256)
	}
	return data
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SessionDir = t.TempDir()
	cfg.NetworkTier = "medium"
	cfg.BackoffBase = config.Duration(time.Millisecond)
	cfg.BackoffMax = config.Duration(10 * time.Millisecond)
	cfg.GracePeriod = config.Duration(50 * time.Millisecond)
	return cfg
}

type harness struct {
	fs     billy.Filesystem
	store  *recordingStore
	remote *fakeRemote
	cfg    *config.Config
}

func newHarness(t *testing.T, files map[string][]byte) *harness {
	t.Helper()
	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("src", 0755))
	for name, data := range files {
		require.NoError(t, util.WriteFile(fs, fs.Join("src", name), data, 0644))
	}
	cfg := testConfig(t)
	fileStore, err := store.NewFileStore(cfg.SessionDir, nil)
	require.NoError(t, err)
	return &harness{fs: fs, store: &recordingStore{Store: fileStore}, remote: newFakeRemote(), cfg: cfg}
}

func (h *harness) coordinator(t *testing.T, mutate ...func(*Options)) *Coordinator {
	t.Helper()
	opts := Options{
		Config:     h.cfg,
		Store:      h.store,
		Transport:  h.remote,
		OpenSource: func(path string) (*core.Source, error) { return core.NewSource(h.fs, path) },
		MinSamples: -1,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func (h *harness) load(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := h.store.Load(context.Background(), id)
	require.NoError(t, err)
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreate_UploadsAndCompletes(t *testing.T) {
	data := patterned(27 * mb)
	h := newHarness(t, map[string][]byte{"big.bin": data, "notes.txt": []byte("hello world\n")})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	s := h.load(t, id)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, profile.TierMedium, s.Tier)
	assert.Len(t, s.FileChunks("big.bin"), 6)
	assert.True(t, s.AllUploaded())
	assert.True(t, s.AllVerified())
	assert.Equal(t, data, h.remote.file("big.bin"))
	assert.Equal(t, []byte("hello world\n"), h.remote.file("notes.txt"))

	snap, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Percent)
	assert.Equal(t, snap.ChunksTotal, snap.ChunksDone)
	assert.Equal(t, session.StatusCompleted, snap.Status)
}

func TestResume_UploadsOnlyRemainingChunks(t *testing.T) {
	data := patterned(27 * mb)
	h := newHarness(t, map[string][]byte{"big.bin": data})
	h.cfg.ParallelUploads = 1
	ctx := waitCtx(t)

	// first process: three chunks land, then the transport hangs
	h.remote.setHook(func(ctx context.Context, call int, blob transport.Blob) (transport.Receipt, error, bool) {
		if call <= 3 {
			return transport.Receipt{}, nil, false
		}
		<-ctx.Done()
		return transport.Receipt{Signal: ratelimit.Signal{Remaining: -1}}, ctx.Err(), true
	})
	first := h.coordinator(t)
	id, err := first.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.remote.uploaded()) == 3 }, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Shutdown(ctx))

	// leave the store as a crash would: one chunk claimed, session uploading
	s := h.load(t, id)
	require.Len(t, s.Chunks, 6)
	s.Chunks[3].State = session.ChunkUploading
	s.Status = session.StatusUploading
	require.NoError(t, h.store.Store.Save(ctx, s))

	var want []string
	for _, ch := range s.Chunks[3:] {
		want = append(want, transport.BlobPath(id, ch.ID))
	}

	h.remote.setHook(nil)
	second := h.coordinator(t)
	require.NoError(t, second.Resume(ctx, id, "tok"))
	require.NoError(t, second.Wait(ctx, id))

	got := h.remote.uploaded()[3:]
	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got)

	final := h.load(t, id)
	assert.Equal(t, session.StatusCompleted, final.Status)
	assert.Equal(t, data, h.remote.file("big.bin"))
}

func TestCreate_ExcludesLogFiles(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.log": []byte("noise"), "b.txt": []byte("keep")})
	h.cfg.ExcludePatterns = []string{"*.log"}
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	s := h.load(t, id)
	require.Len(t, s.Chunks, 1)
	assert.Equal(t, "b.txt", s.Chunks[0].FilePath)
	assert.Nil(t, s.File("a.log"))
	assert.Equal(t, session.StatusCompleted, s.Status)
}

func TestCreate_NothingEligibleCompletes(t *testing.T) {
	h := newHarness(t, map[string][]byte{"debug.log": []byte("noise")})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	s := h.load(t, id)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Empty(t, s.Chunks)
	assert.Zero(t, h.remote.finalizes)
}

// lockedFS refuses to open files while locked is set.
type lockedFS struct {
	billy.Filesystem
	locked atomic.Bool
}

func (l *lockedFS) Open(name string) (billy.File, error) {
	if l.locked.Load() {
		return nil, os.ErrPermission
	}
	return l.Filesystem.Open(name)
}

func TestResume_PlansAgainAfterPlanningFailed(t *testing.T) {
	data := patterned(2 * mb)
	h := newHarness(t, map[string][]byte{"a.bin": data})
	fsys := &lockedFS{Filesystem: h.fs}
	fsys.locked.Store(true)
	c := h.coordinator(t, func(o *Options) {
		o.OpenSource = func(path string) (*core.Source, error) { return core.NewSource(fsys, path) }
	})
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hlerrors.ErrEmptySource))
	require.NotEmpty(t, id)

	s := h.load(t, id)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Zero(t, s.PlanVersion)
	assert.Empty(t, s.Chunks)

	fsys.locked.Store(false)
	require.NoError(t, c.Resume(ctx, id, "tok"))
	require.NoError(t, c.Wait(ctx, id))

	s = h.load(t, id)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, 1, s.PlanVersion)
	assert.NotEmpty(t, s.Chunks)
	assert.NotEmpty(t, h.remote.uploaded())
	assert.Equal(t, data, h.remote.file("a.bin"))
}

func TestCreate_InvalidRepo(t *testing.T) {
	h := newHarness(t, map[string][]byte{"b.txt": []byte("keep")})
	c := h.coordinator(t)

	id, err := c.Create(context.Background(), "src", "not-a-repo", "tok")
	require.Error(t, err)
	assert.Empty(t, id)
}

func TestRateLimit_HoldsThenResumesAutomatically(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(3 * mb), "b.bin": patterned(2 * mb)})
	h.remote.setHook(func(ctx context.Context, call int, blob transport.Blob) (transport.Receipt, error, bool) {
		if call != 1 {
			return transport.Receipt{}, nil, false
		}
		reset := time.Now().Add(100 * time.Millisecond)
		return transport.Receipt{Signal: ratelimit.Signal{StatusCode: 429, Remaining: 0, ResetAt: reset}},
			hlerrors.ClassifyStatus(429, reset, errors.New("rate limited")), true
	})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	s := h.load(t, id)
	assert.Equal(t, session.StatusCompleted, s.Status)
	for _, ch := range s.Chunks {
		assert.Equal(t, session.ChunkUploaded, ch.State)
		assert.LessOrEqual(t, ch.Attempts, 1, "rate-limit rejections are not charged")
	}
	assert.Contains(t, h.store.seen(), session.StatusPaused)
}

func TestRateLimit_BeyondMaxWaitLeavesSessionPaused(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(3 * mb)})
	h.cfg.AutoResumeMaxWait = config.Duration(10 * time.Millisecond)
	h.remote.setHook(func(ctx context.Context, call int, blob transport.Blob) (transport.Receipt, error, bool) {
		return transport.Receipt{Signal: ratelimit.Signal{StatusCode: 429, Remaining: 0, RetryAfter: time.Hour}},
			hlerrors.ClassifyStatus(429, time.Now().Add(time.Hour), nil), true
	})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	s := h.load(t, id)
	assert.Equal(t, session.StatusPaused, s.Status)
	assert.Zero(t, s.Counts().ChunksUploading)
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(6 * mb), "b.bin": patterned(4 * mb)})
	h.cfg.NetworkTier = "slow"
	h.cfg.ParallelUploads = 2
	h.remote.setHook(func(ctx context.Context, call int, blob transport.Blob) (transport.Receipt, error, bool) {
		time.Sleep(10 * time.Millisecond)
		return transport.Receipt{}, nil, false
	})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	assert.Equal(t, session.StatusCompleted, h.load(t, id).Status)
	assert.LessOrEqual(t, h.store.maxUploading, 2)
	assert.LessOrEqual(t, h.remote.peak.Load(), int32(2))
}

func TestFatalError_FailsSessionAndResumes(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(12 * mb)})
	h.remote.setHook(func(ctx context.Context, call int, blob transport.Blob) (transport.Receipt, error, bool) {
		return transport.Receipt{Signal: ratelimit.Signal{StatusCode: 401, Remaining: -1}},
			hlerrors.ClassifyStatus(401, time.Time{}, errors.New("bad credentials")), true
	})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "bad")
	require.NoError(t, err)
	err = c.Wait(ctx, id)
	require.Error(t, err)
	assert.True(t, hlerrors.IsFatal(err))

	s := h.load(t, id)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "bad credentials")
	assert.Zero(t, s.Counts().ChunksUploading)
	assert.Zero(t, s.Counts().ChunksDone)

	h.remote.setHook(nil)
	require.NoError(t, c.Resume(ctx, id, "good"))
	require.NoError(t, c.Wait(ctx, id))
	assert.Equal(t, session.StatusCompleted, h.load(t, id).Status)
}

func TestRetryLimit_FailsSession(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(mb)})
	h.cfg.MaxRetries = 2
	h.remote.setHook(func(ctx context.Context, call int, blob transport.Blob) (transport.Receipt, error, bool) {
		return transport.Receipt{Signal: ratelimit.Signal{StatusCode: 503, Remaining: -1}},
			hlerrors.ClassifyStatus(503, time.Time{}, nil), true
	})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	err = c.Wait(ctx, id)
	assert.ErrorIs(t, err, hlerrors.ErrRetryLimit)

	s := h.load(t, id)
	assert.Equal(t, session.StatusFailed, s.Status)
	require.Len(t, s.Chunks, 1)
	assert.Equal(t, session.ChunkFailed, s.Chunks[0].State)
	assert.Equal(t, 3, s.Chunks[0].Attempts)
}

func TestStoreError_IsFatal(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(12 * mb)})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	// planning, plan and start saves succeed; the run fails shortly after
	h.store.setFailAfter(5)
	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	err = c.Wait(ctx, id)
	require.Error(t, err)
	assert.True(t, hlerrors.IsFatal(err))

	h.store.setFailAfter(0)
	s := h.load(t, id)
	assert.NotEqual(t, session.StatusCompleted, s.Status)

	require.NoError(t, c.Resume(ctx, id, "tok"))
	require.NoError(t, c.Wait(ctx, id))
	assert.Equal(t, session.StatusCompleted, h.load(t, id).Status)
}

func blockingHook(started chan<- struct{}) uploadHook {
	return func(ctx context.Context, call int, blob transport.Blob) (transport.Receipt, error, bool) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return transport.Receipt{Signal: ratelimit.Signal{Remaining: -1}}, ctx.Err(), true
	}
}

func TestCancel_LeavesNoChunkInFlight(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(20 * mb)})
	started := make(chan struct{}, 1)
	h.remote.setHook(blockingHook(started))
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	<-started

	require.NoError(t, c.Cancel(ctx, id))
	assert.False(t, c.Running(id))

	s := h.load(t, id)
	assert.Equal(t, session.StatusCancelled, s.Status)
	assert.Zero(t, s.Counts().ChunksUploading)

	err = c.Resume(ctx, id, "tok")
	assert.ErrorIs(t, err, hlerrors.ErrSessionTerminal)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(12 * mb)})
	started := make(chan struct{}, 1)
	h.remote.setHook(blockingHook(started))
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	<-started

	err = c.Resume(ctx, id, "tok")
	assert.ErrorIs(t, err, hlerrors.ErrSessionActive)

	require.NoError(t, c.Pause(ctx, id))
	s := h.load(t, id)
	assert.Equal(t, session.StatusPaused, s.Status)
	assert.Zero(t, s.Counts().ChunksUploading)

	h.remote.setHook(nil)
	require.NoError(t, c.Resume(ctx, id, "tok"))
	require.NoError(t, c.Wait(ctx, id))
	assert.Equal(t, session.StatusCompleted, h.load(t, id).Status)
}

func TestPause_InactiveSession(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(mb)})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	assert.ErrorIs(t, c.Pause(ctx, id), hlerrors.ErrSessionTerminal)
	assert.ErrorIs(t, c.Cancel(ctx, "missing"), hlerrors.ErrSessionNotFound)
}

func TestVerification_MismatchRequeuesFile(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(3 * mb)})
	h.remote.corruptFin = 1
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	s := h.load(t, id)
	assert.Equal(t, session.StatusCompleted, s.Status)
	require.Len(t, s.Chunks, 1)
	assert.Equal(t, 1, s.Chunks[0].IntegrityFailures)
	assert.Len(t, h.remote.uploaded(), 2)
	assert.Equal(t, session.FileVerified, s.File("a.bin").State)
}

func TestVerification_PersistentMismatchFails(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(3 * mb)})
	h.cfg.MaxIntegrityRetries = 1
	h.remote.corruptFin = 100
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	err = c.Wait(ctx, id)
	assert.ErrorIs(t, err, hlerrors.ErrRetryLimit)

	s := h.load(t, id)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Equal(t, session.ChunkFailed, s.Chunks[0].State)
}

func TestVerification_LocalWhenRemoteCannotReassemble(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(7 * mb)})
	h.remote.localOnly = true
	c := h.coordinator(t)
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	s := h.load(t, id)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, session.FileVerified, s.File("a.bin").State)
	assert.Equal(t, 1, h.remote.finalizes)
}

func TestTierReevaluation_ReplansUntouchedFiles(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(3 * mb), "b.bin": patterned(3 * mb)})
	h.cfg.NetworkTier = ""
	h.cfg.NetworkAutoDetect = true
	h.cfg.ParallelUploads = 1
	c := h.coordinator(t, func(o *Options) {
		o.Prober = fixedProber(0.5 * mb)
		o.MinSamples = 1
		o.SampleWindow = time.Nanosecond
	})
	ctx := waitCtx(t)

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	s := h.load(t, id)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.NotEqual(t, profile.TierSlow, s.Tier)
	assert.GreaterOrEqual(t, s.PlanVersion, 2)
	assert.Len(t, s.FileChunks("a.bin"), 3, "file with progress keeps its plan")
	assert.Len(t, s.FileChunks("b.bin"), 1)
	assert.Equal(t, patterned(3*mb), h.remote.file("b.bin"))
	assert.Contains(t, h.store.seen(), session.StatusPaused)
}

func TestTierReevaluation_StoreErrorEndsRun(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.bin": patterned(3 * mb), "b.bin": patterned(3 * mb)})
	h.cfg.NetworkTier = ""
	h.cfg.NetworkAutoDetect = true
	h.cfg.ParallelUploads = 1
	c := h.coordinator(t, func(o *Options) {
		o.Prober = fixedProber(0.5 * mb)
		o.MinSamples = 1
		o.SampleWindow = time.Nanosecond
	})
	ctx := waitCtx(t)

	h.store.mu.Lock()
	h.store.failOn = session.StatusPaused
	h.store.mu.Unlock()

	id, err := c.Create(ctx, "src", "octo/data", "tok")
	require.NoError(t, err)
	err = c.Wait(ctx, id)
	require.Error(t, err)
	assert.True(t, hlerrors.IsFatal(err))

	s := h.load(t, id)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "disk full")
	assert.Equal(t, 1, s.PlanVersion)
	assert.NotContains(t, h.store.seen(), session.StatusCompleted)
}

func TestList(t *testing.T) {
	h := newHarness(t, map[string][]byte{"a.txt": []byte("a")})
	c := h.coordinator(t)
	ctx := waitCtx(t)

	first, err := c.Create(ctx, "src", "octo/one", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, first))
	second, err := c.Create(ctx, "src", "octo/two", "tok")
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, second))

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
	for _, sum := range list {
		assert.Equal(t, session.StatusCompleted, sum.Status)
	}
}
