// Package planner turns a source tree into an ordered chunk plan.
package planner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"hubload/internal/checksum"
	"hubload/internal/core"
	hlerrors "hubload/internal/errors"
	"hubload/internal/profile"
	"hubload/internal/session"
)

const (
	// Files above this size get twice the tier chunk size.
	LargeFileThreshold = 100 * profile.MB
	// AdaptiveChunkCap bounds the doubled chunk size.
	AdaptiveChunkCap = 50 * profile.MB

	sniffBytes = 512
)

type Options struct {
	Excludes     []string
	Compression  bool
	Adaptive     bool
	MaxChunkSize int64
}

// Plan is the planner output for one source tree.
type Plan struct {
	Files  []session.FileRecord
	Chunks []*session.Chunk
	// Excluded counts entries dropped by exclusion patterns.
	Excluded int
	// Skipped counts files left out for their extension.
	Skipped int
	// Unreadable counts files and directories that failed to read.
	Unreadable int
}

// TotalBytes sums chunk lengths.
func (p *Plan) TotalBytes() int64 {
	var total int64
	for _, c := range p.Chunks {
		total += c.Length
	}
	return total
}

type Planner struct {
	opts    Options
	matcher *core.Matcher
	logger  *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		opts:    opts,
		matcher: core.NewMatcher(opts.Excludes),
		logger:  logger,
	}
}

// ChunkSize returns the chunk size used for a file of fileSize bytes.
func (p *Planner) ChunkSize(fileSize int64, prof profile.Profile) int64 {
	size := prof.ChunkSizeBytes
	if size <= 0 {
		size = prof.Tier.ChunkSize()
	}
	if p.opts.Adaptive && fileSize > LargeFileThreshold {
		size = min(size*2, AdaptiveChunkCap)
	}
	if p.opts.MaxChunkSize > 0 && size > p.opts.MaxChunkSize {
		size = p.opts.MaxChunkSize
	}
	return size
}

// Plan enumerates src and chunks every eligible file. Unreadable files are
// recorded as failed and planning continues; if nothing could be read at
// all an EmptySourceError is returned.
func (p *Planner) Plan(src *core.Source, prof profile.Profile) (*Plan, error) {
	tree, err := core.BuildFiletree(src, p.matcher)
	if err != nil {
		return nil, &hlerrors.PlanningError{Path: src.Root, Err: err}
	}

	plan := &Plan{Excluded: tree.Excluded}
	for _, dir := range tree.Unreadable {
		plan.Files = append(plan.Files, session.FileRecord{
			Path:  dir,
			State: session.FileFailed,
			Error: "directory unreadable",
		})
		plan.Unreadable++
	}

	planned := 0
	for _, f := range tree.FlattenTree() {
		if core.SkipExtension(f.Name()) {
			plan.Skipped++
			continue
		}

		record, chunks, err := p.planFile(src, f.Path(), f.Size(), prof)
		if err != nil {
			p.logger.Warn("skipping unreadable file", "path", f.Path(), "error", err)
			plan.Files = append(plan.Files, session.FileRecord{
				Path:  f.Path(),
				Size:  f.Size(),
				State: session.FileFailed,
				Error: err.Error(),
			})
			plan.Unreadable++
			continue
		}
		plan.Files = append(plan.Files, record)
		plan.Chunks = append(plan.Chunks, chunks...)
		planned++
	}

	if planned == 0 && plan.Unreadable > 0 {
		return nil, &hlerrors.EmptySourceError{Source: src.Root, Unreadable: plan.Unreadable}
	}

	p.logger.Info("plan built",
		"source", src.Root,
		"tier", prof.Tier,
		"files", planned,
		"chunks", len(plan.Chunks),
		"bytes", plan.TotalBytes(),
		"excluded", plan.Excluded,
		"skipped", plan.Skipped,
		"unreadable", plan.Unreadable,
	)
	return plan, nil
}

// planFile reads rel once, in order, producing chunk digests and the whole
// file digest in the same pass.
func (p *Planner) planFile(src *core.Source, rel string, size int64, prof profile.Profile) (session.FileRecord, []*session.Chunk, error) {
	f, err := src.FS.Open(src.Path(rel))
	if err != nil {
		return session.FileRecord{}, nil, &hlerrors.PlanningError{Path: rel, Err: err}
	}
	defer f.Close()

	head := make([]byte, min(int64(sniffBytes), size))
	if _, err := io.ReadFull(f, head); err != nil {
		return session.FileRecord{}, nil, &hlerrors.PlanningError{Path: rel, Err: err}
	}
	compressed := p.opts.Compression && core.Classify(rel, head) == core.KindText
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return session.FileRecord{}, nil, &hlerrors.PlanningError{Path: rel, Err: err}
	}

	chunkSize := p.ChunkSize(size, prof)
	fileHash := checksum.NewHasher()
	var chunks []*session.Chunk

	buf := make([]byte, min(chunkSize, max(size, 1)))
	for offset := int64(0); offset < size || (size == 0 && offset == 0); offset += chunkSize {
		length := min(chunkSize, size-offset)
		block := buf[:length]
		if _, err := io.ReadFull(f, block); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				err = fmt.Errorf("file shrank during planning at offset %d: %w", offset, err)
			}
			return session.FileRecord{}, nil, &hlerrors.PlanningError{Path: rel, Err: err}
		}
		fileHash.Write(block)

		chunks = append(chunks, &session.Chunk{
			ID:         session.ChunkID(rel, offset),
			FilePath:   rel,
			Offset:     offset,
			Length:     length,
			Checksum:   string(checksum.Digest(block)),
			Compressed: compressed,
			State:      session.ChunkPending,
		})
		if size == 0 {
			break
		}
	}

	record := session.FileRecord{
		Path:     rel,
		Size:     size,
		Checksum: string(fileHash.Sum()),
		State:    session.FilePlanned,
	}
	return record, chunks, nil
}

// Replan re-chunks every planned file none of whose chunks has left
// pending and whose layout would differ under the new profile. Files with
// progress keep their chunks. On error the session is left untouched.
func (p *Planner) Replan(src *core.Source, s *session.Session, prof profile.Profile) (int, error) {
	byFile := make(map[string][]*session.Chunk)
	for _, c := range s.Chunks {
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}

	files := append([]session.FileRecord(nil), s.Files...)
	var rebuilt []*session.Chunk
	replanned := 0
	for i := range files {
		rec := &files[i]
		existing := byFile[rec.Path]
		if rec.State != session.FilePlanned || !allPending(existing) ||
			!layoutChanges(existing, rec.Size, p.ChunkSize(rec.Size, prof)) {
			rebuilt = append(rebuilt, existing...)
			continue
		}

		newRec, chunks, err := p.planFile(src, rec.Path, rec.Size, prof)
		if err != nil {
			return 0, err
		}
		*rec = newRec
		rebuilt = append(rebuilt, chunks...)
		replanned++
	}

	s.Files = files
	s.Chunks = rebuilt
	s.Tier = prof.Tier
	s.ChunkSizeBytes = prof.ChunkSizeBytes
	if replanned > 0 {
		s.PlanVersion++
	}
	p.logger.Info("replanned pending files",
		"session_id", s.ID,
		"tier", prof.Tier,
		"files", replanned,
		"plan_version", s.PlanVersion,
	)
	return replanned, nil
}

func allPending(chunks []*session.Chunk) bool {
	for _, c := range chunks {
		if c.State != session.ChunkPending {
			return false
		}
	}
	return true
}

func layoutChanges(existing []*session.Chunk, fileSize, newChunkSize int64) bool {
	if len(existing) <= 1 {
		return newChunkSize < fileSize
	}
	return existing[0].Length != newChunkSize
}
