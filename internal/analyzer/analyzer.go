// Package analyzer inspects a source tree before upload and recommends how
// to handle it.
package analyzer

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"hubload/internal/config"
	"hubload/internal/core"
	"hubload/internal/profile"
)

const (
	// LargeFileSize marks files that benefit from adaptive chunking.
	LargeFileSize = 50 * profile.MB

	gitDir     = ".git"
	sniffBytes = 512
)

type LargeFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Report summarizes a source tree. Sizes are in bytes and count every file,
// including git metadata and files the planner would exclude.
type Report struct {
	Source           string      `json:"source"`
	TotalFiles       int         `json:"total_files"`
	TotalSize        int64       `json:"total_size"`
	CompressibleSize int64       `json:"compressible_size"`
	BinarySize       int64       `json:"binary_size"`
	SkippedFiles     []string    `json:"skipped_files"`
	LargeFiles       []LargeFile `json:"large_files"`
	Unreadable       []string    `json:"unreadable,omitempty"`

	IsGitRepo       bool   `json:"is_git_repo"`
	Branch          string `json:"branch,omitempty"`
	GitMetadataSize int64  `json:"git_metadata_size"`

	Recommendations []string `json:"recommendations"`
}

type Analyzer struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{logger: logger}
}

// Analyze walks src and builds its report. Unreadable entries are listed and
// skipped.
func (a *Analyzer) Analyze(src *core.Source) (*Report, error) {
	if src == nil {
		return nil, errors.New("no source provided")
	}
	r := &Report{Source: src.Root}

	err := util.Walk(src.FS, src.Root, func(p string, info fs.FileInfo, err error) error {
		rel := relPath(src, p)
		if err != nil {
			a.logger.Warn("failed to analyze entry", "path", rel, "error", err)
			r.Unreadable = append(r.Unreadable, rel)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		a.addFile(src, r, rel, info.Size())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", src.Root, err)
	}

	if src.IsDir {
		a.inspectGit(src, r)
	}
	sort.Slice(r.LargeFiles, func(i, j int) bool { return r.LargeFiles[i].Size > r.LargeFiles[j].Size })
	r.Recommendations = recommend(r)

	a.logger.Info("source analyzed",
		"source", src.Root,
		"files", r.TotalFiles,
		"bytes", r.TotalSize,
		"large_files", len(r.LargeFiles),
		"git", r.IsGitRepo,
	)
	return r, nil
}

func (a *Analyzer) addFile(src *core.Source, r *Report, rel string, size int64) {
	r.TotalFiles++
	r.TotalSize += size

	if isGitPath(rel) {
		r.GitMetadataSize += size
		return
	}

	name := path.Base(rel)
	switch {
	case core.SkipExtension(name):
		r.SkippedFiles = append(r.SkippedFiles, rel)
	default:
		head, err := core.ReadHead(src, rel, sniffBytes)
		if err != nil {
			r.Unreadable = append(r.Unreadable, rel)
			return
		}
		switch core.Classify(name, head) {
		case core.KindText:
			r.CompressibleSize += size
		case core.KindBinary:
			r.BinarySize += size
		}
	}

	if size > LargeFileSize {
		r.LargeFiles = append(r.LargeFiles, LargeFile{Path: rel, Size: size})
	}
}

// inspectGit opens the repository at the source root, if any, for its
// current branch.
func (a *Analyzer) inspectGit(src *core.Source, r *Report) {
	dotGit, err := src.FS.Chroot(src.FS.Join(src.Root, gitDir))
	if err != nil {
		return
	}
	worktree, err := src.FS.Chroot(src.Root)
	if err != nil {
		return
	}

	storage := filesystem.NewStorage(dotGit, cache.NewObjectLRUDefault())
	repo, err := git.Open(storage, worktree)
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			a.logger.Debug("not a git repository", "source", src.Root, "error", err)
		}
		return
	}
	r.IsGitRepo = true

	head, err := repo.Head()
	if err != nil {
		// unborn branch
		return
	}
	if head.Name().IsBranch() {
		r.Branch = head.Name().Short()
	}
}

func recommend(r *Report) []string {
	recs := []string{}
	if r.IsGitRepo && r.GitMetadataSize > r.TotalSize/2 {
		recs = append(recs, "Consider running 'git gc' to optimize repository size")
	}
	if float64(r.CompressibleSize) > float64(r.TotalSize)*0.3 {
		recs = append(recs, "Repository has significant compressible content - will use compression")
	}
	if n := len(r.LargeFiles); n > 0 {
		recs = append(recs, fmt.Sprintf("Found %d large files - will use adaptive chunking", n))
	}
	return recs
}

// SuggestSmartUpload reports whether the tree is big enough that chunked
// upload should be used instead of a plain push.
func SuggestSmartUpload(r *Report, cfg *config.Config) bool {
	threshold := int64(cfg.AutoDetectThresholdMB) * profile.MB
	return r.TotalSize > threshold
}

func relPath(src *core.Source, p string) string {
	if !src.IsDir {
		return path.Base(filepath.ToSlash(p))
	}
	rel, err := filepath.Rel(src.Root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func isGitPath(rel string) bool {
	return rel == gitDir || strings.HasPrefix(rel, gitDir+"/")
}
