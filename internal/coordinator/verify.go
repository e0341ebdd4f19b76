package coordinator

import (
	"context"
	"errors"
	"fmt"

	"hubload/internal/checksum"
	hlerrors "hubload/internal/errors"
	"hubload/internal/profile"
	"hubload/internal/session"
	"hubload/internal/transport"
)

// verify finalizes the upload and checks every planned file's digest,
// either as reported by the remote after reassembly or recomputed from the
// source when the backend only stores blobs. Files that do not match have
// their chunks requeued; the number requeued is returned. Called with mu
// held once every chunk is uploaded.
func (r *run) verify(ctx context.Context) (int, error) {
	if !r.s.AllUploaded() {
		return 0, fmt.Errorf("%w: verification before every chunk was uploaded", hlerrors.ErrInvalidTransition)
	}

	manifest := r.manifest()
	if len(manifest.Files) == 0 {
		return 0, nil
	}

	result, err := r.finalize(ctx, manifest)
	if err != nil {
		return 0, err
	}

	remote := make(map[string]string, len(result.Files))
	for _, f := range result.Files {
		remote[f.Path] = f.Checksum
	}

	requeued := 0
	for _, mf := range manifest.Files {
		rec := r.s.File(mf.Path)
		var actual string
		if result.Reassembled {
			actual = remote[mf.Path]
		} else {
			actual, err = r.localDigest(mf.Path, mf.Size)
			if err != nil {
				r.log.Warn("local verification failed", "file", mf.Path, "error", err)
			}
		}

		if checksum.Verify(checksum.Checksum(rec.Checksum), checksum.Checksum(actual)) {
			rec.State = session.FileVerified
			rec.Error = ""
			continue
		}

		ie := &hlerrors.IntegrityError{Path: mf.Path, Expected: rec.Checksum, Actual: actual}
		r.log.Warn("file failed verification", "file", mf.Path, "error", ie)
		rec.Error = ie.Error()
		exhausted := false
		chunks := r.s.FileChunks(mf.Path)
		for _, c := range chunks {
			c.IntegrityFailures++
			exhausted = exhausted || c.IntegrityFailures > r.c.cfg.MaxIntegrityRetries
		}
		for _, c := range chunks {
			if exhausted {
				c.Reject(ie.Error())
				continue
			}
			c.Requeue(ie.Error())
			requeued++
		}
		if exhausted {
			if err := r.save(); err != nil {
				return 0, errors.Join(ie, err)
			}
			return 0, fmt.Errorf("%w: %v", hlerrors.ErrRetryLimit, ie)
		}
	}

	if err := r.save(); err != nil {
		return 0, err
	}
	return requeued, nil
}

func (r *run) manifest() transport.Manifest {
	m := transport.Manifest{SessionID: r.s.ID}
	for _, rec := range r.s.Files {
		if rec.State != session.FilePlanned {
			continue
		}
		mf := transport.ManifestFile{Path: rec.Path, Size: rec.Size, Checksum: rec.Checksum}
		for _, c := range r.s.FileChunks(rec.Path) {
			mf.Blobs = append(mf.Blobs, transport.BlobPath(r.s.ID, c.ID))
		}
		m.Files = append(m.Files, mf)
	}
	return m
}

// finalize calls the transport under the same rate control and retry
// budget as chunk uploads.
func (r *run) finalize(ctx context.Context, m transport.Manifest) (transport.FinalizeResult, error) {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}

	for attempt := 0; ; attempt++ {
		if err := r.controller.Wait(ctx); err != nil {
			return transport.FinalizeResult{}, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, profile.TransferTimeout(r.s.Tier, total))
		result, err := r.c.transport.Finalize(attemptCtx, r.token, r.s.TargetRepo, m)
		cancel()
		r.controller.OnResponse(result.Signal)
		if err == nil {
			r.controller.OnSuccess()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !hlerrors.IsRetryable(err) || attempt >= r.c.cfg.MaxRetries {
			return result, fmt.Errorf("failed to finalize upload: %w", err)
		}
		backoff, _ := r.controller.OnFailure(err)
		r.log.Warn("finalize failed, retrying", "error", err, "backoff", backoff)
	}
}

func (r *run) localDigest(rel string, size int64) (string, error) {
	f, err := r.src.FS.Open(r.src.Path(rel))
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, n, err := checksum.DigestReader(f)
	if err != nil {
		return "", err
	}
	if n != size {
		return string(sum), errors.New("file size changed since planning")
	}
	return string(sum), nil
}
