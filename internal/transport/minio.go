package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	hlerrors "hubload/internal/errors"
)

// MinioAPI is the subset of the MinIO client the transport uses.
type MinioAPI interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type MinioOptions struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// MinioTransport stores blobs in a MinIO bucket the same way S3Transport does.
type MinioTransport struct {
	client MinioAPI
	bucket string
	logger *slog.Logger
}

func NewMinio(opts MinioOptions, logger *slog.Logger) (*MinioTransport, error) {
	// trailing headers are required for per-object checksums
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:           credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:          opts.Secure,
		Region:          opts.Region,
		TrailingHeaders: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewMinioWithClient(client, opts.Bucket, logger), nil
}

func NewMinioWithClient(client MinioAPI, bucket string, logger *slog.Logger) *MinioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioTransport{client: client, bucket: bucket, logger: logger}
}

func (t *MinioTransport) Upload(ctx context.Context, _ string, b Blob) (Receipt, error) {
	opts := minio.PutObjectOptions{
		ContentType:  mimetype.Detect(b.Body).String(),
		UserMetadata: map[string]string{"sha256": b.Checksum},
		Checksum:     minio.ChecksumSHA256,
	}
	if b.Compressed {
		opts.ContentEncoding = "gzip"
	}

	info, err := t.client.PutObject(ctx, t.bucket, path.Join(b.Repo, b.Path), bytes.NewReader(b.Body), int64(len(b.Body)), opts)
	if err != nil {
		return Receipt{Signal: noSignal()}, classifyMinioError(b, err)
	}
	return Receipt{Checksum: remoteChecksum(b, info.ChecksumSHA256), Signal: noSignal()}, nil
}

func (t *MinioTransport) Finalize(ctx context.Context, _ string, repo string, m Manifest) (FinalizeResult, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return FinalizeResult{Signal: noSignal()}, &hlerrors.FatalTransferError{Err: err}
	}
	_, err = t.client.PutObject(ctx, t.bucket, path.Join(repo, ManifestPath(m.SessionID)),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return FinalizeResult{Signal: noSignal()}, classifyMinioError(Blob{}, err)
	}
	t.logger.Info("manifest stored", "bucket", t.bucket, "session_id", m.SessionID, "files", len(m.Files))
	return FinalizeResult{Signal: noSignal()}, nil
}

func classifyMinioError(b Blob, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "BadDigest", "InvalidDigest", "XAmzContentChecksumMismatch", "XAmzContentSHA256Mismatch":
		return &hlerrors.IntegrityError{Path: b.Path, Expected: b.Checksum, Actual: resp.Message}
	}
	if resp.StatusCode < 300 {
		return &hlerrors.RetryableTransferError{Err: err}
	}
	return hlerrors.ClassifyStatus(resp.StatusCode, time.Time{}, err)
}
