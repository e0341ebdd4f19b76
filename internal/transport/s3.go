package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gabriel-vasile/mimetype"

	hlerrors "hubload/internal/errors"
)

// S3API is the subset of the S3 client the transport uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Transport stores blobs as objects keyed {repo}/{blob path}. S3 cannot
// reassemble files, so Finalize only stores the manifest.
type S3Transport struct {
	client S3API
	bucket string
	logger *slog.Logger
}

// NewS3 loads the default AWS configuration, overridden by the static
// credentials and endpoint in opts when set.
func NewS3(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3Transport, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, opts.Bucket, logger), nil
}

func NewS3WithClient(client S3API, bucket string, logger *slog.Logger) *S3Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Transport{client: client, bucket: bucket, logger: logger}
}

func (t *S3Transport) Upload(ctx context.Context, _ string, b Blob) (Receipt, error) {
	// the bucket rejects a body that does not hash to ChecksumSHA256
	input := &s3.PutObjectInput{
		Bucket:            aws.String(t.bucket),
		Key:               aws.String(path.Join(b.Repo, b.Path)),
		Body:              bytes.NewReader(b.Body),
		ContentLength:     aws.Int64(int64(len(b.Body))),
		ContentType:       aws.String(mimetype.Detect(b.Body).String()),
		Metadata:          map[string]string{"sha256": b.Checksum},
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(bodyChecksum(b.Body)),
	}
	if b.Compressed {
		input.ContentEncoding = aws.String("gzip")
	}

	out, err := t.client.PutObject(ctx, input)
	if err != nil {
		return Receipt{Signal: noSignal()}, classifyS3Error(b, err)
	}
	return Receipt{Checksum: remoteChecksum(b, aws.ToString(out.ChecksumSHA256)), Signal: noSignal()}, nil
}

// bodyChecksum is the base64 SHA-256 of the bytes sent, the form object
// stores expect in their checksum headers.
func bodyChecksum(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// remoteChecksum converts the base64 digest an object store reports into
// the hex form chunks are planned with. A compressed body's digest is not
// comparable with the chunk digest and is dropped.
func remoteChecksum(b Blob, reported string) string {
	if b.Compressed || reported == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(reported)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

func (t *S3Transport) Finalize(ctx context.Context, _ string, repo string, m Manifest) (FinalizeResult, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return FinalizeResult{Signal: noSignal()}, &hlerrors.FatalTransferError{Err: err}
	}
	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(path.Join(repo, ManifestPath(m.SessionID))),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return FinalizeResult{Signal: noSignal()}, classifyS3Error(Blob{}, err)
	}
	t.logger.Info("manifest stored", "bucket", t.bucket, "session_id", m.SessionID, "files", len(m.Files))
	return FinalizeResult{Signal: noSignal()}, nil
}

// classifyS3Error maps an S3 failure for b onto the transfer taxonomy. A
// body the bucket hashed differently is an integrity failure.
func classifyS3Error(b Blob, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var digestErr smithy.APIError
	if errors.As(err, &digestErr) {
		switch digestErr.ErrorCode() {
		case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
			return &hlerrors.IntegrityError{Path: b.Path, Expected: b.Checksum, Actual: digestErr.ErrorMessage()}
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if status := respErr.HTTPStatusCode(); status >= 300 {
			return hlerrors.ClassifyStatus(status, time.Time{}, err)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return &hlerrors.RetryableTransferError{StatusCode: 503, Err: err}
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
			return &hlerrors.FatalTransferError{StatusCode: 403, Err: err}
		}
	}
	return &hlerrors.RetryableTransferError{Err: err}
}
