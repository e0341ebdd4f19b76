package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	hlerrors "hubload/internal/errors"
	"hubload/internal/ratelimit"
)

const (
	HeaderContentSHA256      = "X-Content-SHA256"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// HTTPTransport talks to a hosted-repository API:
//
//	PUT  {endpoint}/api/repos/{owner}/{repo}/blobs/{path}
//	POST {endpoint}/api/repos/{owner}/{repo}/manifests
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTP(endpoint string, client *http.Client, logger *slog.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
		logger:   logger,
	}
}

type blobResponse struct {
	Path     string `json:"path"`
	Checksum string `json:"sha256"`
	Size     int64  `json:"size"`
}

type manifestResponse struct {
	Files []FileDigest `json:"files"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (t *HTTPTransport) repoURL(repo string) string {
	owner, name, _ := strings.Cut(repo, "/")
	return fmt.Sprintf("%s/api/repos/%s/%s", t.endpoint, url.PathEscape(owner), url.PathEscape(name))
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (t *HTTPTransport) Upload(ctx context.Context, token string, b Blob) (Receipt, error) {
	endpoint := t.repoURL(b.Repo) + "/blobs/" + escapePath(b.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(b.Body))
	if err != nil {
		return Receipt{Signal: noSignal()}, &hlerrors.FatalTransferError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.ContentLength = int64(len(b.Body))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderContentSHA256, b.Checksum)
	if b.Compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	setAuth(req, token)

	resp, err := t.client.Do(req)
	if err != nil {
		return Receipt{Signal: noSignal()}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	sig := parseSignal(resp, time.Now())
	if err := checkStatus(resp, sig); err != nil {
		return Receipt{Signal: sig}, err
	}

	var body blobResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		t.logger.Debug("blob response without body", "path", b.Path, "error", err)
	}
	return Receipt{Checksum: body.Checksum, Signal: sig}, nil
}

func (t *HTTPTransport) Finalize(ctx context.Context, token, repo string, m Manifest) (FinalizeResult, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return FinalizeResult{Signal: noSignal()}, &hlerrors.FatalTransferError{Err: fmt.Errorf("failed to encode manifest: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.repoURL(repo)+"/manifests", bytes.NewReader(payload))
	if err != nil {
		return FinalizeResult{Signal: noSignal()}, &hlerrors.FatalTransferError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, token)

	resp, err := t.client.Do(req)
	if err != nil {
		return FinalizeResult{Signal: noSignal()}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	sig := parseSignal(resp, time.Now())
	if err := checkStatus(resp, sig); err != nil {
		return FinalizeResult{Signal: sig}, err
	}

	var body manifestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return FinalizeResult{Signal: sig}, &hlerrors.RetryableTransferError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to decode manifest response: %w", err),
		}
	}
	return FinalizeResult{Reassembled: true, Files: body.Files, Signal: sig}, nil
}

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func checkStatus(resp *http.Response, sig ratelimit.Signal) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body errorResponse
	msg := http.StatusText(resp.StatusCode)
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}
	resetAt := sig.ResetAt
	if resetAt.IsZero() && sig.RetryAfter > 0 {
		resetAt = time.Now().Add(sig.RetryAfter)
	}
	return hlerrors.ClassifyStatus(resp.StatusCode, resetAt, errors.New(msg))
}

// classifyTransportError treats network failures and attempt timeouts as
// retryable. Cancellation of the caller's context is passed through as is.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &hlerrors.RetryableTransferError{Err: err}
}

// parseSignal reads X-RateLimit-* and Retry-After headers.
func parseSignal(resp *http.Response, now time.Time) ratelimit.Signal {
	sig := ratelimit.Signal{StatusCode: resp.StatusCode, Remaining: -1}
	h := resp.Header

	if v := h.Get(HeaderRateLimitRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			sig.Remaining = n
		}
	}
	if v := h.Get(HeaderRateLimitReset); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			sig.ResetAt = time.Unix(secs, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			sig.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			sig.RetryAfter = at.Sub(now)
		}
	}
	return sig
}
