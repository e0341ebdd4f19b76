package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"hubload/internal/checksum"
	"hubload/internal/server/service"
	"hubload/internal/transport"

	"github.com/labstack/echo/v4"
)

// maxProbeSize caps how much of a probe body is read.
const maxProbeSize = 10 * 1024 * 1024

const tokenContextKey = "token_key"

// Handler contains the HTTP handlers for the blob API.
type Handler struct {
	svc *service.BlobService
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.BlobService) *Handler {
	return &Handler{svc: svc}
}

// RequireToken rejects requests without a valid bearer token and records a
// digest of the token for the rate limiter.
func (h *Handler) RequireToken() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearer(c)
			if err := h.svc.Authorize(token); err != nil {
				return mapServiceError(c, err)
			}
			if token != "" {
				c.Set(tokenContextKey, checksum.Digest([]byte(token)).String())
			}
			return next(c)
		}
	}
}

// HandlePutBlob handles PUT /api/repos/:owner/:repo/blobs/*.
// The body is the blob, optionally gzip-encoded; X-Content-SHA256 carries
// the digest of the decoded bytes.
func (h *Handler) HandlePutBlob(c echo.Context) error {
	repo := c.Param("owner") + "/" + c.Param("repo")
	blobPath, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed blob path"})
	}

	req := c.Request()
	result, err := h.svc.PutBlob(
		req.Context(),
		repo,
		blobPath,
		req.Body,
		req.Header.Get(echo.HeaderContentEncoding),
		req.Header.Get(transport.HeaderContentSHA256),
	)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleManifest handles POST /api/repos/:owner/:repo/manifests.
// Reassembles every listed file from its blobs and returns the file digests.
func (h *Handler) HandleManifest(c echo.Context) error {
	var m transport.Manifest
	if err := c.Bind(&m); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid manifest body"})
	}

	repo := c.Param("owner") + "/" + c.Param("repo")
	result, err := h.svc.Reassemble(c.Request().Context(), repo, m)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleProbe handles POST /api/probe. It drains the body so clients can
// time an upload of known size.
func (h *Handler) HandleProbe(c echo.Context) error {
	n, err := io.Copy(io.Discard, io.LimitReader(c.Request().Body, maxProbeSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "failed to read probe body"})
	}
	return c.JSON(http.StatusOK, echo.Map{"received": n})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including storage availability.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	storageStatus := "ok"

	if err := h.svc.Health(); err != nil {
		status = "degraded"
		storageStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":  status,
		"storage": storageStatus,
	})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"files":               stats.Files,
		"staged_blobs":        stats.StagedBlobs,
		"blobs_received":      stats.BlobsReceived,
		"bytes_received":      stats.BytesReceived,
		"manifests_completed": stats.ManifestsCompleted,
		"storage_used_bytes":  stats.Bytes + stats.StagedBytes,
		"storage_used_human":  humanizeBytes(stats.Bytes + stats.StagedBytes),
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing or invalid token"})
	case errors.Is(err, service.ErrBlobTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "blob exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrDigestMismatch):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidManifest):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidPath), errors.Is(err, service.ErrInvalidEncoding):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrBlobNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

func bearer(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
