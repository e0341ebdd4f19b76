// Package control exposes the coordinator over HTTP for dashboards and
// other local collaborators.
package control

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"hubload/internal/core"
	hlerrors "hubload/internal/errors"
	"hubload/internal/session"
)

// Engine is the coordinator surface the control API drives.
type Engine interface {
	Create(ctx context.Context, source, repo, token string) (string, error)
	Resume(ctx context.Context, id, token string) error
	Pause(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (session.Snapshot, error)
	List(ctx context.Context) ([]session.Summary, error)
}

type Handler struct {
	engine Engine
}

func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

type createRequest struct {
	Source string `json:"source"`
	Repo   string `json:"repo"`
}

// HandleCreate handles POST /api/sessions. The remote credential is taken
// from the Authorization header and never stored.
func (h *Handler) HandleCreate(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.Source == "" || req.Repo == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "source and repo are required"})
	}

	id, err := h.engine.Create(c.Request().Context(), req.Source, req.Repo, bearer(c))
	if err != nil {
		if id != "" {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"session_id": id, "error": err.Error()})
		}
		return mapEngineError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"session_id": id})
}

// HandleList handles GET /api/sessions.
func (h *Handler) HandleList(c echo.Context) error {
	list, err := h.engine.List(c.Request().Context())
	if err != nil {
		return mapEngineError(c, err)
	}
	if list == nil {
		list = []session.Summary{}
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": list})
}

// HandleStatus handles GET /api/sessions/:id.
func (h *Handler) HandleStatus(c echo.Context) error {
	snap, err := h.engine.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapEngineError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// HandleResume handles POST /api/sessions/:id/resume.
func (h *Handler) HandleResume(c echo.Context) error {
	id := c.Param("id")
	if err := h.engine.Resume(c.Request().Context(), id, bearer(c)); err != nil {
		return mapEngineError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"session_id": id, "status": session.StatusUploading})
}

// HandlePause handles POST /api/sessions/:id/pause.
func (h *Handler) HandlePause(c echo.Context) error {
	id := c.Param("id")
	if err := h.engine.Pause(c.Request().Context(), id); err != nil {
		return mapEngineError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"session_id": id, "status": session.StatusPaused})
}

// HandleCancel handles DELETE /api/sessions/:id.
func (h *Handler) HandleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.engine.Cancel(c.Request().Context(), id); err != nil {
		return mapEngineError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"session_id": id, "status": session.StatusCancelled})
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "healthy"})
}

func bearer(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// mapEngineError translates coordinator errors into HTTP responses.
func mapEngineError(c echo.Context, err error) error {
	var validation *core.ValidationError
	var planning *hlerrors.PlanningError
	switch {
	case errors.Is(err, hlerrors.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "session not found"})
	case errors.Is(err, hlerrors.ErrSessionActive):
		return c.JSON(http.StatusConflict, echo.Map{"error": "session is already running"})
	case errors.Is(err, hlerrors.ErrSessionTerminal), errors.Is(err, hlerrors.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.As(err, &planning), errors.Is(err, hlerrors.ErrEmptySource):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
