package visit

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthpod/portal/internal/platform/ai"
	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/auth"
	"github.com/healthpod/portal/pkg/pagination"
)

type Handler struct {
	svc      *Service
	recorder *Recorder
	pipeline *Pipeline
}

func NewHandler(svc *Service, recorder *Recorder, pipeline *Pipeline) *Handler {
	return &Handler{svc: svc, recorder: recorder, pipeline: pipeline}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RolePatient))
	g.GET("/visits", h.ListVisits)
	g.GET("/visits/:id", h.GetVisit)
	g.DELETE("/visits/:id", h.DeleteVisit)
	g.GET("/providers/:id/visits", h.ListProviderVisits)

	g.POST("/recordings", h.StartRecording)
	g.GET("/recordings/:id", h.GetRecording)
	g.POST("/recordings/:id/audio", h.AppendAudio)
	g.POST("/recordings/:id/pause", h.PauseRecording)
	g.POST("/recordings/:id/resume", h.ResumeRecording)
	g.POST("/recordings/:id/stop", h.StopRecording)
	g.POST("/recordings/:id/save", h.SaveRecording)
	g.DELETE("/recordings/:id", h.DiscardRecording)
}

func userAndID(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return uid, id, nil
}

// -- Visits --

func (h *Handler) ListVisits(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	var filter ListFilter
	if v := c.QueryParam("provider_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		filter.ProviderID = &pid
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListVisits(c.Request().Context(), uid, filter, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c.Request().URL))
}

func (h *Handler) GetVisit(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetVisit(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteVisit(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVisit(c.Request().Context(), uid, id); err != nil {
		return apperr.HTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListProviderVisits(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListProviderVisits(c.Request().Context(), uid, id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c.Request().URL))
}

// -- Recordings --

type startRequest struct {
	ProviderID uuid.UUID `json:"provider_id"`
}

func (h *Handler) StartRecording(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.recorder.Start(c.Request().Context(), uid, req.ProviderID)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) GetRecording(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	st, err := h.recorder.Status(uid, id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) AppendAudio(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	st, err := h.recorder.AppendAudio(c.Request().Context(), uid, id, c.Request().Body)
	if errors.Is(err, ErrAudioTooLarge) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) PauseRecording(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	st, err := h.recorder.Pause(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ResumeRecording(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	st, err := h.recorder.Resume(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) StopRecording(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	st, err := h.recorder.Stop(c.Request().Context(), uid, id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) DiscardRecording(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	if err := h.recorder.Discard(c.Request().Context(), uid, id); err != nil {
		return apperr.HTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SaveRecording(c echo.Context) error {
	uid, id, err := userAndID(c)
	if err != nil {
		return err
	}
	var req SaveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.pipeline.Save(c.Request().Context(), uid, id, req)
	if err != nil {
		return saveError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

// saveError maps a failed pipeline step to a gateway error; the detail stays
// in the server log.
func saveError(err error) error {
	var se *StepError
	if !errors.As(err, &se) {
		return apperr.HTTP(err)
	}
	if errors.Is(err, ai.ErrUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "AI service is temporarily unavailable. Please try again later.").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusBadGateway, "Failed to save visit. Please try again.").SetInternal(err)
}
