package account

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the account routes. Register and login are
// public; the auth skipper lets them through without a token.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)

	g := api.Group("", auth.RequireRole(auth.RolePatient))
	g.POST("/auth/logout", h.Logout)
	g.GET("/auth/me", h.Me)
	g.PATCH("/auth/me", h.UpdateProfile)
	g.GET("/account/preferences", h.GetPreferences)
	g.PUT("/account/preferences", h.UpdatePreferences)
	g.GET("/account/export", h.ExportData)
	g.DELETE("/account", h.DeleteAccount)
}

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}
	sess, err := h.svc.Login(c.Request().Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Logout(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	jti, exp := auth.TokenFromContext(c.Request().Context())
	if err := h.svc.Logout(c.Request().Context(), uid, jti, exp); err != nil {
		return apperr.HTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Me(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Me(c.Request().Context(), uid)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	var upd ProfileUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.UpdateProfile(c.Request().Context(), uid, upd)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) GetPreferences(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPreferences(c.Request().Context(), uid)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePreferences(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	var p Preferences
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err = h.svc.UpdatePreferences(c.Request().Context(), uid, p)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ExportData(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	exp, err := h.svc.ExportData(c.Request().Context(), uid)
	if err != nil {
		return apperr.HTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="portal-export.json"`)
	return c.JSON(http.StatusOK, exp)
}

func (h *Handler) DeleteAccount(c echo.Context) error {
	uid, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAccount(c.Request().Context(), uid); err != nil {
		return apperr.HTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}
