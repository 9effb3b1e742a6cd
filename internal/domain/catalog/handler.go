package catalog

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthpod/portal/internal/platform/apperr"
	"github.com/healthpod/portal/internal/platform/auth"
)

type Handler struct {
	importer *Importer
}

func NewHandler(importer *Importer) *Handler {
	return &Handler{importer: importer}
}

// RegisterRoutes registers the admin import endpoints. The request body is
// the catalog itself.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/catalog", auth.RequireRole(auth.RoleAdmin))
	g.POST("/medications", h.importKind(KindMedications))
	g.POST("/providers", h.importKind(KindProviders))
}

func (h *Handler) importKind(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := h.importer.Import(c.Request().Context(), kind, c.Request().Body)
		if errors.Is(err, ErrMalformed) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err != nil {
			return apperr.HTTP(err)
		}
		return c.JSON(http.StatusOK, res)
	}
}
