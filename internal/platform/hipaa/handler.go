package hipaa

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/homecare/referrals/internal/platform/auth"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type accessHistory interface {
	ForReferral(ctx context.Context, referralID string, limit int) ([]AccessRecord, error)
}

// AccessLogHandler exposes the access history of a referral to admins.
type AccessLogHandler struct {
	log accessHistory
}

func NewAccessLogHandler(log accessHistory) *AccessLogHandler {
	return &AccessLogHandler{log: log}
}

// RegisterRoutes mounts GET /audit/referrals/:id behind the admin role.
func (h *AccessLogHandler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("/audit", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/referrals/:id", h.HandleReferralHistory)
}

// HandleReferralHistory handles GET /api/v1/audit/referrals/:id?limit=N.
func (h *AccessLogHandler) HandleReferralHistory(c echo.Context) error {
	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.log.ForReferral(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load access history").SetInternal(err)
	}
	if records == nil {
		records = []AccessRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"referralId": c.Param("id"),
		"accesses":   records,
		"total":      len(records),
	})
}
