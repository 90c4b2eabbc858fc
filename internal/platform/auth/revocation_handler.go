package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// defaultRevocationTTL covers tokens revoked without a known expiry. Staff
// tokens are short-lived, so an hour outlasts any of them.
const defaultRevocationTTL = time.Hour

type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id,omitempty"`
}

type revocationListResponse struct {
	Count   int              `json:"count"`
	Entries []RevocationInfo `json:"entries"`
}

// RegisterRevocationRoutes mounts token revocation under /auth on g. Only
// admins may use it.
func RegisterRevocationRoutes(g *echo.Group, store *TokenRevocationStore) {
	ag := g.Group("/auth", RequireRole(RoleAdmin))
	ag.POST("/revoke", handleRevokeToken(store))
	ag.GET("/revocations", handleListRevocations(store))
}

func handleRevokeToken(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = store.now().Add(defaultRevocationTTL)
		}
		store.Revoke(req.JTI, req.UserID, req.ExpiresAt)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleListRevocations(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries := store.Entries()
		return c.JSON(http.StatusOK, revocationListResponse{Count: len(entries), Entries: entries})
	}
}
