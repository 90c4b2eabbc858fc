package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/homecare/referrals/internal/platform/auth"
)

const auditPrefix = "/api/v1/"

// AuditEntry records one access to referral data.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	ReferralID string
	Action     string // read, search, create, status_change, note, status_check
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/v1/ after the handler has run, so the
// entry carries the final status. Patient fields are never logged; the
// referral id is the only identifier recorded.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			resource, referralID, sub := splitAuditPath(path)
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Resource:   resource,
				ReferralID: referralID,
				Action:     auditAction(req.Method, resource, referralID, sub),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				RequestID:  RequestIDFromContext(c),
				StatusCode: status,
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "referral_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("referral_id", entry.ReferralID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("referral_access")

			return err
		}
	}
}

// splitAuditPath breaks /api/v1/<resource>[/<id>[/<sub>]] into its parts.
// "search" in the id position is a collection route, not an id.
func splitAuditPath(path string) (resource, id, sub string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, auditPrefix), "/"), "/")
	if len(segs) > 0 {
		resource = segs[0]
	}
	if resource == "" {
		resource = "unknown"
	}
	if len(segs) > 1 {
		id = segs[1]
	}
	if len(segs) > 2 {
		sub = segs[2]
	}
	if resource == "referrals" && id == "search" {
		return resource, "", "search"
	}
	return resource, id, sub
}

func auditAction(method, resource, id, sub string) string {
	switch {
	case resource == "status":
		return "status_check"
	case sub == "search":
		return "search"
	case sub == "status" && method == http.MethodPost:
		return "status_change"
	case sub == "notes" && method == http.MethodPost:
		return "note"
	case method == http.MethodPost && id == "":
		return "create"
	case method == http.MethodGet, method == http.MethodHead:
		return "read"
	default:
		return strings.ToLower(method)
	}
}
