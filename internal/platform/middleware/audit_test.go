package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/homecare/referrals/internal/platform/auth"
)

type captureRecorder struct {
	entries []AuditEntry
	err     error
}

func (r *captureRecorder) RecordAccess(entry AuditEntry) error {
	r.entries = append(r.entries, entry)
	return r.err
}

func runAudit(t *testing.T, logger zerolog.Logger, rec AuditRecorder, method, path string, ctx context.Context, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")
	return Audit(logger, rec)(handler)(c)
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestAudit_RecordsStaffRead(t *testing.T) {
	rec := &captureRecorder{}
	ctx := context.WithValue(context.Background(), auth.UserIDKey, "nurse-1")
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{"staff"})

	err := runAudit(t, zerolog.Nop(), rec, http.MethodGet, "/api/v1/referrals/HC-2025-123456-AB7", ctx, okHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(rec.entries))
	}
	got := rec.entries[0]
	if got.UserID != "nurse-1" || len(got.UserRoles) != 1 || got.UserRoles[0] != "staff" {
		t.Errorf("unexpected user %q %v", got.UserID, got.UserRoles)
	}
	if got.Resource != "referrals" || got.ReferralID != "HC-2025-123456-AB7" || got.Action != "read" {
		t.Errorf("unexpected entry %+v", got)
	}
	if got.RequestID != "req-123" || got.StatusCode != http.StatusOK {
		t.Errorf("unexpected request id %q or status %d", got.RequestID, got.StatusCode)
	}
}

func TestAudit_Actions(t *testing.T) {
	tests := []struct {
		method     string
		path       string
		action     string
		referralID string
	}{
		{http.MethodPost, "/api/v1/referrals", "create", ""},
		{http.MethodGet, "/api/v1/referrals", "read", ""},
		{http.MethodGet, "/api/v1/referrals/search", "search", ""},
		{http.MethodPost, "/api/v1/referrals/HC-1/status", "status_change", "HC-1"},
		{http.MethodPost, "/api/v1/referrals/HC-1/notes", "note", "HC-1"},
		{http.MethodPost, "/api/v1/status", "status_check", ""},
		{http.MethodDelete, "/api/v1/referrals/HC-1", "delete", "HC-1"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := &captureRecorder{}
			if err := runAudit(t, zerolog.Nop(), rec, tt.method, tt.path, nil, okHandler); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(rec.entries) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(rec.entries))
			}
			if rec.entries[0].Action != tt.action {
				t.Errorf("action = %q, want %q", rec.entries[0].Action, tt.action)
			}
			if rec.entries[0].ReferralID != tt.referralID {
				t.Errorf("referral id = %q, want %q", rec.entries[0].ReferralID, tt.referralID)
			}
		})
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	for _, p := range []string{"/health", "/files/referrals/HC-1/a.pdf", "/api/v1"} {
		rec := &captureRecorder{}
		if err := runAudit(t, zerolog.Nop(), rec, http.MethodGet, p, nil, okHandler); err != nil {
			t.Fatalf("%s: unexpected error: %v", p, err)
		}
		if len(rec.entries) != 0 {
			t.Errorf("%s: expected no audit entry, got %d", p, len(rec.entries))
		}
	}
}

func TestAudit_UsesHTTPErrorStatus(t *testing.T) {
	rec := &captureRecorder{}
	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "referral not found")
	}
	err := runAudit(t, zerolog.Nop(), rec, http.MethodGet, "/api/v1/referrals/HC-404", nil, handler)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Fatalf("expected the handler's 404 to pass through, got %v", err)
	}
	if rec.entries[0].StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.entries[0].StatusCode)
	}
}

func TestAudit_RecorderFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	rec := &captureRecorder{err: errors.New("sink unavailable")}
	if err := runAudit(t, zerolog.New(&buf), rec, http.MethodGet, "/api/v1/referrals", nil, okHandler); err != nil {
		t.Fatalf("recorder failure must not fail the request: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("failed to record audit entry")) {
		t.Errorf("expected recorder failure in logs, got %s", buf.String())
	}
}

func TestAudit_LogLineHasNoPatientFields(t *testing.T) {
	var buf bytes.Buffer
	err := runAudit(t, zerolog.New(&buf), nil, http.MethodPost, "/api/v1/status", nil, okHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["type"] != "referral_audit" || line["action"] != "status_check" {
		t.Errorf("unexpected audit line %v", line)
	}
	for _, k := range []string{"patientDOB", "patient_dob", "patientFullName"} {
		if _, ok := line[k]; ok {
			t.Errorf("audit line must not carry %s", k)
		}
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	called := false
	var r AuditRecorder = AuditRecorderFunc(func(AuditEntry) error {
		called = true
		return nil
	})
	_ = r.RecordAccess(AuditEntry{})
	if !called {
		t.Error("expected function to be called")
	}
}
