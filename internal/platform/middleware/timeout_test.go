package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/referrals", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var deadline time.Time
	h := RequestTimeout(5 * time.Second)(func(c echo.Context) error {
		deadline, _ = c.Request().Context().Deadline()
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deadline.IsZero() {
		t.Error("expected the request context to carry a deadline")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/referrals", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	h := RequestTimeout(20 * time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})
	err := h(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	if he.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", he.Code)
	}
	if !errors.Is(he.Internal, context.DeadlineExceeded) {
		t.Errorf("expected the cause to be kept, got %v", he.Internal)
	}
}

func TestRequestTimeout_KeepsErrorsBeforeDeadline(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/referrals/HC-1", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	notFound := echo.NewHTTPError(http.StatusNotFound, "referral not found")
	h := RequestTimeout(time.Second)(func(c echo.Context) error { return notFound })
	if err := h(c); err != notFound {
		t.Fatalf("expected the handler error unchanged, got %v", err)
	}
}

func TestRequestTimeout_Disabled(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	h := RequestTimeout(0)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("expected no deadline when the timeout is disabled")
		}
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
