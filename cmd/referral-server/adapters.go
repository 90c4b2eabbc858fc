package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/homecare/referrals/internal/domain/referral"
	"github.com/homecare/referrals/internal/platform/ai"
	"github.com/homecare/referrals/internal/platform/events"
	"github.com/homecare/referrals/internal/platform/middleware"
	"github.com/homecare/referrals/internal/platform/notification"
	"github.com/homecare/referrals/internal/platform/pdf"
)

// The referral package declares the small interfaces it needs; the types
// below adapt the platform clients to them so neither side imports the
// other's models.

type summaryClient interface {
	Summarize(ctx context.Context, in ai.SummaryInput) (string, error)
}

type summarizer struct {
	client summaryClient
}

func (s *summarizer) Summarize(ctx context.Context, _ string, f referral.Fields) (string, error) {
	return s.client.Summarize(ctx, summaryInput(f))
}

func summaryInput(f referral.Fields) ai.SummaryInput {
	services := make([]string, 0, len(f.ServicesNeeded))
	for _, code := range f.ServicesNeeded {
		services = append(services, code.Label())
	}
	return ai.SummaryInput{
		OrganizationName: f.OrganizationName,
		ContactName:      f.ContactName,
		Phone:            f.Phone,
		Email:            f.Email,
		PatientFullName:  f.PatientFullName,
		PatientDOB:       f.PatientDOB,
		PatientAddress:   f.PatientAddress,
		PatientZipCode:   f.PatientZipCode,
		PCPName:          f.PCPName,
		PCPPhone:         f.PCPPhone,
		SurgeryDate:      f.SurgeryDate,
		CovidStatus:      f.CovidStatus,
		PrimaryInsurance: f.PrimaryInsurance,
		MemberID:         f.MemberID,
		InsuranceType:    f.InsuranceType,
		PlanName:         f.PlanName,
		PlanNumber:       f.PlanNumber,
		GroupNumber:      f.GroupNumber,
		Services:         services,
		Diagnosis:        f.Diagnosis,
	}
}

type pdfRenderer struct{}

func (pdfRenderer) Render(text, title string) ([]byte, error) {
	return pdf.Render(text, title)
}

type categorizeClient interface {
	Categorize(ctx context.Context, in ai.CategorizeInput) (*ai.Categorization, error)
}

type categorizer struct {
	client categorizeClient
}

func (c *categorizer) Categorize(ctx context.Context, f referral.Fields, files []referral.Attachment) (*referral.AISummary, error) {
	docs := make([]ai.Document, 0, len(files))
	for _, file := range files {
		docs = append(docs, ai.Document{MimeType: file.ContentType, Data: file.Data})
	}
	referrer := f.ContactName
	if referrer == "" {
		referrer = f.OrganizationName
	}
	out, err := c.client.Categorize(ctx, ai.CategorizeInput{
		PatientName:  f.PatientFullName,
		ReferrerName: referrer,
		Documents:    docs,
	})
	if err != nil {
		return nil, err
	}
	return &referral.AISummary{
		SuggestedCategories: out.SuggestedCategories,
		Reasoning:           out.Reasoning,
	}, nil
}

type eventPublisher struct {
	pub events.Publisher
}

// Publish sends ids and status only. Form fields and notes stay out of the
// broker.
func (p *eventPublisher) Publish(ctx context.Context, kind referral.EventKind, r *referral.Referral) error {
	return p.pub.Publish(ctx, events.New(string(kind), r.ID, string(r.Status), r.UpdatedAt))
}

type templateSender interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) error
}

type referrerNotifier struct {
	notifier  templateSender
	statusURL string
}

// Notify emails the referrer on intake and on status changes. Internal
// notes are never announced.
func (n *referrerNotifier) Notify(ctx context.Context, kind referral.EventKind, r *referral.Referral) error {
	var templateID string
	switch kind {
	case referral.EventReceived:
		templateID = notification.TemplateReferralReceived
	case referral.EventStatusChanged:
		templateID = notification.TemplateReferralStatusChanged
	default:
		return nil
	}
	if r.Email == "" {
		return nil
	}
	data := map[string]string{
		"referral_id":       r.ID,
		"contact_name":      r.ContactName,
		"patient_name":      r.PatientFullName,
		"organization_name": r.OrganizationName,
		"status":            r.Status.Label(),
		"status_url":        n.statusURL,
	}
	return n.notifier.SendFromTemplate(ctx, templateID, data, r.Email)
}

// httpErrorHandler writes every error as {"message": ...}. 5xx causes are
// logged with the request id and never reach the client.
func httpErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he := &echo.HTTPError{Code: http.StatusInternalServerError, Message: http.StatusText(http.StatusInternalServerError)}
		var target *echo.HTTPError
		if errors.As(err, &target) {
			he = target
		}

		if he.Code >= http.StatusInternalServerError {
			cause := err
			if he.Internal != nil {
				cause = he.Internal
			}
			logger.Error().Err(cause).
				Str("request_id", middleware.RequestIDFromContext(c)).
				Str("path", c.Request().URL.Path).
				Int("status", he.Code).
				Msg("request failed")
		}

		var body any
		switch m := he.Message.(type) {
		case string:
			body = map[string]string{"message": m}
		case map[string]any:
			body = m
		case nil:
			body = map[string]string{"message": http.StatusText(he.Code)}
		default:
			body = map[string]any{"message": m}
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(he.Code)
		} else {
			writeErr = c.JSON(he.Code, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}
