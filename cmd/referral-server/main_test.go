package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/homecare/referrals/internal/domain/referral"
	"github.com/homecare/referrals/internal/platform/ai"
	"github.com/homecare/referrals/internal/platform/events"
	"github.com/homecare/referrals/internal/platform/notification"
)

type fakeSummaryClient struct {
	got ai.SummaryInput
}

func (f *fakeSummaryClient) Summarize(_ context.Context, in ai.SummaryInput) (string, error) {
	f.got = in
	return "## Summary", nil
}

func TestSummarizer_MapsFieldsAndServiceLabels(t *testing.T) {
	client := &fakeSummaryClient{}
	s := &summarizer{client: client}

	f := referral.Fields{
		OrganizationName: "Mercy General",
		ContactName:      "Dana Ortiz",
		PatientFullName:  "Ruth Bell",
		PatientDOB:       "1948-03-02",
		PrimaryInsurance: "Medicare",
		ServicesNeeded:   []referral.ServiceCode{referral.ServiceSkilledNursing},
		Diagnosis:        "CHF",
	}
	text, err := s.Summarize(context.Background(), "TX-REF-1", f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "## Summary" {
		t.Errorf("unexpected text %q", text)
	}
	if client.got.PatientFullName != "Ruth Bell" || client.got.PatientDOB != "1948-03-02" {
		t.Errorf("patient fields not mapped: %+v", client.got)
	}
	if len(client.got.Services) != 1 || client.got.Services[0] != referral.ServiceSkilledNursing.Label() {
		t.Errorf("expected service labels, got %v", client.got.Services)
	}
}

type fakeCategorizeClient struct {
	got ai.CategorizeInput
	err error
}

func (f *fakeCategorizeClient) Categorize(_ context.Context, in ai.CategorizeInput) (*ai.Categorization, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Categorization{SuggestedCategories: []string{"Wound Care"}, Reasoning: "post-op wound"}, nil
}

func TestCategorizer_SendsDocumentsInline(t *testing.T) {
	client := &fakeCategorizeClient{}
	c := &categorizer{client: client}

	files := []referral.Attachment{
		{Field: "facesheet", Name: "face.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
		{Field: "otherDocuments", Name: "scan.png", ContentType: "image/png", Data: []byte{0x89, 'P'}},
	}
	out, err := c.Categorize(context.Background(), referral.Fields{PatientFullName: "Ruth Bell", OrganizationName: "Mercy General"}, files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.got.Documents) != 2 || client.got.Documents[1].MimeType != "image/png" {
		t.Errorf("unexpected documents %+v", client.got.Documents)
	}
	if client.got.ReferrerName != "Mercy General" {
		t.Errorf("expected organization as referrer fallback, got %q", client.got.ReferrerName)
	}
	if len(out.SuggestedCategories) != 1 || out.SuggestedCategories[0] != "Wound Care" || out.Reasoning != "post-op wound" {
		t.Errorf("unexpected summary %+v", out)
	}
}

func TestCategorizer_PropagatesError(t *testing.T) {
	c := &categorizer{client: &fakeCategorizeClient{err: ai.ErrEmptyOutput}}
	if _, err := c.Categorize(context.Background(), referral.Fields{}, nil); !errors.Is(err, ai.ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

type capturePublisher struct {
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestEventPublisher_CarriesIDAndStatusOnly(t *testing.T) {
	pub := &capturePublisher{}
	p := &eventPublisher{pub: pub}
	at := time.Date(2025, 2, 19, 21, 0, 0, 0, time.UTC)

	r := &referral.Referral{ID: "TX-REF-2025-000001", Status: referral.StatusReceived, UpdatedAt: at}
	r.PatientFullName = "Ruth Bell"
	if err := p.Publish(context.Background(), referral.EventReceived, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	e := pub.events[0]
	if e.Type != events.TypeReferralReceived || e.ReferralID != r.ID || e.Status != string(referral.StatusReceived) {
		t.Errorf("unexpected event %+v", e)
	}
	if !e.OccurredAt.Equal(at) || e.ID == "" {
		t.Errorf("unexpected event stamp %+v", e)
	}
	raw, _ := json.Marshal(e)
	if bytes.Contains(raw, []byte("Ruth Bell")) {
		t.Errorf("event leaked patient data: %s", raw)
	}
}

func newTestNotifier() (*referrerNotifier, *notification.MockEmailSender) {
	mock := &notification.MockEmailSender{}
	n := notification.NewNotifier(mock, notification.NewTemplateEngine(), zerolog.Nop())
	return &referrerNotifier{notifier: n, statusURL: "https://referrals.example.com/status"}, mock
}

func testReferral() *referral.Referral {
	r := &referral.Referral{ID: "TX-REF-2025-000001", Status: referral.StatusReceived}
	r.Email = "dana@mercy.example.com"
	r.ContactName = "Dana Ortiz"
	r.OrganizationName = "Mercy General"
	r.PatientFullName = "Ruth Bell"
	return r
}

func TestReferrerNotifier_Templates(t *testing.T) {
	n, mock := newTestNotifier()
	r := testReferral()

	if err := n.Notify(context.Background(), referral.EventReceived, r); err != nil {
		t.Fatalf("received: %v", err)
	}
	if err := n.Notify(context.Background(), referral.EventStatusChanged, r); err != nil {
		t.Fatalf("status changed: %v", err)
	}

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(calls))
	}
	for _, call := range calls {
		if call.To != r.Email {
			t.Errorf("unexpected recipient %q", call.To)
		}
		if !bytes.Contains([]byte(call.Body), []byte(r.ID)) {
			t.Errorf("expected referral id in body, got %q", call.Body)
		}
	}
}

func TestReferrerNotifier_SkipsNotesAndMissingEmail(t *testing.T) {
	n, mock := newTestNotifier()
	r := testReferral()

	if err := n.Notify(context.Background(), referral.EventNoteAdded, r); err != nil {
		t.Fatalf("note: %v", err)
	}
	r.Email = ""
	if err := n.Notify(context.Background(), referral.EventReceived, r); err != nil {
		t.Fatalf("no email: %v", err)
	}
	if len(mock.Calls()) != 0 {
		t.Errorf("expected no emails, got %d", len(mock.Calls()))
	}
}

func runErrorHandler(t *testing.T, logger zerolog.Logger, method string, err error) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, "/api/v1/referrals", nil)
	rec := httptest.NewRecorder()
	httpErrorHandler(logger)(err, e.NewContext(req, rec))
	return rec
}

func TestHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{"http error", echo.NewHTTPError(http.StatusNotFound, "referral not found"), http.StatusNotFound, "referral not found"},
		{"plain error", errors.New("pq: connection refused"), http.StatusInternalServerError, "Internal Server Error"},
		{"internal kept private", echo.NewHTTPError(http.StatusBadGateway, "We could not prepare the referral summary. Please try again.").SetInternal(errors.New("gemini 500")),
			http.StatusBadGateway, "We could not prepare the referral summary. Please try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := runErrorHandler(t, zerolog.Nop(), http.MethodGet, tt.err)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON body: %v", err)
			}
			if body["message"] != tt.message {
				t.Errorf("message = %v, want %q", body["message"], tt.message)
			}
		})
	}
}

func TestHTTPErrorHandler_ValidationBody(t *testing.T) {
	err := echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
		"message": "Please correct the highlighted fields and submit again.",
		"errors":  map[string]string{"patientDOB": "Date of birth is required"},
	})
	rec := runErrorHandler(t, zerolog.Nop(), http.MethodPost, err)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body struct {
		Message string            `json:"message"`
		Errors  map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Errors["patientDOB"] == "" {
		t.Errorf("expected field errors, got %+v", body)
	}
}

func TestHTTPErrorHandler_LogsServerErrors(t *testing.T) {
	var buf bytes.Buffer
	err := echo.NewHTTPError(http.StatusServiceUnavailable, "try again").SetInternal(errors.New("s3 timeout"))
	rec := runErrorHandler(t, zerolog.New(&buf), http.MethodPost, err)
	if bytes.Contains(rec.Body.Bytes(), []byte("s3 timeout")) {
		t.Errorf("internal cause leaked to client: %s", rec.Body.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("s3 timeout")) {
		t.Errorf("expected cause in logs, got %s", buf.String())
	}
}

func TestHTTPErrorHandler_HeadHasNoBody(t *testing.T) {
	rec := runErrorHandler(t, zerolog.Nop(), http.MethodHead, echo.NewHTTPError(http.StatusNotFound, "blob not found"))
	if rec.Code != http.StatusNotFound || rec.Body.Len() != 0 {
		t.Errorf("expected bodyless 404, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMigrationsFS_DefaultsToEmbedded(t *testing.T) {
	fsys := migrationsFS("")
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected embedded migrations")
	}
}
