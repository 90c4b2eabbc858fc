// Package notification sends templated emails to referrers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	TemplateReferralReceived      = "referral-received"
	TemplateReferralStatusChanged = "referral-status-changed"
)

// EmailSender delivers one plain-text email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Template is a reusable email with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine holds templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateReferralReceived,
			Name:    "Referral Received",
			Subject: "Referral {{referral_id}} received",
			Body: "Hello {{contact_name}},\n\n" +
				"We received your referral for {{patient_name}} from {{organization_name}}.\n" +
				"Referral ID: {{referral_id}}\n\n" +
				"You can check its status at {{status_url}} using the referral ID and the patient's date of birth.\n",
		},
		{
			ID:      TemplateReferralStatusChanged,
			Name:    "Referral Status Changed",
			Subject: "Referral {{referral_id}} is now {{status}}",
			Body: "Hello {{contact_name}},\n\n" +
				"The status of referral {{referral_id}} for {{patient_name}} changed to {{status}}.\n\n" +
				"Check the latest status at {{status_url}}.\n",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Notifier renders a template and hands the result to an EmailSender.
type Notifier struct {
	email     EmailSender
	templates *TemplateEngine
	logger    zerolog.Logger
}

func NewNotifier(email EmailSender, tpl *TemplateEngine, logger zerolog.Logger) *Notifier {
	return &Notifier{email: email, templates: tpl, logger: logger}
}

// SendFromTemplate renders templateID with data and emails it to recipient.
func (n *Notifier) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) error {
	if recipient == "" {
		return errors.New("recipient is required")
	}
	subject, body, err := n.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	if err := n.email.SendEmail(ctx, recipient, subject, body); err != nil {
		return fmt.Errorf("send %s email: %w", templateID, err)
	}
	n.logger.Debug().Str("template", templateID).Msg("notification sent")
	return nil
}

// LogEmailSender logs instead of sending. It backs development setups with no
// SMTP server.
type LogEmailSender struct {
	logger zerolog.Logger
}

func NewLogEmailSender(logger zerolog.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger}
}

func (s *LogEmailSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Msg("email (not sent, SMTP disabled)")
	return nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
