package notification

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Name:    "Test Template",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	data := map[string]string{
		"referral_id":       "TX-REF-2025-123456-ABC",
		"contact_name":      "Maria Lopez",
		"patient_name":      "John Doe",
		"organization_name": "Memorial Hermann",
		"status":            "accepted",
		"status_url":        "https://referrals.example.com/status",
	}
	for _, id := range []string{TemplateReferralReceived, TemplateReferralStatusChanged} {
		subject, body, err := eng.Render(id, data)
		if err != nil {
			t.Fatalf("built-in template %q not found: %v", id, err)
		}
		if strings.Contains(subject+body, "{{") {
			t.Errorf("template %q left placeholders: %q / %q", id, subject, body)
		}
		if !strings.Contains(subject, "TX-REF-2025-123456-ABC") {
			t.Errorf("template %q subject should carry the referral id: %q", id, subject)
		}
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: "partial", Subject: "Hi {{name}}", Body: "token {{token}}"})

	subject, body, err := eng.Render("partial", map[string]string{"name": "Bob"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hi Bob" {
		t.Errorf("subject = %q", subject)
	}
	if body != "token {{token}}" {
		t.Errorf("missing keys should be left as-is, got %q", body)
	}
}

func TestTemplateEngine_ConcurrentAccess(t *testing.T) {
	eng := NewTemplateEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			eng.RegisterTemplate(Template{ID: "c", Subject: "s", Body: "b"})
		}()
		go func() {
			defer wg.Done()
			_, _, _ = eng.Render(TemplateReferralReceived, nil)
		}()
	}
	wg.Wait()
}

func TestNotifier_SendFromTemplate(t *testing.T) {
	sender := &MockEmailSender{}
	n := NewNotifier(sender, NewTemplateEngine(), zerolog.Nop())

	err := n.SendFromTemplate(context.Background(), TemplateReferralStatusChanged,
		map[string]string{"referral_id": "TX-1", "status": "in review"}, "maria@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(calls))
	}
	if calls[0].To != "maria@example.com" || calls[0].Subject != "Referral TX-1 is now in review" {
		t.Errorf("unexpected email %+v", calls[0])
	}
}

func TestNotifier_Errors(t *testing.T) {
	n := NewNotifier(&MockEmailSender{ShouldFail: true, FailError: "relay down"}, NewTemplateEngine(), zerolog.Nop())

	if err := n.SendFromTemplate(context.Background(), TemplateReferralReceived, nil, ""); err == nil {
		t.Error("expected error for empty recipient")
	}
	if err := n.SendFromTemplate(context.Background(), "unknown", nil, "a@b.c"); err == nil {
		t.Error("expected error for unknown template")
	}
	err := n.SendFromTemplate(context.Background(), TemplateReferralReceived, nil, "a@b.c")
	if err == nil || !strings.Contains(err.Error(), "relay down") {
		t.Errorf("expected sender error, got %v", err)
	}
}

func TestLogEmailSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogEmailSender(zerolog.New(&buf))
	if err := s.SendEmail(context.Background(), "a@b.c", "Subject line", "body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Subject line") {
		t.Errorf("expected subject in log, got %q", buf.String())
	}
	if strings.Contains(buf.String(), `"body"`) {
		t.Error("email body must not be logged")
	}
}

type fakeDialer struct {
	msgs []*gomail.Message
	err  error
}

func (f *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	f.msgs = append(f.msgs, m...)
	return f.err
}

func TestSMTPEmailSender(t *testing.T) {
	d := &fakeDialer{}
	s := &SMTPEmailSender{dialer: d, sender: "intake@example.com"}

	if err := s.SendEmail(context.Background(), "maria@example.com", "Hello", "Body text"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(d.msgs))
	}
	m := d.msgs[0]
	if got := m.GetHeader("From"); len(got) != 1 || got[0] != "intake@example.com" {
		t.Errorf("unexpected From %v", got)
	}
	if got := m.GetHeader("To"); len(got) != 1 || got[0] != "maria@example.com" {
		t.Errorf("unexpected To %v", got)
	}
}

func TestSMTPEmailSender_Errors(t *testing.T) {
	s := &SMTPEmailSender{dialer: &fakeDialer{err: errors.New("auth failed")}, sender: "x@example.com"}
	if err := s.SendEmail(context.Background(), "a@b.c", "s", "b"); err == nil || !strings.Contains(err.Error(), "auth failed") {
		t.Errorf("expected dialer error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendEmail(ctx, "a@b.c", "s", "b"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewSMTPEmailSender(t *testing.T) {
	s := NewSMTPEmailSender(SMTPConfig{Host: "smtp.example.com", Port: 465, Sender: "x@example.com"})
	if _, ok := s.dialer.(*gomail.Dialer); !ok {
		t.Errorf("expected a gomail dialer, got %T", s.dialer)
	}
}
