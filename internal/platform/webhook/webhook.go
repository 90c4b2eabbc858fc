// Package webhook delivers referral events to a partner endpoint as signed
// JSON POSTs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/homecare/referrals/internal/platform/events"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-Event-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.httpClient = c }
}

// Publisher POSTs each event once. Failed deliveries are returned to the
// caller and not retried.
type Publisher struct {
	url        string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

var _ events.Publisher = (*Publisher)(nil)

func NewPublisher(rawURL, secret string, opts ...Option) (*Publisher, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	p := &Publisher{
		url:        rawURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// validateURL checks that the URL is non-empty and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, p.secret))
	req.Header.Set(HeaderEventID, e.ID)
	req.Header.Set(HeaderTimestamp, p.now().UTC().Format(time.RFC3339))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", e.Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read at most 1KB of response body.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("deliver %s: non-2xx response %d: %s", e.Type, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (p *Publisher) Close() error { return nil }
