// Package ai talks to the Gemini generateContent REST API to draft referral
// summaries and suggest triage categories.
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrEmptyOutput means the model answered but produced nothing usable.
var ErrEmptyOutput = errors.New("model returned empty output")

const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel    = "gemini-1.5-flash"
)

type Config struct {
	APIKey   string
	Model    string
	Endpoint string
	Timeout  time.Duration
}

// Client is a single-attempt Gemini client. It does not retry.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	prompts    *prompts
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	p, err := loadPrompts(promptsYAML)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		prompts:    p,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Wire types for generateContent.

type generateRequest struct {
	SystemInstruction *content        `json:"systemInstruction,omitempty"`
	Contents          []content       `json:"contents"`
	GenerationConfig  *generateConfig `json:"generationConfig,omitempty"`
}

type generateConfig struct {
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// SummaryInput is the normalized referral data the summary is drafted from.
// Services holds display labels, not codes.
type SummaryInput struct {
	OrganizationName string
	ContactName      string
	Phone            string
	Email            string
	PatientFullName  string
	PatientDOB       string
	PatientAddress   string
	PatientZipCode   string
	PCPName          string
	PCPPhone         string
	SurgeryDate      string
	CovidStatus      string
	PrimaryInsurance string
	MemberID         string
	InsuranceType    string
	PlanName         string
	PlanNumber       string
	GroupNumber      string
	Services         []string
	Diagnosis        string
}

// Summarize returns Markdown summary text. Blank output is ErrEmptyOutput.
func (c *Client) Summarize(ctx context.Context, in SummaryInput) (string, error) {
	text, err := c.prompts.summary.render(in)
	if err != nil {
		return "", err
	}

	var out struct {
		SummaryText string `json:"summaryText"`
	}
	if err := c.generateJSON(ctx, c.prompts.summary.system, []part{{Text: text}}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SummaryText) == "" {
		return "", ErrEmptyOutput
	}
	return out.SummaryText, nil
}

// Document is an attachment sent inline to the model.
type Document struct {
	MimeType string
	Data     []byte
}

type CategorizeInput struct {
	PatientName  string
	ReferrerName string
	Documents    []Document
}

type Categorization struct {
	SuggestedCategories []string `json:"suggestedCategories"`
	Reasoning           string   `json:"reasoning"`
}

// Categorize suggests triage categories for a referral from its documents.
func (c *Client) Categorize(ctx context.Context, in CategorizeInput) (*Categorization, error) {
	text, err := c.prompts.categorize.render(in)
	if err != nil {
		return nil, err
	}

	parts := []part{{Text: text}}
	for _, d := range in.Documents {
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: d.MimeType,
			Data:     base64.StdEncoding.EncodeToString(d.Data),
		}})
	}

	var out Categorization
	if err := c.generateJSON(ctx, c.prompts.categorize.system, parts, &out); err != nil {
		return nil, err
	}
	if len(out.SuggestedCategories) == 0 && strings.TrimSpace(out.Reasoning) == "" {
		return nil, ErrEmptyOutput
	}
	return &out, nil
}

func (c *Client) generateJSON(ctx context.Context, system string, parts []part, dst any) error {
	reqBody := generateRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generateConfig{ResponseMimeType: "application/json", Temperature: 0.2},
	}
	if system != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal gemini payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, url.PathEscape(c.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("gemini error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}

	var sb strings.Builder
	if len(gr.Candidates) > 0 {
		for _, p := range gr.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	raw := stripCodeFence(sb.String())
	if raw == "" {
		return ErrEmptyOutput
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyOutput, err)
	}
	return nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
