package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Summarizer produces the free-text intake summary for a new referral.
type Summarizer interface {
	Summarize(ctx context.Context, id string, f Fields) (string, error)
}

// Categorizer suggests triage categories from the form and its attachments.
type Categorizer interface {
	Categorize(ctx context.Context, f Fields, files []Attachment) (*AISummary, error)
}

// Renderer turns summary text into a PDF.
type Renderer interface {
	Render(text, title string) ([]byte, error)
}

// Uploader stores attachments for a referral. *Attacher implements it.
type Uploader interface {
	Upload(ctx context.Context, referralID string, files []Attachment) ([]Document, error)
	Discard(ctx context.Context, docs []Document)
}

// EventKind names a committed change to a referral.
type EventKind string

const (
	EventReceived      EventKind = "referral.received"
	EventStatusChanged EventKind = "referral.status_changed"
	EventNoteAdded     EventKind = "referral.note_added"
)

// EventPublisher is told about every committed change.
type EventPublisher interface {
	Publish(ctx context.Context, kind EventKind, r *Referral) error
}

// Notifier emails the referrer about a committed change.
type Notifier interface {
	Notify(ctx context.Context, kind EventKind, r *Referral) error
}

// Submission is a raw intake form plus its files.
type Submission struct {
	Form  map[string][]string
	Files []Attachment
}

const maxIDAttempts = 5

type Service struct {
	repo     Repository
	ids      *IDGenerator
	uploader Uploader
	limits   Limits
	logger   zerolog.Logger

	summarizer  Summarizer
	renderer    Renderer
	categorizer Categorizer
	events      EventPublisher
	notifier    Notifier

	now func() time.Time
}

func NewService(repo Repository, ids *IDGenerator, uploader Uploader, limits Limits, logger zerolog.Logger) *Service {
	if ids == nil {
		ids = NewIDGenerator(DefaultIDPrefix)
	}
	return &Service{
		repo:     repo,
		ids:      ids,
		uploader: uploader,
		limits:   limits,
		logger:   logger.With().Str("component", "referral").Logger(),
		now:      time.Now,
	}
}

// SetSummarizer enables the summary PDF. Both arguments must be non-nil.
func (s *Service) SetSummarizer(sum Summarizer, r Renderer) {
	s.summarizer = sum
	s.renderer = r
}

func (s *Service) SetCategorizer(c Categorizer) { s.categorizer = c }

func (s *Service) SetEventPublisher(p EventPublisher) { s.events = p }

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SummaryEnabled reports whether submissions get a generated summary PDF.
func (s *Service) SummaryEnabled() bool {
	return s.summarizer != nil && s.renderer != nil
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Submit runs the whole intake pipeline: validate, store attachments,
// generate the summary PDF, categorize, then persist. Nothing is persisted
// unless every step before persistence succeeds; stored blobs are removed
// on failure.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Referral, error) {
	fields, verr := ValidateSubmission(sub.Form, sub.Files, s.limits)
	if verr != nil {
		return nil, verr
	}

	id, err := s.newID(ctx)
	if err != nil {
		return nil, err
	}

	docs, err := s.uploader.Upload(ctx, id, sub.Files)
	if err != nil {
		return nil, err
	}

	if s.SummaryEnabled() {
		summaryDoc, err := s.summarize(ctx, id, fields)
		if err != nil {
			s.uploader.Discard(context.WithoutCancel(ctx), docs)
			return nil, err
		}
		docs = append(docs, summaryDoc)
	}

	var aiSummary *AISummary
	if s.categorizer != nil {
		aiSummary, err = s.categorizer.Categorize(ctx, fields, nonEmpty(sub.Files))
		if err != nil {
			s.logger.Warn().Err(err).Str("referral_id", id).Msg("categorization failed, continuing without it")
			aiSummary = nil
		}
	}

	r, err := s.create(ctx, id, fields, docs, aiSummary)
	if err != nil {
		s.uploader.Discard(context.WithoutCancel(ctx), docs)
		return nil, err
	}
	return r, nil
}

func (s *Service) summarize(ctx context.Context, id string, f Fields) (Document, error) {
	text, err := s.summarizer.Summarize(ctx, id, f)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrSummaryGeneration, err)
	}
	if strings.TrimSpace(text) == "" {
		return Document{}, fmt.Errorf("%w: empty summary", ErrSummaryGeneration)
	}

	name := summaryFileName(id)
	data, err := s.renderer.Render(text, strings.TrimSuffix(name, ".pdf"))
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrSummaryGeneration, err)
	}

	docs, err := s.uploader.Upload(ctx, id, []Attachment{{
		Field:       FieldReferralDocuments,
		Name:        name,
		ContentType: "application/pdf",
		Data:        data,
	}})
	if err != nil {
		return Document{}, err
	}
	return docs[0], nil
}

func summaryFileName(id string) string {
	return "Referral-Summary-" + id + ".pdf"
}

// Create persists a new referral in status RECEIVED.
func (s *Service) Create(ctx context.Context, f Fields, docs []Document, summary *AISummary) (*Referral, error) {
	id, err := s.newID(ctx)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, id, f, docs, summary)
}

func (s *Service) create(ctx context.Context, id string, f Fields, docs []Document, summary *AISummary) (*Referral, error) {
	r := newReferral(id, f, docs, summary, s.timestamp())
	if err := s.repo.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("save referral: %w", err)
	}
	s.logger.Info().Str("referral_id", r.ID).Int("documents", len(r.Documents)).Msg("referral received")
	s.afterCommit(ctx, EventReceived, r)
	return r, nil
}

// newID draws ids until one is not already stored.
func (s *Service) newID(ctx context.Context) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err := s.ids.Next(s.now())
		if err != nil {
			return "", err
		}
		_, err = s.repo.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("check referral id: %w", err)
		}
	}
	return "", fmt.Errorf("could not allocate a unique referral id after %d attempts", maxIDAttempts)
}

// ChangeStatus moves a referral to status and records it in the history.
// Any status may follow any other.
func (s *Service) ChangeStatus(ctx context.Context, id string, status Status, notes string) (*Referral, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.applyStatus(status, strings.TrimSpace(notes), s.timestamp())
	if err := s.repo.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("save referral: %w", err)
	}
	s.logger.Info().Str("referral_id", id).Str("status", string(status)).Msg("referral status changed")
	s.afterCommit(ctx, EventStatusChanged, r)
	return r, nil
}

// AddNote appends an internal note. author defaults to AuthorStaff.
func (s *Service) AddNote(ctx context.Context, id, content, author string) (*Referral, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyNote
	}
	if strings.TrimSpace(author) == "" {
		author = AuthorStaff
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.appendNote(InternalNote{
		ID:        uuid.NewString(),
		Content:   content,
		Author:    author,
		CreatedAt: s.timestamp(),
	})
	if err := s.repo.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("save referral: %w", err)
	}
	s.afterCommit(ctx, EventNoteAdded, r)
	return r, nil
}

// FindByIDAndDOB trims surrounding whitespace from id and dob, as intake
// does, and otherwise compares them exactly.
func (s *Service) FindByIDAndDOB(ctx context.Context, id, dob string) (*Referral, error) {
	return s.repo.FindByIDAndDOB(ctx, strings.TrimSpace(id), strings.TrimSpace(dob))
}

// CheckStatus is the public status lookup. A non-blank note is recorded as
// coming from the referrer or patient.
func (s *Service) CheckStatus(ctx context.Context, id, dob, note string) (*StatusResult, error) {
	r, err := s.FindByIDAndDOB(ctx, id, dob)
	if err != nil {
		return nil, err
	}
	added := false
	if strings.TrimSpace(note) != "" {
		r, err = s.AddNote(ctx, r.ID, note, AuthorReferrer)
		if err != nil {
			return nil, err
		}
		added = true
	}
	return &StatusResult{Status: r.Status, UpdatedAt: r.UpdatedAt, NoteAdded: added}, nil
}

func (s *Service) GetReferral(ctx context.Context, id string) (*Referral, error) {
	return s.repo.GetByID(ctx, id)
}

// ListReferrals returns every referral, newest first. A store permission
// failure yields an empty list.
func (s *Service) ListReferrals(ctx context.Context) ([]*Referral, error) {
	items, err := s.repo.GetAll(ctx)
	if errors.Is(err, ErrPermissionDenied) {
		s.logger.Error().Err(err).Msg("listing referrals denied by store")
		return []*Referral{}, nil
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) SearchReferrals(ctx context.Context, params SearchParams) ([]*Referral, int, error) {
	if params.Status != "" && !params.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, params.Status)
	}
	params.Query = strings.TrimSpace(params.Query)
	return s.repo.Search(ctx, params)
}

// afterCommit publishes the change and notifies the referrer. Failures are
// logged only; the change is already stored.
func (s *Service) afterCommit(ctx context.Context, kind EventKind, r *Referral) {
	ctx = context.WithoutCancel(ctx)
	if s.events != nil {
		if err := s.events.Publish(ctx, kind, r); err != nil {
			s.logger.Warn().Err(err).Str("referral_id", r.ID).Str("event", string(kind)).Msg("publish event failed")
		}
	}
	if s.notifier != nil && r.Email != "" {
		if err := s.notifier.Notify(ctx, kind, r); err != nil {
			s.logger.Warn().Err(err).Str("referral_id", r.ID).Str("event", string(kind)).Msg("notify referrer failed")
		}
	}
}
