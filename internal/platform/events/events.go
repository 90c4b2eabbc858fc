// Package events publishes referral lifecycle events to downstream systems.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeReferralReceived      = "referral.received"
	TypeReferralStatusChanged = "referral.status_changed"
	TypeReferralNoteAdded     = "referral.note_added"
)

// Event is the envelope every backend ships. Payloads never carry
// attachment bytes or note content.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	ReferralID string            `json:"referralId"`
	Status     string            `json:"status,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New stamps an event with a fresh id.
func New(typ, referralID, status string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		ReferralID: referralID,
		Status:     status,
		OccurredAt: at.UTC(),
	}
}

func (e Event) encode() ([]byte, error) { return json.Marshal(e) }

// Publisher delivers events. Implementations are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the structured log. It is the default
// backend when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("referral_id", e.ReferralID).
		Str("status", e.Status).
		Time("occurred_at", e.OccurredAt).
		Msg("referral event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
