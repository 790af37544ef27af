// Package broadcast expands approved events into per-recipient queue
// entries, targeted by the recipients' interest tags.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/dispatch"
	"github.com/lostfound-mu/relay/internal/metrics"
	"github.com/lostfound-mu/relay/internal/queue"
)

// Event is an approved community event awaiting broadcast.
type Event struct {
	ID                   uuid.UUID
	Title                string
	Description          string
	Category             string
	Location             string
	EventDate            time.Time
	TargetAudience       []string // interest tags; empty targets everyone
	PosterURL            *string
	RegistrationRequired bool
	RegistrationLink     *string
	BroadcastSent        bool
}

// Source supplies broadcastable events and their target recipients.
type Source interface {
	// ReadyEvents returns approved future events with broadcast_sent=false.
	ReadyEvents(ctx context.Context) ([]*Event, error)
	// RecipientsByInterests returns recipients whose interest set intersects
	// the given tags.
	RecipientsByInterests(ctx context.Context, interests []string) ([]string, error)
	// OnboardedRecipients returns all subscribed recipients who completed
	// onboarding; the target set for events with an empty audience.
	OnboardedRecipients(ctx context.Context) ([]string, error)
	// ClaimBroadcast conditionally flips broadcast_sent. Returns false when
	// another sweep already claimed the event.
	ClaimBroadcast(ctx context.Context, id uuid.UUID) (bool, error)
}

// Enqueuer is the slice of the enqueue API the fan-out needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req dispatch.Request) (*queue.Message, error)
}

// Broadcaster runs the fan-out sweep.
type Broadcaster struct {
	source   Source
	enqueuer Enqueuer
	logger   *zap.Logger
}

// New creates a broadcaster.
func New(source Source, enqueuer Enqueuer, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		source:   source,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// Result summarizes one sweep.
type Result struct {
	Events   int `json:"events"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

// Sweep fans out every event that is ready for broadcast. Per-recipient
// enqueue failures are counted and logged but never abort the rest of the
// fan-out.
func (b *Broadcaster) Sweep(ctx context.Context) (*Result, error) {
	events, err := b.source.ReadyEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("read broadcastable events: %w", err)
	}

	result := &Result{}
	for _, event := range events {
		enqueued, failed, err := b.broadcastEvent(ctx, event)
		if err != nil {
			b.logger.Error("event broadcast failed",
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
			continue
		}
		result.Events++
		result.Enqueued += enqueued
		result.Failed += failed
	}

	return result, nil
}

func (b *Broadcaster) broadcastEvent(ctx context.Context, event *Event) (enqueued, failed int, err error) {
	// The conditional flip doubles as the claim: concurrent sweeps of the
	// same event are serialized here, losers bail before enqueuing anything.
	claimed, err := b.source.ClaimBroadcast(ctx, event.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("claim broadcast: %w", err)
	}
	if !claimed {
		b.logger.Debug("event already broadcast, skipping",
			zap.String("event_id", event.ID.String()),
		)
		return 0, 0, nil
	}

	recipients, err := b.targetRecipients(ctx, event)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve target recipients: %w", err)
	}

	payload := RenderEvent(event)
	metadata, _ := json.Marshal(map[string]string{"event_id": event.ID.String()})

	b.logger.Info("broadcasting event",
		zap.String("event_id", event.ID.String()),
		zap.String("title", event.Title),
		zap.Int("recipients", len(recipients)),
	)

	for _, recipient := range recipients {
		_, err := b.enqueuer.Enqueue(ctx, dispatch.Request{
			Recipient:   recipient,
			Kind:        queue.KindEventBroadcast,
			PayloadText: payload,
			Priority:    queue.KindEventBroadcast.DefaultPriority(),
			MediaURL:    event.PosterURL,
			Metadata:    metadata,
		})
		if err != nil {
			failed++
			metrics.RecordBroadcastRecipient("failed")
			b.logger.Warn("fan-out enqueue failed",
				zap.String("event_id", event.ID.String()),
				zap.String("recipient", recipient),
				zap.Error(err),
			)
			continue
		}
		enqueued++
		metrics.RecordBroadcastRecipient("enqueued")
	}

	return enqueued, failed, nil
}

func (b *Broadcaster) targetRecipients(ctx context.Context, event *Event) ([]string, error) {
	if len(event.TargetAudience) == 0 {
		return b.source.OnboardedRecipients(ctx)
	}
	return b.source.RecipientsByInterests(ctx, event.TargetAudience)
}

// RenderEvent produces the broadcast text once per event; every recipient
// gets the same payload.
func RenderEvent(event *Event) string {
	registration := "🎫 *Registration:* Not required"
	if event.RegistrationRequired {
		link := "Contact organizer"
		if event.RegistrationLink != nil && *event.RegistrationLink != "" {
			link = *event.RegistrationLink
		}
		registration = "🎫 *Registration:* " + link
	}

	return fmt.Sprintf(
		"🎉 *%s Alert!*\n\n📅 **%s**\n%s\n\n📍 *Where:* %s\n⏰ *When:* %s\n\n%s",
		event.Category,
		event.Title,
		event.Description,
		event.Location,
		event.EventDate.Format("Mon, 2 Jan 2006 15:04"),
		registration,
	)
}
