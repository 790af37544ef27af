package broadcast

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/db"
)

// PGSource reads events and recipient interests from Postgres. The queue
// does not own these tables; it only reads them and flips broadcast_sent.
type PGSource struct {
	db     *db.DB
	logger *zap.Logger
}

// NewPGSource creates an event/interest source backed by Postgres.
func NewPGSource(database *db.DB, logger *zap.Logger) *PGSource {
	return &PGSource{
		db:     database,
		logger: logger,
	}
}

// ReadyEvents returns approved future events not yet broadcast.
func (s *PGSource) ReadyEvents(ctx context.Context) ([]*Event, error) {
	query := `
		SELECT
			id, title, description, category, location, event_date,
			target_audience, poster_url, registration_required,
			registration_link, broadcast_sent
		FROM events
		WHERE status = 'APPROVED'
		AND broadcast_sent = false
		AND event_date > CURRENT_TIMESTAMP
		ORDER BY created_at ASC
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query broadcastable events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ID,
			&e.Title,
			&e.Description,
			&e.Category,
			&e.Location,
			&e.EventDate,
			&e.TargetAudience,
			&e.PosterURL,
			&e.RegistrationRequired,
			&e.RegistrationLink,
			&e.BroadcastSent,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// RecipientsByInterests returns distinct subscribed recipients with at least
// one of the given interest tags.
func (s *PGSource) RecipientsByInterests(ctx context.Context, interests []string) ([]string, error) {
	query := `
		SELECT DISTINCT u.recipient
		FROM users u
		JOIN user_interests ui ON u.recipient = ui.recipient
		WHERE ui.interest = ANY($1)
		AND u.subscribed = true
		AND u.onboarding_completed = true
	`

	return s.queryRecipients(ctx, query, interests)
}

// OnboardedRecipients returns every subscribed recipient who completed
// onboarding.
func (s *PGSource) OnboardedRecipients(ctx context.Context) ([]string, error) {
	query := `
		SELECT recipient
		FROM users
		WHERE subscribed = true
		AND onboarding_completed = true
	`

	return s.queryRecipients(ctx, query)
}

func (s *PGSource) queryRecipients(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	return recipients, nil
}

// ClaimBroadcast flips broadcast_sent under a conditional update. The zero
// rows-affected case means another sweep got there first.
func (s *PGSource) ClaimBroadcast(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE events
		SET broadcast_sent = true, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND broadcast_sent = false
	`

	res, err := s.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("flip broadcast_sent: %w", err)
	}

	return res.RowsAffected() > 0, nil
}
