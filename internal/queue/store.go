package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/db"
)

// Store handles database operations for the outbound message queue.
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// NewStore creates a new queue store.
func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger,
	}
}

// Insert adds a message to the queue. The message's ID and CreatedAt are
// filled in from the database.
func (s *Store) Insert(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO message_queue (
			recipient, kind, priority, payload_text,
			media_url, scheduled_for, attempts, max_attempts, status, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING id, created_at
	`

	metadata := msg.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	err := s.db.Pool().QueryRow(
		ctx,
		query,
		msg.Recipient,
		msg.Kind,
		msg.Priority,
		msg.PayloadText,
		msg.MediaURL,
		msg.ScheduledFor,
		msg.Attempts,
		msg.MaxAttempts,
		msg.Status,
		metadata,
	).Scan(&msg.ID, &msg.CreatedAt)

	if err != nil {
		s.logger.Error("failed to insert queued message",
			zap.Error(err),
			zap.String("recipient", msg.Recipient),
			zap.String("kind", string(msg.Kind)),
		)
		return fmt.Errorf("insert queued message: %w", err)
	}

	return nil
}

// CountSentRecent counts messages delivered to the recipient after since.
// Only SENT rows count; pending fan-out backlog does not throttle anyone.
func (s *Store) CountSentRecent(ctx context.Context, recipient string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM message_queue
		WHERE recipient = $1
		AND sent_at > $2
		AND status = 'SENT'
	`

	var count int
	if err := s.db.Pool().QueryRow(ctx, query, recipient, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count recent sent: %w", err)
	}

	return count, nil
}

// Reschedule moves a message's eligibility instant without touching status
// or attempts.
func (s *Store) Reschedule(ctx context.Context, id int64, scheduledFor time.Time) error {
	query := `UPDATE message_queue SET scheduled_for = $1 WHERE id = $2`

	if _, err := s.db.Pool().Exec(ctx, query, scheduledFor, id); err != nil {
		return fmt.Errorf("reschedule message %d: %w", id, err)
	}

	return nil
}

// CancelPending marks the recipient's PENDING messages CANCELLED, optionally
// filtered by kind. Returns the number of messages cancelled. Cancellation is
// advisory: rows already claimed by a dispatch cycle may still be sent.
func (s *Store) CancelPending(ctx context.Context, recipient string, kind *Kind) (int64, error) {
	query := `
		UPDATE message_queue
		SET status = 'CANCELLED'
		WHERE recipient = $1 AND status = 'PENDING'
	`
	args := []any{recipient}
	if kind != nil {
		query = `
			UPDATE message_queue
			SET status = 'CANCELLED'
			WHERE recipient = $1 AND kind = $2 AND status = 'PENDING'
		`
		args = append(args, *kind)
	}

	res, err := s.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to cancel pending messages",
			zap.Error(err),
			zap.String("recipient", recipient),
		)
		return 0, fmt.Errorf("cancel pending: %w", err)
	}

	return res.RowsAffected(), nil
}

// Stats returns 24-hour message counts grouped by status.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT status, COUNT(*)
		FROM message_queue
		WHERE created_at > NOW() - INTERVAL '24 hours'
		GROUP BY status
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}

		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusSent:
			stats.Sent = count
		case StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}

	return stats, nil
}

// Batch is a claimed set of ready messages. The rows stay row-locked inside
// the batch's transaction until Commit or Close, so no other dispatcher
// worker can touch them mid-cycle. A crash before Commit rolls every row
// back to its pre-claim state.
type Batch struct {
	tx       pgx.Tx
	messages []*Message
}

// Messages returns the claimed rows in dispatch order.
func (b *Batch) Messages() []*Message {
	return b.messages
}

// ClaimReady selects up to limit PENDING messages whose scheduled_for has
// passed (or is null) and whose attempts are below the cap, ordered by
// (priority, created_at), locking the rows with SKIP LOCKED so concurrent
// workers never claim the same message.
func (s *Store) ClaimReady(ctx context.Context, now time.Time, limit int) (*Batch, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}

	query := `
		SELECT
			id, recipient, kind, priority, payload_text,
			media_url, scheduled_for, attempts, max_attempts, status,
			created_at, sent_at, metadata
		FROM message_queue
		WHERE status = 'PENDING'
		AND (scheduled_for IS NULL OR scheduled_for <= $1)
		AND attempts < max_attempts
		ORDER BY priority ASC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("claim ready messages: %w", err)
	}

	var messages []*Message
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.ID,
			&msg.Recipient,
			&msg.Kind,
			&msg.Priority,
			&msg.PayloadText,
			&msg.MediaURL,
			&msg.ScheduledFor,
			&msg.Attempts,
			&msg.MaxAttempts,
			&msg.Status,
			&msg.CreatedAt,
			&msg.SentAt,
			&msg.Metadata,
		)
		if err != nil {
			rows.Close()
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		messages = append(messages, &msg)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("iterate claimed messages: %w", err)
	}

	return &Batch{tx: tx, messages: messages}, nil
}

// MarkSent transitions a claimed message PENDING -> SENT and stamps sent_at.
// The status guard makes a replay after a partial commit a no-op.
func (b *Batch) MarkSent(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE message_queue
		SET status = 'SENT', sent_at = $1
		WHERE id = $2 AND status = 'PENDING'
	`

	if _, err := b.tx.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark sent %d: %w", id, err)
	}

	return nil
}

// RecordAttempt stores the outcome of a failed delivery attempt. Allowed
// transitions: PENDING -> PENDING (retry on a later cycle) and
// PENDING -> FAILED (attempt cap reached or permanent gateway error).
func (b *Batch) RecordAttempt(ctx context.Context, id int64, attempts int, status Status) error {
	if status != StatusPending && status != StatusFailed {
		return fmt.Errorf("record attempt %d: invalid status transition to %s", id, status)
	}

	query := `
		UPDATE message_queue
		SET attempts = $1, status = $2
		WHERE id = $3 AND status = 'PENDING'
	`

	if _, err := b.tx.Exec(ctx, query, attempts, status, id); err != nil {
		return fmt.Errorf("record attempt %d: %w", id, err)
	}

	return nil
}

// Reschedule defers a claimed message without touching status or attempts.
func (b *Batch) Reschedule(ctx context.Context, id int64, scheduledFor time.Time) error {
	query := `UPDATE message_queue SET scheduled_for = $1 WHERE id = $2`

	if _, err := b.tx.Exec(ctx, query, scheduledFor, id); err != nil {
		return fmt.Errorf("reschedule claimed message %d: %w", id, err)
	}

	return nil
}

// Commit releases the claim, making all recorded outcomes durable.
func (b *Batch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim batch: %w", err)
	}
	return nil
}

// Close rolls the batch back if it has not been committed. Safe to defer
// alongside Commit.
func (b *Batch) Close(ctx context.Context) {
	_ = b.tx.Rollback(ctx)
}
