package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/admission"
	"github.com/lostfound-mu/relay/internal/metrics"
	"github.com/lostfound-mu/relay/internal/queue"
)

// Inserter is the slice of the queue store the enqueue path needs.
type Inserter interface {
	Insert(ctx context.Context, msg *queue.Message) error
	CancelPending(ctx context.Context, recipient string, kind *queue.Kind) (int64, error)
}

// Request is one producer enqueue call.
type Request struct {
	Recipient      string
	Kind           queue.Kind
	PayloadText    string
	Priority       int             // 0 means the default of 5
	MediaURL       *string         // payload text becomes the caption
	Metadata       json.RawMessage // producer correlation, e.g. source event id
	ForceImmediate bool            // bypass calendar and throttle
	MaxAttempts    int             // 0 means the configured default
}

// Enqueuer is the producer-facing entry point. It applies initial
// scheduling through admission, writes the row durably, and kicks the
// dispatcher for messages that are eligible right away.
type Enqueuer struct {
	store       Inserter
	admitter    Admitter
	kick        func()
	maxAttempts int
	logger      *zap.Logger
}

// NewEnqueuer creates an enqueuer. kick may be nil for producers that never
// want an immediate dispatch tick.
func NewEnqueuer(store Inserter, admitter Admitter, kick func(), maxAttempts int, logger *zap.Logger) *Enqueuer {
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	if kick == nil {
		kick = func() {}
	}

	return &Enqueuer{
		store:       store,
		admitter:    admitter,
		kick:        kick,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Enqueue schedules one outbound message. The call returns only after the
// row is durably committed; store failures surface to the producer.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (*queue.Message, error) {
	if req.Recipient == "" {
		return nil, fmt.Errorf("enqueue: recipient is required")
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("enqueue: unknown message kind %q", req.Kind)
	}
	if req.PayloadText == "" {
		return nil, fmt.Errorf("enqueue: payload text is required")
	}

	now := time.Now()

	decision, err := e.admitter.Admit(ctx, req.Recipient, req.Kind, req.ForceImmediate, now)
	if err != nil {
		return nil, fmt.Errorf("enqueue admission: %w", err)
	}

	scheduledFor := now
	if decision.Outcome == admission.Defer {
		scheduledFor = decision.At
	}

	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = e.maxAttempts
	}

	msg := &queue.Message{
		Recipient:    req.Recipient,
		Kind:         req.Kind,
		Priority:     priority,
		PayloadText:  req.PayloadText,
		MediaURL:     req.MediaURL,
		ScheduledFor: &scheduledFor,
		Attempts:     0,
		MaxAttempts:  maxAttempts,
		Status:       queue.StatusPending,
		Metadata:     req.Metadata,
	}

	if err := e.store.Insert(ctx, msg); err != nil {
		return nil, err
	}

	metrics.RecordEnqueued(string(req.Kind))
	e.logger.Info("message queued",
		zap.Int64("id", msg.ID),
		zap.String("recipient", msg.Recipient),
		zap.String("kind", string(msg.Kind)),
		zap.Time("scheduled_for", scheduledFor),
	)

	if !scheduledFor.After(now) {
		e.kick()
	}

	return msg, nil
}

// CancelPending marks the recipient's pending messages cancelled, optionally
// filtered by kind. Advisory with respect to in-flight dispatch cycles.
func (e *Enqueuer) CancelPending(ctx context.Context, recipient string, kind *queue.Kind) (int64, error) {
	cancelled, err := e.store.CancelPending(ctx, recipient, kind)
	if err != nil {
		return 0, err
	}

	if cancelled > 0 {
		e.logger.Info("pending messages cancelled",
			zap.String("recipient", recipient),
			zap.Int64("count", cancelled),
		)
	}

	return cancelled, nil
}
