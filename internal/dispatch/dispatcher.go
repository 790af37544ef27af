// Package dispatch contains the delivery loop that drains the message queue
// and the enqueue API that producers feed it with.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lostfound-mu/relay/internal/admission"
	"github.com/lostfound-mu/relay/internal/gateway"
	"github.com/lostfound-mu/relay/internal/metrics"
	"github.com/lostfound-mu/relay/internal/queue"
)

// Batch is one transactional claim of ready messages. Outcome records stay
// invisible to other workers until Commit.
type Batch interface {
	Messages() []*queue.Message
	MarkSent(ctx context.Context, id int64, at time.Time) error
	RecordAttempt(ctx context.Context, id int64, attempts int, status queue.Status) error
	Reschedule(ctx context.Context, id int64, scheduledFor time.Time) error
	Commit(ctx context.Context) error
	Close(ctx context.Context)
}

// Claimer produces claim batches. Implemented by the queue store.
type Claimer interface {
	ClaimReady(ctx context.Context, now time.Time, limit int) (Batch, error)
}

// Admitter re-checks admission for claimed messages. Between enqueue and
// claim the calendar may have gone quiet or fan-out from other producers may
// have tripped the recipient's throttle.
type Admitter interface {
	Admit(ctx context.Context, recipient string, kind queue.Kind, force bool, now time.Time) (admission.Decision, error)
}

// Config holds dispatcher tuning knobs.
type Config struct {
	TickInterval time.Duration // cadence of unprompted cycles
	BatchSize    int           // max messages claimed per cycle
	SendRate     rate.Limit    // outbound pacing, sends per second
}

// Dispatcher pulls ready messages in priority order and delivers them
// through the gateway. One logical dispatcher runs per deployment; the
// skip-locked claim makes extra workers safe.
type Dispatcher struct {
	claimer  Claimer
	admitter Admitter
	gw       gateway.Gateway
	limiter  *rate.Limiter
	config   Config
	logger   *zap.Logger
	kick     chan struct{}
}

// New creates a dispatcher. Zero config fields get defaults: 5s tick,
// batches of 50, one send per second.
func New(claimer Claimer, admitter Admitter, gw gateway.Gateway, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.SendRate == 0 {
		cfg.SendRate = rate.Limit(1)
	}

	return &Dispatcher{
		claimer:  claimer,
		admitter: admitter,
		gw:       gw,
		limiter:  rate.NewLimiter(cfg.SendRate, 1),
		config:   cfg,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an immediate cycle. Best-effort: if a kick is already
// queued the call is a no-op.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled, with extra cycles on Kick.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
		case <-d.kick:
		}
		if err := d.ProcessOnce(ctx); err != nil {
			d.logger.Error("dispatch cycle failed", zap.Error(err))
		}
	}
}

// ProcessOnce runs a single dispatch cycle: claim, re-admit, send, record,
// commit. Per-message failures never abort the cycle; a store failure on
// claim skips the cycle entirely without touching any message.
func (d *Dispatcher) ProcessOnce(ctx context.Context) error {
	now := time.Now()

	batch, err := d.claimer.ClaimReady(ctx, now, d.config.BatchSize)
	if err != nil {
		return err
	}
	defer batch.Close(ctx)

	claimed := batch.Messages()
	if len(claimed) == 0 {
		return batch.Commit(ctx)
	}

	d.logger.Info("processing claimed messages", zap.Int("count", len(claimed)))

	for _, msg := range claimed {
		d.processMessage(ctx, batch, msg, now)

		select {
		case <-ctx.Done():
			// Commit what was already recorded before shutting down.
			return batch.Commit(ctx)
		default:
		}
	}

	return batch.Commit(ctx)
}

func (d *Dispatcher) processMessage(ctx context.Context, batch Batch, msg *queue.Message, now time.Time) {
	decision, err := d.admitter.Admit(ctx, msg.Recipient, msg.Kind, false, now)
	if err != nil {
		// Leave the row untouched; the next cycle re-evaluates it.
		d.logger.Warn("admission re-check failed, skipping message",
			zap.Int64("id", msg.ID),
			zap.Error(err),
		)
		return
	}

	if decision.Outcome == admission.Defer {
		if err := batch.Reschedule(ctx, msg.ID, decision.At); err != nil {
			d.logger.Error("failed to reschedule deferred message",
				zap.Int64("id", msg.ID),
				zap.Error(err),
			)
		}
		metrics.RecordDeferred(string(msg.Kind))
		return
	}

	// Pace outbound calls to stay under the gateway's rate limits.
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	sendErr := d.send(ctx, msg)
	if sendErr == nil {
		if err := batch.MarkSent(ctx, msg.ID, time.Now()); err != nil {
			d.logger.Error("failed to mark message sent",
				zap.Int64("id", msg.ID),
				zap.Error(err),
			)
			return
		}
		metrics.RecordDelivered(string(msg.Kind))
		metrics.RecordDeliveryLatency(string(msg.Kind), time.Since(msg.CreatedAt))
		d.logger.Info("message sent",
			zap.Int64("id", msg.ID),
			zap.String("recipient", msg.Recipient),
			zap.String("kind", string(msg.Kind)),
		)
		return
	}

	attempts := msg.Attempts + 1
	status := queue.StatusPending
	if gateway.IsPermanent(sendErr) || attempts >= msg.MaxAttempts {
		status = queue.StatusFailed
	}

	d.logger.Error("failed to send message",
		zap.Int64("id", msg.ID),
		zap.String("recipient", msg.Recipient),
		zap.Int("attempt", attempts),
		zap.String("next_status", string(status)),
		zap.Error(sendErr),
	)

	if err := batch.RecordAttempt(ctx, msg.ID, attempts, status); err != nil {
		d.logger.Error("failed to record delivery attempt",
			zap.Int64("id", msg.ID),
			zap.Error(err),
		)
		return
	}
	if status == queue.StatusFailed {
		metrics.RecordFailed(string(msg.Kind), gateway.IsPermanent(sendErr))
	}
}

func (d *Dispatcher) send(ctx context.Context, msg *queue.Message) error {
	if msg.MediaURL != nil && *msg.MediaURL != "" {
		return d.gw.SendMedia(ctx, msg.Recipient, *msg.MediaURL, msg.PayloadText)
	}
	return d.gw.SendText(ctx, msg.Recipient, msg.PayloadText)
}

// StoreClaimer adapts the concrete queue store to the Claimer interface.
type StoreClaimer struct {
	Store *queue.Store
}

func (c StoreClaimer) ClaimReady(ctx context.Context, now time.Time, limit int) (Batch, error) {
	batch, err := c.Store.ClaimReady(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	return batch, nil
}
