package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lostfound-mu/relay/internal/admission"
	"github.com/lostfound-mu/relay/internal/gateway"
	"github.com/lostfound-mu/relay/internal/queue"
)

type fakeBatch struct {
	messages    []*queue.Message
	sent        []int64
	attempts    map[int64]int
	statuses    map[int64]queue.Status
	rescheduled map[int64]time.Time
	committed   bool
	closed      bool
}

func newFakeBatch(messages ...*queue.Message) *fakeBatch {
	return &fakeBatch{
		messages:    messages,
		attempts:    make(map[int64]int),
		statuses:    make(map[int64]queue.Status),
		rescheduled: make(map[int64]time.Time),
	}
}

func (b *fakeBatch) Messages() []*queue.Message { return b.messages }

func (b *fakeBatch) MarkSent(ctx context.Context, id int64, at time.Time) error {
	b.sent = append(b.sent, id)
	return nil
}

func (b *fakeBatch) RecordAttempt(ctx context.Context, id int64, attempts int, status queue.Status) error {
	b.attempts[id] = attempts
	b.statuses[id] = status
	return nil
}

func (b *fakeBatch) Reschedule(ctx context.Context, id int64, scheduledFor time.Time) error {
	b.rescheduled[id] = scheduledFor
	return nil
}

func (b *fakeBatch) Commit(ctx context.Context) error {
	b.committed = true
	return nil
}

func (b *fakeBatch) Close(ctx context.Context) { b.closed = true }

type fakeClaimer struct {
	batch *fakeBatch
	err   error
}

func (c *fakeClaimer) ClaimReady(ctx context.Context, now time.Time, limit int) (Batch, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.batch, nil
}

type fakeAdmitter struct {
	decision admission.Decision
	err      error
}

func (a *fakeAdmitter) Admit(ctx context.Context, recipient string, kind queue.Kind, force bool, now time.Time) (admission.Decision, error) {
	return a.decision, a.err
}

type fakeGateway struct {
	textErr   error
	mediaErr  error
	textSent  []string
	mediaSent []string
}

func (g *fakeGateway) SendText(ctx context.Context, recipient, text string) error {
	g.textSent = append(g.textSent, recipient)
	return g.textErr
}

func (g *fakeGateway) SendMedia(ctx context.Context, recipient, mediaURL, caption string) error {
	g.mediaSent = append(g.mediaSent, recipient)
	return g.mediaErr
}

func testMessage(id int64) *queue.Message {
	return &queue.Message{
		ID:          id,
		Recipient:   "+254700000001",
		Kind:        queue.KindSystemUpdate,
		Priority:    5,
		PayloadText: "maintenance tonight",
		MaxAttempts: 3,
		Status:      queue.StatusPending,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
}

func testDispatcher(claimer Claimer, admitter Admitter, gw gateway.Gateway) *Dispatcher {
	return New(claimer, admitter, gw, Config{
		SendRate: rate.Limit(10000), // keep tests fast
	}, zap.NewNop())
}

func TestProcessOnceDeliversAndCommits(t *testing.T) {
	batch := newFakeBatch(testMessage(1), testMessage(2))
	gw := &fakeGateway{}
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{}, gw)

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if len(batch.sent) != 2 {
		t.Errorf("marked sent %d messages, want 2", len(batch.sent))
	}
	if len(gw.textSent) != 2 {
		t.Errorf("gateway sent %d messages, want 2", len(gw.textSent))
	}
	if !batch.committed {
		t.Error("batch was not committed")
	}
	if !batch.closed {
		t.Error("batch was not closed")
	}
}

func TestProcessOnceEmptyBatch(t *testing.T) {
	batch := newFakeBatch()
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{}, &fakeGateway{})

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if !batch.committed {
		t.Error("empty batch should still commit to release the claim")
	}
}

func TestProcessOnceClaimFailure(t *testing.T) {
	d := testDispatcher(&fakeClaimer{err: errors.New("connection refused")}, &fakeAdmitter{}, &fakeGateway{})

	if err := d.ProcessOnce(context.Background()); err == nil {
		t.Fatal("expected claim error to surface")
	}
}

func TestProcessOnceRoutesMediaMessages(t *testing.T) {
	msg := testMessage(1)
	mediaURL := "https://cdn.example.com/poster.jpg"
	msg.MediaURL = &mediaURL

	batch := newFakeBatch(msg)
	gw := &fakeGateway{}
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{}, gw)

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if len(gw.mediaSent) != 1 || len(gw.textSent) != 0 {
		t.Errorf("media=%d text=%d, want media=1 text=0", len(gw.mediaSent), len(gw.textSent))
	}
}

func TestProcessOnceTransientFailureStaysPending(t *testing.T) {
	msg := testMessage(1)
	batch := newFakeBatch(msg)
	gw := &fakeGateway{textErr: fmt.Errorf("twilio returned 503: %w", gateway.ErrTransient)}
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{}, gw)

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if batch.attempts[1] != 1 {
		t.Errorf("attempts = %d, want 1", batch.attempts[1])
	}
	if batch.statuses[1] != queue.StatusPending {
		t.Errorf("status = %s, want PENDING for a retryable failure", batch.statuses[1])
	}
}

func TestProcessOnceTransientFailureExhaustsAttempts(t *testing.T) {
	msg := testMessage(1)
	msg.Attempts = 2 // third attempt is the last
	batch := newFakeBatch(msg)
	gw := &fakeGateway{textErr: fmt.Errorf("twilio returned 503: %w", gateway.ErrTransient)}
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{}, gw)

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if batch.attempts[1] != 3 {
		t.Errorf("attempts = %d, want 3", batch.attempts[1])
	}
	if batch.statuses[1] != queue.StatusFailed {
		t.Errorf("status = %s, want FAILED after max attempts", batch.statuses[1])
	}
}

func TestProcessOncePermanentFailureFailsImmediately(t *testing.T) {
	msg := testMessage(1)
	batch := newFakeBatch(msg)
	gw := &fakeGateway{textErr: fmt.Errorf("twilio returned 400: %w", gateway.ErrPermanent)}
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{}, gw)

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if batch.statuses[1] != queue.StatusFailed {
		t.Errorf("status = %s, want FAILED on first permanent failure", batch.statuses[1])
	}
	if batch.attempts[1] != 1 {
		t.Errorf("attempts = %d, want 1", batch.attempts[1])
	}
}

func TestProcessOnceDeferredMessageRescheduled(t *testing.T) {
	msg := testMessage(1)
	batch := newFakeBatch(msg)
	gw := &fakeGateway{}
	later := time.Now().Add(10 * time.Hour)
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{
		decision: admission.Decision{Outcome: admission.Defer, At: later},
	}, gw)

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if got, ok := batch.rescheduled[1]; !ok || !got.Equal(later) {
		t.Errorf("rescheduled[1] = %v, want %v", got, later)
	}
	if len(gw.textSent) != 0 {
		t.Error("deferred message must not reach the gateway")
	}
}

func TestProcessOnceAdmissionErrorSkipsMessage(t *testing.T) {
	msg := testMessage(1)
	batch := newFakeBatch(msg)
	gw := &fakeGateway{}
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{err: errors.New("connection refused")}, gw)

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}

	if len(gw.textSent) != 0 {
		t.Error("message with failed admission re-check must not be sent")
	}
	if len(batch.sent) != 0 || len(batch.attempts) != 0 || len(batch.rescheduled) != 0 {
		t.Error("message with failed admission re-check must stay untouched")
	}
	if !batch.committed {
		t.Error("batch should still commit")
	}
}

func TestKickIsNonBlocking(t *testing.T) {
	d := testDispatcher(&fakeClaimer{batch: newFakeBatch()}, &fakeAdmitter{}, &fakeGateway{})

	// Repeated kicks without a running loop must not block.
	for i := 0; i < 10; i++ {
		d.Kick()
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	batch := newFakeBatch()
	d := testDispatcher(&fakeClaimer{batch: batch}, &fakeAdmitter{}, &fakeGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Kick()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}
}
