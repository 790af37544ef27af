package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/broadcast"
	"github.com/lostfound-mu/relay/internal/queue"
)

type fakeProcessor struct {
	err   error
	calls int
}

func (f *fakeProcessor) ProcessOnce(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeStats struct {
	stats *queue.Stats
	err   error
}

func (f *fakeStats) Stats(ctx context.Context) (*queue.Stats, error) {
	return f.stats, f.err
}

type fakeCanceller struct {
	cancelled int64
	err       error
	recipient string
	kind      *queue.Kind
}

func (f *fakeCanceller) CancelPending(ctx context.Context, recipient string, kind *queue.Kind) (int64, error) {
	f.recipient = recipient
	f.kind = kind
	return f.cancelled, f.err
}

type fakeSweeper struct {
	result *broadcast.Result
	err    error
}

func (f *fakeSweeper) Sweep(ctx context.Context) (*broadcast.Result, error) {
	return f.result, f.err
}

func testHandler(p *fakeProcessor, s *fakeStats, c *fakeCanceller, sw *fakeSweeper) *Handler {
	if p == nil {
		p = &fakeProcessor{}
	}
	if s == nil {
		s = &fakeStats{stats: &queue.Stats{Pending: 2, Sent: 10, Failed: 1, Total: 13}}
	}
	if c == nil {
		c = &fakeCanceller{}
	}
	if sw == nil {
		sw = &fakeSweeper{result: &broadcast.Result{}}
	}
	return NewHandler(zap.NewNop(), p, s, c, sw)
}

func TestProcessQueue(t *testing.T) {
	processor := &fakeProcessor{}
	h := testHandler(processor, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/queue/process", nil)
	rec := httptest.NewRecorder()
	h.ProcessQueue(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if processor.calls != 1 {
		t.Errorf("ProcessOnce called %d times, want 1", processor.calls)
	}

	var resp struct {
		Message string       `json:"message"`
		Stats   *queue.Stats `json:"stats"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != "Queue processed successfully" {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.Stats == nil || resp.Stats.Sent != 10 {
		t.Errorf("stats = %+v", resp.Stats)
	}
}

func TestProcessQueueDispatchError(t *testing.T) {
	h := testHandler(&fakeProcessor{err: errors.New("claim failed")}, nil, nil, nil)

	rec := httptest.NewRecorder()
	h.ProcessQueue(rec, httptest.NewRequest(http.MethodPost, "/queue/process", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %s", ct)
	}
}

func TestQueueStats(t *testing.T) {
	h := testHandler(nil, &fakeStats{stats: &queue.Stats{Pending: 7, Total: 7}}, nil, nil)

	rec := httptest.NewRecorder()
	h.QueueStats(rec, httptest.NewRequest(http.MethodGet, "/queue/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Stats *queue.Stats `json:"stats"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Stats.Pending != 7 {
		t.Errorf("pending = %d, want 7", resp.Stats.Pending)
	}
}

func TestQueueStatsError(t *testing.T) {
	h := testHandler(nil, &fakeStats{err: errors.New("connection refused")}, nil, nil)

	rec := httptest.NewRecorder()
	h.QueueStats(rec, httptest.NewRequest(http.MethodGet, "/queue/stats", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestCancelPending(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   *queue.Kind
	}{
		{
			name:       "recipient only",
			body:       `{"recipient": "+254700000001"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "recipient and kind",
			body:       `{"recipient": "+254700000001", "kind": "EVENT_BROADCAST"}`,
			wantStatus: http.StatusOK,
			wantKind:   kindPtr(queue.KindEventBroadcast),
		},
		{
			name:       "missing recipient",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown kind",
			body:       `{"recipient": "+254700000001", "kind": "NEWSLETTER"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canceller := &fakeCanceller{cancelled: 2}
			h := testHandler(nil, nil, canceller, nil)

			req := httptest.NewRequest(http.MethodPost, "/queue/cancel", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.CancelPending(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}

			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp map[string]int64
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["cancelled"] != 2 {
				t.Errorf("cancelled = %d, want 2", resp["cancelled"])
			}
			if tt.wantKind != nil {
				if canceller.kind == nil || *canceller.kind != *tt.wantKind {
					t.Errorf("kind = %v, want %v", canceller.kind, *tt.wantKind)
				}
			} else if canceller.kind != nil {
				t.Errorf("kind = %v, want nil", canceller.kind)
			}
		})
	}
}

func TestRunBroadcast(t *testing.T) {
	h := testHandler(nil, nil, nil, &fakeSweeper{
		result: &broadcast.Result{Events: 2, Enqueued: 40, Failed: 1},
	})

	rec := httptest.NewRecorder()
	h.RunBroadcast(rec, httptest.NewRequest(http.MethodPost, "/broadcast/run", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var result broadcast.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Events != 2 || result.Enqueued != 40 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestRunBroadcastError(t *testing.T) {
	h := testHandler(nil, nil, nil, &fakeSweeper{err: errors.New("connection refused")})

	rec := httptest.NewRecorder()
	h.RunBroadcast(rec, httptest.NewRequest(http.MethodPost, "/broadcast/run", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func kindPtr(k queue.Kind) *queue.Kind { return &k }
