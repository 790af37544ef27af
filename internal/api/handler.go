// Package api exposes the admin/ops HTTP surface of the queue: forcing a
// dispatch tick, reading stats, cancelling pending messages, and running a
// broadcast sweep.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/broadcast"
	"github.com/lostfound-mu/relay/internal/queue"
)

// Processor forces one dispatcher cycle.
type Processor interface {
	ProcessOnce(ctx context.Context) error
}

// StatsReader returns 24-hour queue counts.
type StatsReader interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Canceller cancels a recipient's pending messages.
type Canceller interface {
	CancelPending(ctx context.Context, recipient string, kind *queue.Kind) (int64, error)
}

// Sweeper runs one broadcast fan-out pass.
type Sweeper interface {
	Sweep(ctx context.Context) (*broadcast.Result, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the ops endpoints.
type Handler struct {
	logger    *zap.Logger
	processor Processor
	stats     StatsReader
	canceller Canceller
	sweeper   Sweeper
}

// NewHandler creates the ops API handler.
func NewHandler(logger *zap.Logger, processor Processor, stats StatsReader, canceller Canceller, sweeper Sweeper) *Handler {
	return &Handler{
		logger:    logger,
		processor: processor,
		stats:     stats,
		canceller: canceller,
		sweeper:   sweeper,
	}
}

// ProcessQueue handles POST /queue/process: one forced dispatcher tick,
// then the current stats.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.processor.ProcessOnce(ctx); err != nil {
		h.logger.Error("forced dispatch cycle failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to process queue", "")
		return
	}

	stats, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to read queue stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to read queue stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Queue processed successfully",
		"stats":   stats,
	})
}

// QueueStats handles GET /queue/stats: 24-hour counts by status.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to read queue stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to read queue stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"stats": stats,
	})
}

// CancelRequest is the body of POST /queue/cancel.
type CancelRequest struct {
	Recipient string `json:"recipient"`
	Kind      string `json:"kind,omitempty"`
}

// CancelPending handles POST /queue/cancel.
func (h *Handler) CancelPending(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Recipient == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient", "recipient is required")
		return
	}

	var kind *queue.Kind
	if req.Kind != "" {
		k := queue.Kind(req.Kind)
		if !k.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind",
				"kind must be one of: DIRECT_REPLY, EVENT_BROADCAST, MATCH_NOTIFICATION, SYSTEM_UPDATE")
			return
		}
		kind = &k
	}

	cancelled, err := h.canceller.CancelPending(r.Context(), req.Recipient, kind)
	if err != nil {
		h.logger.Error("failed to cancel pending messages",
			zap.Error(err),
			zap.String("recipient", req.Recipient),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel pending messages", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int64{
		"cancelled": cancelled,
	})
}

// RunBroadcast handles POST /broadcast/run: one forced fan-out sweep over
// approved events.
func (h *Handler) RunBroadcast(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.Error("broadcast sweep failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "broadcast_error", "Failed to run broadcast sweep", "")
		return
	}

	h.logger.Info("broadcast sweep completed",
		zap.Int("events", result.Events),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("failed", result.Failed),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
