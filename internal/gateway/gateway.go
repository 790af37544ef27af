// Package gateway is the outbound port to the chat provider. The queue
// hands it opaque text/media payloads and only looks at the error class of
// the result: transient failures are retried up to the attempt cap,
// permanent ones fail the message immediately.
package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Sentinel classes for delivery failures. Adapters wrap concrete errors
// with one of these; unclassified errors are treated as transient.
var (
	ErrTransient = errors.New("transient gateway failure")
	ErrPermanent = errors.New("permanent gateway failure")
)

// IsPermanent reports whether err is fatal for the message.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Gateway transmits one message to one recipient. Implementations own the
// error classification and the per-call timeout.
type Gateway interface {
	SendText(ctx context.Context, recipient, text string) error
	SendMedia(ctx context.Context, recipient, mediaURL, caption string) error
}

// LogGateway logs instead of sending. Used in development and tests.
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) SendText(ctx context.Context, recipient, text string) error {
	g.logger.Info("text message delivered (log gateway)",
		zap.String("recipient", recipient),
		zap.Int("length", len(text)),
	)
	return nil
}

func (g *LogGateway) SendMedia(ctx context.Context, recipient, mediaURL, caption string) error {
	g.logger.Info("media message delivered (log gateway)",
		zap.String("recipient", recipient),
		zap.String("media_url", mediaURL),
		zap.Int("caption_length", len(caption)),
	)
	return nil
}
