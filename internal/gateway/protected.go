package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/circuitbreaker"
)

// ProtectedGateway wraps a Gateway with a circuit breaker. When the
// downstream API keeps failing, sends fail fast as transient errors; the
// messages stay pending and retry after the breaker's recovery probe.
type ProtectedGateway struct {
	gw      Gateway
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedGateway wraps a gateway with circuit breaker protection.
func NewProtectedGateway(gw Gateway, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gw:      gw,
		breaker: breaker,
		logger:  logger,
	}
}

// SendText sends through the breaker.
func (p *ProtectedGateway) SendText(ctx context.Context, recipient, text string) error {
	return p.send(ctx, recipient, func() error {
		return p.gw.SendText(ctx, recipient, text)
	})
}

// SendMedia sends through the breaker.
func (p *ProtectedGateway) SendMedia(ctx context.Context, recipient, mediaURL, caption string) error {
	return p.send(ctx, recipient, func() error {
		return p.gw.SendMedia(ctx, recipient, mediaURL, caption)
	})
}

func (p *ProtectedGateway) send(ctx context.Context, recipient string, call func() error) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("recipient", recipient),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %w", ErrTransient, circuitbreaker.ErrCircuitOpen)
	}

	err := call()
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case IsPermanent(err):
		// A permanent rejection means the API is up and answered; only
		// transient failures count against the breaker.
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
	}

	return err
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedGateway) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
