package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/dispatch"
)

// ProtectedSender wraps a channel sender with a CircuitBreaker. When the
// provider behind the channel starts failing, sends fail fast with
// ErrCircuitOpen; the dispatcher treats that like any other channel failure,
// so the sibling channel and attempt recording are unaffected.
type ProtectedSender struct {
	sender  dispatch.ChannelSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender dispatch.ChannelSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts the send through the breaker.
func (p *ProtectedSender) Send(ctx context.Context, r *dispatch.Reminder) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("case_id", r.CaseID.String()),
			zap.String("channel", p.sender.Channel()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, r)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Channel delegates to the underlying sender.
func (p *ProtectedSender) Channel() string {
	return p.sender.Channel()
}

// Breaker exposes the underlying breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
