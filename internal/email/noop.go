package email

import (
	"context"

	"go.uber.org/zap"
)

// NoopSender logs messages instead of delivering them. Used in
// development when no SMTP relay is configured.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender creates a NoopSender.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send logs the message and succeeds.
func (s *NoopSender) Send(_ context.Context, to, subject, _ string) error {
	s.logger.Info("email suppressed (noop sender)",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	return nil
}
