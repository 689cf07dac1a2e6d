package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Severity ranks an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is a single operator-facing alert
type Notification struct {
	Severity  Severity  `json:"severity"`
	Target    string    `json:"target"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink delivers notifications to operators
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Multi fans a notification out to every sink and returns the combined error
type Multi []Sink

func (m Multi) Send(ctx context.Context, n Notification) error {
	var err error
	for _, s := range m {
		if sendErr := s.Send(ctx, n); sendErr != nil {
			err = multierr.Append(err, sendErr)
		}
	}
	return err
}

// LogSink writes notifications to the structured log
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("severity", string(n.Severity)),
		zap.String("target", n.Target),
		zap.String("subject", n.Subject),
		zap.String("message", n.Message),
	}

	switch n.Severity {
	case SeverityCritical:
		s.logger.Error("Operator alert", fields...)
	case SeverityWarning:
		s.logger.Warn("Operator alert", fields...)
	case SeverityInfo:
		s.logger.Info("Operator alert", fields...)
	default:
		return fmt.Errorf("unknown severity %q", n.Severity)
	}
	return nil
}
