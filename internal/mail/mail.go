// Package mail defines the outbound mail contract. SMTP transport lives
// outside the core; the server wires a real sender in deployments and the
// logging sender everywhere else.
package mail

import (
	"context"
	"log/slog"
)

// Message is one outbound mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends messages. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer logs messages instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

// Send logs the message at info level.
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.Logger.Info("outbound mail",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}
