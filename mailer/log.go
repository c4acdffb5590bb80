package mailer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogProvider writes messages to a writer instead of delivering them. It is
// meant for local development where no provider key is configured.
type LogProvider struct {
	mu  sync.Mutex
	out io.Writer
}

// NewLogProvider creates a LogProvider. Config key: writer (io.Writer), default stderr.
func NewLogProvider(config map[string]any) (Provider, error) {
	var out io.Writer = os.Stderr
	if w, ok := config["writer"].(io.Writer); ok && w != nil {
		out = w
	}
	return &LogProvider{out: out}, nil
}

// Name returns the provider name
func (l *LogProvider) Name() string {
	return "log"
}

// Send prints the text body of the message.
func (l *LogProvider) Send(ctx context.Context, message *Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	slog.Info("Email not delivered, no provider configured", "to", message.To, "subject", message.Subject)
	_, err := fmt.Fprintf(l.out, "To: %s\nFrom: %s\nSubject: %s\n\n%s\n\n", message.To, message.From(), message.Subject, message.TextBody)
	return err
}

// Close cleans up resources
func (l *LogProvider) Close() error {
	return nil
}
