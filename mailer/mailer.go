// Package mailer renders and delivers the application's transactional email.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
)

// Mailer composes messages from templates and hands them to a Provider.
type Mailer struct {
	config   Config
	provider Provider
	engine   *TemplateEngine
}

// New builds a Mailer from config, creating the configured provider.
func New(config Config) (*Mailer, error) {
	if config.Provider == "" {
		config.Provider = "log"
	}
	provider, err := GetProvider(config.Provider, config.ProviderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize email provider %q: %w", config.Provider, err)
	}
	return NewWithProvider(config, provider)
}

// NewWithProvider builds a Mailer around an existing provider.
func NewWithProvider(config Config, provider Provider) (*Mailer, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrProviderConfig)
	}
	if config.FromEmail == "" {
		return nil, fmt.Errorf("%w: from email is required", ErrProviderConfig)
	}

	sources := DefaultTemplates()
	for name, tmpl := range config.Templates {
		sources[name] = tmpl
	}
	engine, err := NewTemplateEngine(sources)
	if err != nil {
		return nil, err
	}

	slog.Info("Mailer initialized", "provider", provider.Name(), "from", config.FromEmail)

	return &Mailer{config: config, provider: provider, engine: engine}, nil
}

// Send renders the named template for data and delivers it to to.
func (m *Mailer) Send(ctx context.Context, to string, name TemplateName, data Data) error {
	data.AppName = m.config.AppName
	data.SupportEmail = m.config.SupportEmail

	subject, text, html, err := m.engine.Render(name, &data)
	if err != nil {
		return err
	}

	msg := &Message{
		To:        to,
		Subject:   subject,
		TextBody:  text,
		HTMLBody:  html,
		FromEmail: m.config.FromEmail,
		FromName:  m.config.FromName,
	}

	if err := m.provider.Send(ctx, msg); err != nil {
		slog.Error("Failed to send email", "provider", m.provider.Name(), "template", name, "error", err)
		return err
	}

	slog.Debug("Email sent", "provider", m.provider.Name(), "template", name)
	return nil
}

// Provider returns the underlying provider.
func (m *Mailer) Provider() Provider {
	return m.provider
}

// Close releases the provider.
func (m *Mailer) Close() error {
	return m.provider.Close()
}
