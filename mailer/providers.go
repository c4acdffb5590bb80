package mailer

import (
	"context"
	"sort"
)

// Provider delivers composed messages.
type Provider interface {
	// Name returns the name of the provider
	Name() string

	// Send delivers a message
	Send(ctx context.Context, message *Message) error

	// Close cleans up any resources
	Close() error
}

// ProviderFactory creates a provider from its configuration map.
type ProviderFactory func(config map[string]any) (Provider, error)

var providers = map[string]ProviderFactory{
	"resend": NewResendProvider,
	"log":    NewLogProvider,
}

// RegisterProvider registers a new email provider
func RegisterProvider(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider creates a new instance of the named provider
func GetProvider(name string, config map[string]any) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return factory(config)
}

// ListProviders returns the registered provider names
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
