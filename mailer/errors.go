package mailer

import (
	"errors"
)

// Errors returned by the mailer
var (
	// ErrProviderNotFound is returned when an email provider is not registered
	ErrProviderNotFound = errors.New("email provider not found")
	// ErrProviderConfig is returned when provider configuration is invalid
	ErrProviderConfig = errors.New("invalid provider configuration")
	// ErrSendFailed is returned when a provider rejects or fails to deliver a message
	ErrSendFailed = errors.New("failed to send email")
	// ErrTemplateRender is returned when template rendering fails
	ErrTemplateRender = errors.New("failed to render email template")
	// ErrTemplateNotFound is returned for an unknown template name
	ErrTemplateNotFound = errors.New("email template not found")
)
