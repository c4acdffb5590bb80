package mailer

import (
	"fmt"
	"time"
)

// TemplateName identifies one of the built-in emails.
type TemplateName string

const (
	TemplateOnboarding    TemplateName = "onboarding"
	TemplateResetPassword TemplateName = "reset-password"
	TemplateChangeEmail   TemplateName = "change-email"
	TemplateEmailChanged  TemplateName = "email-changed"
)

// Template is the source of one email. Subject and TextBody use text/template,
// HTMLBody uses html/template.
type Template struct {
	Subject  string
	TextBody string
	HTMLBody string
}

// Data is passed to every template. AppName and SupportEmail are filled in by
// the Mailer.
type Data struct {
	AppName      string
	SupportEmail string

	Code      string
	VerifyURL string
	ExpiresAt time.Time

	Username string
	OldEmail string
	NewEmail string
}

// Message is a composed email ready to send.
type Message struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	TextBody  string `json:"text_body"`
	HTMLBody  string `json:"html_body,omitempty"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// From renders the From header.
func (m *Message) From() string {
	if m.FromName == "" {
		return m.FromEmail
	}
	return fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail)
}

// Config configures a Mailer.
type Config struct {
	Provider       string
	ProviderConfig map[string]any

	FromEmail    string
	FromName     string
	AppName      string
	SupportEmail string

	// Templates overrides built-in templates by name.
	Templates map[TemplateName]Template
}

// DefaultConfig returns a development configuration that logs instead of sending.
func DefaultConfig() Config {
	return Config{
		Provider:       "log",
		ProviderConfig: map[string]any{},
		FromEmail:      "hello@epicstack.dev",
		AppName:        "Epic Notes",
		SupportEmail:   "support@epicstack.dev",
	}
}

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() map[TemplateName]Template {
	return map[TemplateName]Template{
		TemplateOnboarding: {
			Subject: "Welcome to {{.AppName}}!",
			TextBody: `Welcome to {{.AppName}}!

Here's your verification code: {{.Code}}

Or open this link to finish signing up:
{{.VerifyURL}}

The code expires at {{.ExpiresAt.Format "15:04 MST"}}.`,
			HTMLBody: `<p>Welcome to {{.AppName}}!</p>
<p>Here's your verification code: <strong>{{.Code}}</strong></p>
<p>Or click the link to get started: <a href="{{.VerifyURL}}">{{.VerifyURL}}</a></p>`,
		},
		TemplateResetPassword: {
			Subject: "{{.AppName}} Password Reset",
			TextBody: `Here's your verification code: {{.Code}}

Or open this link to reset your password:
{{.VerifyURL}}

If you didn't request this, you can ignore this email.`,
			HTMLBody: `<p>Here's your verification code: <strong>{{.Code}}</strong></p>
<p>Or click the link: <a href="{{.VerifyURL}}">{{.VerifyURL}}</a></p>`,
		},
		TemplateChangeEmail: {
			Subject: "{{.AppName}} Email Change Verification",
			TextBody: `Here's your verification code: {{.Code}}

Or open this link to confirm {{.NewEmail}} as your new address:
{{.VerifyURL}}`,
			HTMLBody: `<p>Here's your verification code: <strong>{{.Code}}</strong></p>
<p>Or click the link: <a href="{{.VerifyURL}}">{{.VerifyURL}}</a></p>`,
		},
		TemplateEmailChanged: {
			Subject: "Your {{.AppName}} email has been changed",
			TextBody: `The email for {{.Username}} was changed to {{.NewEmail}}.

If you did not make this change, contact {{.SupportEmail}} immediately.`,
			HTMLBody: `<p>The email for <strong>{{.Username}}</strong> was changed to {{.NewEmail}}.</p>
<p>If you did not make this change, contact <a href="mailto:{{.SupportEmail}}">{{.SupportEmail}}</a> immediately.</p>`,
		},
	}
}
