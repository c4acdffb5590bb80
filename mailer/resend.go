package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ResendProvider implements email sending via the Resend API
type ResendProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type resendResponse struct {
	ID    string `json:"id"`
	Error string `json:"message,omitempty"`
}

// NewResendProvider creates a Resend provider. Config keys: api_key (required),
// base_url, timeout (time.Duration).
func NewResendProvider(config map[string]any) (Provider, error) {
	apiKey, ok := config["api_key"].(string)
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("%w: api_key is required for Resend provider", ErrProviderConfig)
	}

	baseURL := "https://api.resend.com"
	if url, ok := config["base_url"].(string); ok && url != "" {
		baseURL = url
	}

	timeout := 10 * time.Second
	if t, ok := config["timeout"].(time.Duration); ok && t > 0 {
		timeout = t
	}

	return &ResendProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider name
func (r *ResendProvider) Name() string {
	return "resend"
}

// Send delivers a message through the Resend API
func (r *ResendProvider) Send(ctx context.Context, message *Message) error {
	reqBody := resendRequest{
		From:    message.From(),
		To:      []string{message.To},
		Subject: message.Subject,
		Text:    message.TextBody,
		HTML:    message.HTMLBody,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal request: %v", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrSendFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	var out resendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode < 400 {
		return fmt.Errorf("%w: failed to decode response: %v", ErrSendFailed, err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: Resend API error (%d): %s", ErrSendFailed, resp.StatusCode, out.Error)
	}

	return nil
}

// Close cleans up resources
func (r *ResendProvider) Close() error {
	return nil
}
