package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/wispberry-tech/epic-auth/totp"
)

// VerificationType names the flow a verification record belongs to.
type VerificationType string

const (
	VerificationOnboarding    VerificationType = "onboarding"
	VerificationResetPassword VerificationType = "reset-password"
	VerificationChangeEmail   VerificationType = "change-email"
	VerificationTwoFactor     VerificationType = "2fa"
	VerificationTwoFactorInit VerificationType = "2fa-verify"
)

// Valid reports whether t is one of the supported verification types.
func (t VerificationType) Valid() bool {
	switch t {
	case VerificationOnboarding, VerificationResetPassword, VerificationChangeEmail,
		VerificationTwoFactor, VerificationTwoFactorInit:
		return true
	}
	return false
}

// IssueRequest describes a verification to create. Period is the lifetime of
// the code; zero values fall back to the configured defaults.
type IssueRequest struct {
	Type       VerificationType
	Target     string
	Period     time.Duration
	RedirectTo string

	Algorithm totp.Algorithm
	Digits    int
	CharSet   string
}

// IssueResult carries what the user needs to complete a verification.
type IssueResult struct {
	OTP         string
	VerifyURL   string // verify page with the code prefilled, for emails
	RedirectURL string // verify page without the code, for the issuing response
}

// IssueVerification creates or replaces the record for (Target, Type) and
// returns the code and the verify links. Any earlier code for the same pair
// stops working.
func (a *AuthService) IssueVerification(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	_, result, err := a.issue(ctx, req)
	return result, err
}

func (a *AuthService) issue(ctx context.Context, req IssueRequest) (*Verification, *IssueResult, error) {
	if !req.Type.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownVerificationType, req.Type)
	}
	if req.Target == "" {
		return nil, nil, fmt.Errorf("verification target is required")
	}

	period := req.Period
	if period <= 0 {
		period = a.securityConfig.VerificationTTL
	}
	if req.CharSet == "" {
		req.CharSet = totp.UserFacingCharSet
	}
	if req.Algorithm == "" {
		req.Algorithm = totp.AlgorithmSHA256
	}

	cfg := totp.Config{
		Algorithm: req.Algorithm,
		Digits:    req.Digits,
		Period:    int(period / time.Second),
		CharSet:   req.CharSet,
	}
	key, err := totp.Generate(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate verification code: %w", err)
	}

	now := a.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(period)

	// The code is bound to the issue time so it stays valid for the full period.
	code, err := totp.GenerateCode(key.Secret, cfg, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate verification code: %w", err)
	}

	record := &Verification{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Target:    req.Target,
		Secret:    key.Secret,
		Algorithm: string(key.Algorithm),
		Digits:    key.Digits,
		Period:    key.Period,
		CharSet:   key.CharSet,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
	}

	if err := a.storage.UpsertVerification(ctx, record); err != nil {
		return nil, nil, fmt.Errorf("failed to store verification: %w", err)
	}

	a.metrics.verificationIssued(req.Type)
	slog.Debug("Verification issued", "type", req.Type, "expires_at", expiresAt)

	return record, &IssueResult{
		OTP:         code,
		VerifyURL:   a.verifyURL(req.Type, req.Target, req.RedirectTo, code),
		RedirectURL: a.verifyPath(req.Type, req.Target, req.RedirectTo, ""),
	}, nil
}

// FindVerification returns the live record for (target, type), or nil when it
// is missing or expired.
func (a *AuthService) FindVerification(ctx context.Context, target string, typ VerificationType) (*Verification, error) {
	v, err := a.storage.GetVerification(ctx, target, typ, a.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}
	return v, nil
}

// verifyPath returns the relative verify page location.
func (a *AuthService) verifyPath(typ VerificationType, target, redirectTo, code string) string {
	q := url.Values{}
	q.Set("type", string(typ))
	q.Set("target", target)
	if redirectTo != "" {
		q.Set("redirectTo", redirectTo)
	}
	if code != "" {
		q.Set("code", code)
	}
	return "/verify?" + q.Encode()
}

func (a *AuthService) verifyURL(typ VerificationType, target, redirectTo, code string) string {
	return a.baseURL + a.verifyPath(typ, target, redirectTo, code)
}

func (v *Verification) params() totp.Params {
	return totp.Params{
		Secret:    v.Secret,
		Algorithm: totp.Algorithm(v.Algorithm),
		Digits:    v.Digits,
		Period:    v.Period,
		CharSet:   v.CharSet,
	}
}
