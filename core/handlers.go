package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wispberry-tech/epic-auth/cookie"
	"github.com/wispberry-tech/epic-auth/mailer"
	"github.com/wispberry-tech/epic-auth/totp"
)

// Request Types

// SignupRequest starts onboarding for an email address.
type SignupRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	RedirectTo string `json:"redirectTo" validate:"max=2048"`
}

// OnboardingRequest completes an account after the onboarding code was verified.
type OnboardingRequest struct {
	Username        string `json:"username" validate:"required,min=3,max=20,username"`
	Name            string `json:"name" validate:"required,min=3,max=40"`
	Password        string `json:"password" validate:"required,min=6,max=100"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
	AgreeToTerms    bool   `json:"agreeToTermsOfServiceAndPrivacyPolicy" validate:"required"`
	Remember        bool   `json:"remember"`
	RedirectTo      string `json:"redirectTo" validate:"max=2048"`
}

// ProviderOnboardingRequest completes an account created from an OAuth profile.
type ProviderOnboardingRequest struct {
	Username     string `json:"username" validate:"required,min=3,max=20,username"`
	Name         string `json:"name" validate:"required,min=3,max=40"`
	AgreeToTerms bool   `json:"agreeToTermsOfServiceAndPrivacyPolicy" validate:"required"`
	Remember     bool   `json:"remember"`
	RedirectTo   string `json:"redirectTo" validate:"max=2048"`
}

// LoginRequest represents a user login request
type LoginRequest struct {
	Username   string `json:"username" validate:"required,min=3,max=254"` // Username or email
	Password   string `json:"password" validate:"required,min=6,max=100"`
	Remember   bool   `json:"remember"`
	RedirectTo string `json:"redirectTo" validate:"max=2048"`
}

// ForgotPasswordRequest starts a password reset.
type ForgotPasswordRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail" validate:"required,min=3,max=254"`
}

// ResetPasswordRequest sets a new password after the reset code was verified.
type ResetPasswordRequest struct {
	Password        string `json:"password" validate:"required,min=6,max=100"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

// ChangeEmailRequest starts an email change for the current user.
type ChangeEmailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// Response Types

// TwoFactorSetup is returned when an authenticator enrollment starts.
type TwoFactorSetup struct {
	Secret     string `json:"secret"`
	OTPAuthURI string `json:"otpauth_uri"`
	Algorithm  string `json:"algorithm"`
	Digits     int    `json:"digits"`
	Period     int    `json:"period"`
	VerifyURL  string `json:"verify_url"`
}

// SessionList is the current user's active sessions.
type SessionList struct {
	Sessions         []*Session `json:"sessions"`
	CurrentSessionID string     `json:"current_session_id"`
}

// Me describes the current user.
type Me struct {
	User             *User        `json:"user"`
	Roles            []string     `json:"roles"`
	Permissions      []Permission `json:"permissions"`
	TwoFactorEnabled bool         `json:"two_factor_enabled"`
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (a *AuthService) withToast(cookies []*http.Cookie, t *cookie.Toast) []*http.Cookie {
	tc, err := a.cookies.WriteToast(t)
	if err != nil {
		slog.Error("Failed to write toast cookie", "error", err)
		return cookies
	}
	return append(cookies, tc)
}

// isCommonPassword consults the breach corpus when a checker is configured.
func (a *AuthService) isCommonPassword(ctx context.Context, password string) bool {
	if a.passwordChecker == nil {
		return false
	}
	return a.passwordChecker.IsCommon(ctx, password)
}

// SignupHandler emails an onboarding code to a new address.
func (a *AuthService) SignupHandler(r *http.Request) Outcome {
	if err := a.RequireAnonymous(r); err != nil {
		return outcomeFromError(err)
	}

	var req SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode signup request", "error", err)
		return formError(http.StatusBadRequest, "Invalid request format")
	}
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Signup validation failed", "error", err)
		return invalidInput(err)
	}

	ctx := r.Context()
	email := strings.ToLower(strings.TrimSpace(req.Email))

	existing, err := a.storage.GetUserByEmail(ctx, email)
	if err != nil {
		slog.Error("Failed to check existing user", "error", err)
		return internalError()
	}
	if existing != nil {
		return fieldError("email", "A user already exists with this email")
	}

	result, err := a.IssueVerification(ctx, IssueRequest{
		Type:       VerificationOnboarding,
		Target:     email,
		RedirectTo: safeRedirect(req.RedirectTo, ""),
	})
	if err != nil {
		slog.Error("Failed to issue onboarding verification", "error", err)
		return internalError()
	}

	if err := a.mailer.Send(ctx, email, mailer.TemplateOnboarding, mailer.Data{
		Code:      result.OTP,
		VerifyURL: result.VerifyURL,
		ExpiresAt: a.now().Add(a.securityConfig.VerificationTTL),
	}); err != nil {
		slog.Error("Failed to send onboarding email", "error", err)
		return formError(http.StatusServiceUnavailable, "Failed to send the verification email, please try again")
	}

	return redirect(result.RedirectURL)
}

// OnboardingHandler creates the account for the email verified during signup.
func (a *AuthService) OnboardingHandler(r *http.Request) Outcome {
	if err := a.RequireAnonymous(r); err != nil {
		return outcomeFromError(err)
	}

	vc, ok := a.cookies.ReadVerification(r)
	if !ok || vc.OnboardingEmail == "" {
		return redirect("/signup")
	}

	var req OnboardingRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode onboarding request", "error", err)
		return formError(http.StatusBadRequest, "Invalid request format")
	}
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Onboarding validation failed", "error", err)
		return invalidInput(err)
	}
	if err := validatePasswordStrength(req.Password, a.securityConfig); err != nil {
		return fieldError("password", err.Error())
	}

	ctx := r.Context()
	if a.isCommonPassword(ctx, req.Password) {
		return fieldError("password", "Password is too common")
	}

	hash, err := hashPassword(req.Password, a.securityConfig.BcryptCost)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		return internalError()
	}

	user := &User{
		Email:        vc.OnboardingEmail,
		Username:     strings.ToLower(req.Username),
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
		Provider:     "email",
	}
	return a.finishOnboarding(r, user, req.Remember, req.RedirectTo)
}

// ProviderOnboardingHandler creates an account from the OAuth profile stashed
// by the callback.
func (a *AuthService) ProviderOnboardingHandler(r *http.Request, provider string) Outcome {
	if err := a.RequireAnonymous(r); err != nil {
		return outcomeFromError(err)
	}

	vc, ok := a.cookies.ReadVerification(r)
	if !ok || vc.ProviderProfile == nil || vc.Provider != provider {
		return redirect("/login")
	}
	if vc.ProviderProfile.Email == "" {
		return formError(http.StatusBadRequest, "Email is required from OAuth provider", a.cookies.ClearVerification())
	}

	var req ProviderOnboardingRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode provider onboarding request", "error", err)
		return formError(http.StatusBadRequest, "Invalid request format")
	}
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Provider onboarding validation failed", "error", err)
		return invalidInput(err)
	}

	user := &User{
		Email:         strings.ToLower(vc.ProviderProfile.Email),
		Username:      strings.ToLower(req.Username),
		Name:          strings.TrimSpace(req.Name),
		AvatarURL:     vc.ProviderProfile.AvatarURL,
		Provider:      provider,
		ProviderID:    vc.ProviderProfile.ProviderID,
		EmailVerified: true,
	}
	return a.finishOnboarding(r, user, req.Remember, req.RedirectTo)
}

func (a *AuthService) finishOnboarding(r *http.Request, user *User, remember bool, redirectTo string) Outcome {
	ctx := r.Context()

	taken, err := a.storage.GetUserByUsername(ctx, user.Username)
	if err != nil {
		slog.Error("Failed to check existing username", "error", err)
		return internalError()
	}
	if taken != nil {
		return fieldError("username", "A user already exists with this username")
	}

	existing, err := a.storage.GetUserByEmail(ctx, user.Email)
	if err != nil {
		slog.Error("Failed to check existing user", "error", err)
		return internalError()
	}
	if existing != nil {
		return formError(http.StatusConflict, "A user already exists with this email", a.cookies.ClearVerification())
	}

	now := a.now().UTC().Truncate(time.Second)
	user.ID = uuid.NewString()
	user.IsActive = true
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Provider == "email" {
		// The onboarding code proved ownership of the address.
		user.EmailVerified = true
	}

	security := &UserSecurity{UserID: user.ID, CreatedAt: now, UpdatedAt: now}
	if user.PasswordHash != "" {
		security.PasswordChangedAt = &now
	}

	if err := a.storage.CreateUserWithSecurity(ctx, user, security); err != nil {
		if errors.Is(err, ErrUserExists) {
			// Lost a race with another signup for the same username or email.
			return fieldError("username", "A user already exists with this username")
		}
		slog.Error("Failed to create user with security", "error", err)
		return internalError()
	}
	if err := a.storage.AssignRole(ctx, user.ID, RoleUser); err != nil {
		slog.Error("Failed to assign default role", "error", err, "user_id", user.ID)
	}

	meta := metaFromRequest(r)
	a.logSecurityEvent(ctx, &user.ID, EventSignup, fmt.Sprintf("Account created via %s", user.Provider), meta.IPAddress, meta.UserAgent, true)
	slog.Info("User onboarded", "user_id", user.ID, "provider", user.Provider)

	session, err := a.createSession(ctx, user.ID, meta)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		return internalError()
	}

	o := a.handleNewSession(ctx, session, remember, redirectTo)
	o.Cookies = append([]*http.Cookie{a.cookies.ClearVerification()}, o.Cookies...)
	o.Cookies = a.withToast(o.Cookies, &cookie.Toast{
		Type:        "success",
		Title:       "Welcome",
		Description: "Thanks for signing up!",
	})
	return o
}

// LoginHandler authenticates a username (or email) and password.
func (a *AuthService) LoginHandler(r *http.Request) Outcome {
	if err := a.RequireAnonymous(r); err != nil {
		return outcomeFromError(err)
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode login request", "error", err)
		return formError(http.StatusBadRequest, "Invalid request format")
	}
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Login validation failed", "error", err)
		return invalidInput(err)
	}

	ctx := r.Context()
	session, err := a.Login(ctx, req.Username, req.Password, metaFromRequest(r))
	if errors.Is(err, ErrAccountLocked) {
		return formError(http.StatusUnauthorized, "Account is temporarily locked, please try again later")
	}
	if err != nil {
		slog.Error("Failed to log in", "error", err)
		return internalError()
	}
	if session == nil {
		return formError(http.StatusBadRequest, "Invalid username or password")
	}

	return a.handleNewSession(ctx, session, req.Remember, req.RedirectTo)
}

// ForgotPasswordHandler emails a reset code. The response is the same whether
// or not the username or email belongs to an account.
func (a *AuthService) ForgotPasswordHandler(r *http.Request) Outcome {
	var req ForgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode forgot password request", "error", err)
		return formError(http.StatusBadRequest, "Invalid request format")
	}
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Forgot password validation failed", "error", err)
		return invalidInput(err)
	}

	ctx := r.Context()
	target := strings.ToLower(strings.TrimSpace(req.UsernameOrEmail))

	user, err := a.lookupUser(ctx, target)
	if err != nil {
		slog.Error("Failed to get user for password reset", "error", err)
		return internalError()
	}

	result, err := a.IssueVerification(ctx, IssueRequest{Type: VerificationResetPassword, Target: target})
	if err != nil {
		slog.Error("Failed to issue reset verification", "error", err)
		return internalError()
	}

	if user == nil {
		slog.Debug("Password reset requested for unknown account")
		return redirect(result.RedirectURL)
	}

	if err := a.mailer.Send(ctx, user.Email, mailer.TemplateResetPassword, mailer.Data{
		Code:      result.OTP,
		VerifyURL: result.VerifyURL,
		Username:  user.Username,
		ExpiresAt: a.now().Add(a.securityConfig.VerificationTTL),
	}); err != nil {
		slog.Error("Failed to send reset password email", "error", err)
		return formError(http.StatusServiceUnavailable, "Failed to send the reset email, please try again")
	}

	return redirect(result.RedirectURL)
}

// ResetPasswordHandler sets the new password for the user verified by the
// reset code and signs out all of their sessions.
func (a *AuthService) ResetPasswordHandler(r *http.Request) Outcome {
	vc, ok := a.cookies.ReadVerification(r)
	if !ok || vc.ResetPasswordUsername == "" {
		return redirect("/login")
	}

	var req ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode reset password request", "error", err)
		return formError(http.StatusBadRequest, "Invalid request format")
	}
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Reset password validation failed", "error", err)
		return invalidInput(err)
	}
	if err := validatePasswordStrength(req.Password, a.securityConfig); err != nil {
		return fieldError("password", err.Error())
	}

	ctx := r.Context()
	if a.isCommonPassword(ctx, req.Password) {
		return fieldError("password", "Password is too common")
	}

	user, err := a.storage.GetUserByUsername(ctx, vc.ResetPasswordUsername)
	if err != nil {
		slog.Error("Failed to get user for password reset", "error", err)
		return internalError()
	}
	if user == nil {
		return redirect("/login", a.cookies.ClearVerification())
	}

	hash, err := hashPassword(req.Password, a.securityConfig.BcryptCost)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		return internalError()
	}

	now := a.now()
	user.PasswordHash = hash
	user.UpdatedAt = now
	if err := a.storage.UpdateUser(ctx, user); err != nil {
		slog.Error("Failed to update password", "error", err, "user_id", user.ID)
		return internalError()
	}
	if err := a.storage.SetPasswordChanged(ctx, user.ID, now); err != nil {
		slog.Error("Failed to record password change", "error", err, "user_id", user.ID)
	}
	if err := a.storage.ResetLoginAttempts(ctx, user.ID); err != nil {
		slog.Error("Failed to reset login attempts", "error", err, "user_id", user.ID)
	}
	if err := a.storage.DeleteUserSessions(ctx, user.ID); err != nil {
		slog.Error("Failed to delete sessions after password reset", "error", err, "user_id", user.ID)
	}

	a.logSecurityEvent(ctx, &user.ID, EventPasswordReset, "Password reset", extractIP(r), r.UserAgent(), true)

	cookies := a.withToast([]*http.Cookie{a.cookies.ClearVerification()}, &cookie.Toast{
		Type:        "success",
		Title:       "Password reset",
		Description: "Your password has been reset. Please log in.",
	})
	return redirect("/login", cookies...)
}

// ChangeEmailHandler emails a code to the new address. The email is only
// changed once that code is verified on the same device.
func (a *AuthService) ChangeEmailHandler(r *http.Request) Outcome {
	if err := a.RequireRecentVerification(r); err != nil {
		return outcomeFromError(err)
	}

	var req ChangeEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Debug("Failed to decode change email request", "error", err)
		return formError(http.StatusBadRequest, "Invalid request format")
	}
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Change email validation failed", "error", err)
		return invalidInput(err)
	}

	ctx := r.Context()
	newEmail := strings.ToLower(strings.TrimSpace(req.Email))

	_, user, err := a.authenticate(r)
	if err != nil || user == nil {
		return outcomeFromError(err)
	}

	existing, err := a.storage.GetUserByEmail(ctx, newEmail)
	if err != nil {
		slog.Error("Failed to check existing email", "error", err)
		return internalError()
	}
	if existing != nil {
		return fieldError("email", "This email is already in use")
	}

	result, err := a.IssueVerification(ctx, IssueRequest{Type: VerificationChangeEmail, Target: user.ID})
	if err != nil {
		slog.Error("Failed to issue change email verification", "error", err)
		return internalError()
	}

	if err := a.mailer.Send(ctx, newEmail, mailer.TemplateChangeEmail, mailer.Data{
		Code:      result.OTP,
		VerifyURL: result.VerifyURL,
		Username:  user.Username,
		OldEmail:  user.Email,
		NewEmail:  newEmail,
		ExpiresAt: a.now().Add(a.securityConfig.VerificationTTL),
	}); err != nil {
		slog.Error("Failed to send change email verification", "error", err)
		return formError(http.StatusServiceUnavailable, "Failed to send the verification email, please try again")
	}

	vc, err := a.cookies.WriteVerification(&cookie.Verification{NewEmail: newEmail})
	if err != nil {
		slog.Error("Failed to write verification cookie", "error", err)
		return internalError()
	}
	return redirect(result.RedirectURL, vc)
}

// TwoFactorSetupHandler starts authenticator enrollment. Two-factor is only
// enabled once a code from the authenticator is verified.
func (a *AuthService) TwoFactorSetupHandler(r *http.Request) Outcome {
	_, user, err := a.authenticate(r)
	if err != nil {
		return outcomeFromError(err)
	}
	if user == nil {
		_, err := a.RequireUserID(r)
		return outcomeFromError(err)
	}

	ctx := r.Context()
	enabled, err := a.FindVerification(ctx, user.ID, VerificationTwoFactor)
	if err != nil {
		slog.Error("Failed to check two-factor status", "error", err)
		return internalError()
	}
	if enabled != nil {
		return formError(http.StatusBadRequest, "Two-factor authentication is already enabled")
	}

	key, err := totp.Generate(totp.Config{})
	if err != nil {
		slog.Error("Failed to generate two-factor secret", "error", err)
		return internalError()
	}

	now := a.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(a.securityConfig.TwoFactorSetupTTL)
	record := &Verification{
		ID:        uuid.NewString(),
		Type:      VerificationTwoFactorInit,
		Target:    user.ID,
		Secret:    key.Secret,
		Algorithm: string(key.Algorithm),
		Digits:    key.Digits,
		Period:    key.Period,
		CharSet:   key.CharSet,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
	}
	if err := a.storage.UpsertVerification(ctx, record); err != nil {
		slog.Error("Failed to store two-factor enrollment", "error", err)
		return internalError()
	}
	a.metrics.verificationIssued(VerificationTwoFactorInit)

	return success(http.StatusOK, TwoFactorSetup{
		Secret:     key.Secret,
		OTPAuthURI: totp.KeyURI(key.Params, a.issuer, user.Email),
		Algorithm:  string(key.Algorithm),
		Digits:     key.Digits,
		Period:     key.Period,
		VerifyURL:  a.verifyPath(VerificationTwoFactorInit, user.ID, "", ""),
	})
}

// TwoFactorDisableHandler turns two-factor off after a recent verification.
func (a *AuthService) TwoFactorDisableHandler(r *http.Request) Outcome {
	if err := a.RequireRecentVerification(r); err != nil {
		return outcomeFromError(err)
	}
	userID, err := a.RequireUserID(r)
	if err != nil {
		return outcomeFromError(err)
	}

	ctx := r.Context()
	if err := a.storage.DeleteVerification(ctx, userID, VerificationTwoFactor); err != nil {
		slog.Error("Failed to disable two-factor", "error", err, "user_id", userID)
		return internalError()
	}
	a.logSecurityEvent(ctx, &userID, Event2FADisabled, "Two-factor authentication disabled", extractIP(r), r.UserAgent(), true)

	cookies := a.withToast(nil, &cookie.Toast{
		Type:        "success",
		Title:       "2FA Disabled",
		Description: "Two-factor authentication has been disabled.",
	})
	return redirect("/settings/profile", cookies...)
}

// TwoFactorStatusHandler reports whether the current user has two-factor enabled.
func (a *AuthService) TwoFactorStatusHandler(r *http.Request) Outcome {
	userID, err := a.RequireUserID(r)
	if err != nil {
		return outcomeFromError(err)
	}
	record, err := a.FindVerification(r.Context(), userID, VerificationTwoFactor)
	if err != nil {
		slog.Error("Failed to check two-factor status", "error", err)
		return internalError()
	}
	return success(http.StatusOK, map[string]bool{"enabled": record != nil})
}

// SessionsHandler lists the current user's sessions.
func (a *AuthService) SessionsHandler(r *http.Request) Outcome {
	session, _, err := a.authenticate(r)
	if err != nil {
		return outcomeFromError(err)
	}
	if session == nil {
		_, err := a.RequireUserID(r)
		return outcomeFromError(err)
	}

	sessions, err := a.storage.GetUserSessions(r.Context(), session.UserID)
	if err != nil {
		slog.Error("Failed to get user sessions", "error", err)
		return internalError()
	}

	live := make([]*Session, 0, len(sessions))
	now := a.now()
	for _, s := range sessions {
		if now.Before(s.ExpiresAt) {
			live = append(live, s)
		}
	}
	return success(http.StatusOK, SessionList{Sessions: live, CurrentSessionID: session.ID})
}

// SignOutOtherSessionsHandler deletes every session of the current user except
// the one making the request.
func (a *AuthService) SignOutOtherSessionsHandler(r *http.Request) Outcome {
	session, _, err := a.authenticate(r)
	if err != nil {
		return outcomeFromError(err)
	}
	if session == nil {
		_, err := a.RequireUserID(r)
		return outcomeFromError(err)
	}

	ctx := r.Context()
	n, err := a.storage.DeleteUserSessionsExcept(ctx, session.UserID, session.ID)
	if err != nil {
		slog.Error("Failed to delete other sessions", "error", err)
		return internalError()
	}
	a.logSecurityEvent(ctx, &session.UserID, EventSessionTerminated, fmt.Sprintf("Signed out %d other sessions", n), extractIP(r), r.UserAgent(), true)

	return success(http.StatusOK, map[string]int64{"signed_out": n})
}

// LogoutHandler ends the current session.
func (a *AuthService) LogoutHandler(r *http.Request) Outcome {
	return redirect("/", a.Logout(r))
}

// MeHandler returns the current user with their roles and permissions.
func (a *AuthService) MeHandler(r *http.Request) Outcome {
	_, user, err := a.authenticate(r)
	if err != nil {
		return outcomeFromError(err)
	}
	if user == nil {
		_, err := a.RequireUserID(r)
		return outcomeFromError(err)
	}

	ctx := r.Context()
	access, err := a.userAccess(ctx, user.ID)
	if err != nil {
		slog.Error("Failed to get user access", "error", err)
		return internalError()
	}
	twoFactor, err := a.FindVerification(ctx, user.ID, VerificationTwoFactor)
	if err != nil {
		slog.Error("Failed to check two-factor status", "error", err)
		return internalError()
	}

	return success(http.StatusOK, Me{
		User:             user,
		Roles:            access.roles,
		Permissions:      access.permissions,
		TwoFactorEnabled: twoFactor != nil,
	})
}

// ToastHandler returns the pending toast and clears it, so each toast is shown
// once. Data is nil when there is none.
func (a *AuthService) ToastHandler(r *http.Request) Outcome {
	toast, ok := a.cookies.ReadToast(r)
	if !ok {
		return success(http.StatusOK, map[string]*cookie.Toast{"toast": nil})
	}
	return success(http.StatusOK, map[string]*cookie.Toast{"toast": toast}, a.cookies.ClearToast())
}
