package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wispberry-tech/epic-auth/cookie"
	"github.com/wispberry-tech/epic-auth/mailer"
	"github.com/wispberry-tech/epic-auth/totp"
)

// VerifyRequest is a code submission, either posted by the verify form or
// carried in the query string of an emailed link.
type VerifyRequest struct {
	Code       string           `json:"code" validate:"required,min=6,max=10"`
	Type       VerificationType `json:"type" validate:"required,oneof=onboarding reset-password change-email 2fa 2fa-verify"`
	Target     string           `json:"target" validate:"required,max=255"`
	RedirectTo string           `json:"redirectTo" validate:"max=2048"`
}

// verificationPolicy decides how a verification type is checked and what
// happens once the code is accepted.
type verificationPolicy struct {
	// window is the number of time steps accepted on each side of the anchor.
	window int
	// anchorAtIssue checks the code against the step it was issued in rather
	// than the current one. Expiry is enforced by the record itself.
	anchorAtIssue bool
	// oneTime records are deleted before complete runs.
	oneTime bool
	// check runs before the record is looked up; a non-nil outcome stops the
	// flow and leaves the record untouched.
	check    func(r *http.Request, req *VerifyRequest) *Outcome
	complete func(r *http.Request, req *VerifyRequest) Outcome
}

func (a *AuthService) verificationPolicies() map[VerificationType]verificationPolicy {
	return map[VerificationType]verificationPolicy{
		VerificationOnboarding: {
			anchorAtIssue: true,
			oneTime:       true,
			complete:      a.completeOnboarding,
		},
		VerificationResetPassword: {
			anchorAtIssue: true,
			oneTime:       true,
			complete:      a.completeResetPassword,
		},
		VerificationChangeEmail: {
			anchorAtIssue: true,
			oneTime:       true,
			check:         a.checkChangeEmail,
			complete:      a.completeChangeEmail,
		},
		VerificationTwoFactor: {
			window:   1,
			check:    a.checkTwoFactor,
			complete: a.completeTwoFactor,
		},
		VerificationTwoFactorInit: {
			window:   1,
			check:    a.checkTwoFactorInit,
			complete: a.completeTwoFactorInit,
		},
	}
}

func invalidCode() Outcome {
	return fieldError("code", "Invalid code")
}

// VerifyHandler runs the verification state machine. A request without a code
// is idle and echoes the parameters back; a submitted code is checked against
// the live record for (target, type) and, when valid, handed to the type's
// completion step.
func (a *AuthService) VerifyHandler(r *http.Request) Outcome {
	req, submitted, err := parseVerifyRequest(r)
	if err != nil {
		slog.Debug("Failed to decode verify request", "error", err)
		return formError(http.StatusBadRequest, "Invalid request format")
	}

	if !submitted {
		return Outcome{
			StatusCode: http.StatusOK,
			Status:     "idle",
			Data: map[string]string{
				"type":       string(req.Type),
				"target":     req.Target,
				"redirectTo": req.RedirectTo,
			},
		}
	}

	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Verify validation failed", "error", err)
		return invalidInput(err)
	}

	policy, ok := a.policies[req.Type]
	if !ok {
		return fieldError("type", "type is invalid")
	}

	if policy.check != nil {
		if o := policy.check(r, &req); o != nil {
			return *o
		}
	}

	ctx := r.Context()
	record, err := a.FindVerification(ctx, req.Target, req.Type)
	if err != nil {
		slog.Error("Failed to look up verification", "error", err, "type", req.Type)
		return internalError()
	}

	if record == nil || !a.codeMatches(record, req.Code, policy) {
		a.metrics.verificationAttempt(req.Type, "invalid")
		a.logSecurityEvent(ctx, nil, EventVerificationFailed, fmt.Sprintf("Invalid %s code", req.Type), extractIP(r), r.UserAgent(), false)
		return invalidCode()
	}

	if policy.oneTime {
		consumed, err := a.storage.ConsumeVerification(ctx, record.ID)
		if err != nil {
			slog.Error("Failed to consume verification", "error", err, "type", req.Type)
			return internalError()
		}
		if !consumed {
			// Another request accepted the same code first.
			a.metrics.verificationAttempt(req.Type, "replayed")
			return invalidCode()
		}
	}

	a.metrics.verificationAttempt(req.Type, "valid")
	return policy.complete(r, &req)
}

func (a *AuthService) codeMatches(record *Verification, code string, policy verificationPolicy) bool {
	code = strings.TrimSpace(code)
	if strings.ToUpper(record.CharSet) == record.CharSet {
		code = strings.ToUpper(code)
	}

	opts := totp.VerifyOptions{Window: policy.window, At: a.now()}
	if policy.anchorAtIssue {
		opts.At = record.CreatedAt
	}
	_, ok := totp.Verify(code, record.params(), opts)
	return ok
}

func parseVerifyRequest(r *http.Request) (VerifyRequest, bool, error) {
	var req VerifyRequest

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		q := r.URL.Query()
		req = VerifyRequest{
			Code:       q.Get("code"),
			Type:       VerificationType(q.Get("type")),
			Target:     q.Get("target"),
			RedirectTo: q.Get("redirectTo"),
		}
		return req, req.Code != "", nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			return req, false, err
		}
		req = VerifyRequest{
			Code:       r.PostForm.Get("code"),
			Type:       VerificationType(r.PostForm.Get("type")),
			Target:     r.PostForm.Get("target"),
			RedirectTo: r.PostForm.Get("redirectTo"),
		}
		return req, true, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false, err
	}
	return req, true, nil
}

func (a *AuthService) completeOnboarding(r *http.Request, req *VerifyRequest) Outcome {
	vc, err := a.cookies.WriteVerification(&cookie.Verification{OnboardingEmail: strings.ToLower(req.Target)})
	if err != nil {
		slog.Error("Failed to write verification cookie", "error", err)
		return internalError()
	}

	to := "/onboarding"
	if redirectTo := safeRedirect(req.RedirectTo, ""); redirectTo != "" {
		to += "?" + url.Values{"redirectTo": {redirectTo}}.Encode()
	}
	return redirect(to, vc)
}

func (a *AuthService) completeResetPassword(r *http.Request, req *VerifyRequest) Outcome {
	user, err := a.lookupUser(r.Context(), req.Target)
	if err != nil {
		slog.Error("Failed to get user for password reset", "error", err)
		return internalError()
	}
	if user == nil {
		return invalidCode()
	}

	vc, err := a.cookies.WriteVerification(&cookie.Verification{ResetPasswordUsername: user.Username})
	if err != nil {
		slog.Error("Failed to write verification cookie", "error", err)
		return internalError()
	}
	return redirect("/reset-password", vc)
}

func (a *AuthService) checkChangeEmail(r *http.Request, req *VerifyRequest) *Outcome {
	if err := a.requireRecentVerification(r, a.verifyPath(req.Type, req.Target, req.RedirectTo, req.Code)); err != nil {
		o := outcomeFromError(err)
		return &o
	}

	userID, err := a.GetUserID(r)
	if err != nil {
		o := outcomeFromError(err)
		return &o
	}
	if userID != req.Target {
		o := invalidCode()
		return &o
	}

	if vc, ok := a.cookies.ReadVerification(r); !ok || vc.NewEmail == "" {
		o := formError(http.StatusBadRequest, "You must submit the code on the same device that requested the email change.")
		return &o
	}
	return nil
}

func (a *AuthService) completeChangeEmail(r *http.Request, req *VerifyRequest) Outcome {
	ctx := r.Context()

	vc, ok := a.cookies.ReadVerification(r)
	if !ok || vc.NewEmail == "" {
		return formError(http.StatusBadRequest, "You must submit the code on the same device that requested the email change.")
	}
	newEmail := strings.ToLower(vc.NewEmail)

	user, err := a.storage.GetUserByID(ctx, req.Target)
	if err != nil {
		slog.Error("Failed to get user for email change", "error", err)
		return internalError()
	}
	if user == nil {
		return invalidCode()
	}

	existing, err := a.storage.GetUserByEmail(ctx, newEmail)
	if err != nil {
		slog.Error("Failed to check existing email", "error", err)
		return internalError()
	}
	if existing != nil && existing.ID != user.ID {
		return formError(http.StatusConflict, "A user already exists with this email", a.cookies.ClearVerification())
	}

	oldEmail := user.Email
	user.Email = newEmail
	user.EmailVerified = true
	user.UpdatedAt = a.now()
	if err := a.storage.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			return formError(http.StatusConflict, "A user already exists with this email", a.cookies.ClearVerification())
		}
		slog.Error("Failed to update user email", "error", err, "user_id", user.ID)
		return internalError()
	}

	a.logSecurityEvent(ctx, &user.ID, EventEmailChanged, "Email address changed", extractIP(r), r.UserAgent(), true)
	a.notifyEmailChanged(ctx, user.Username, oldEmail, newEmail)

	cookies := []*http.Cookie{a.cookies.ClearVerification()}
	if tc, err := a.cookies.WriteToast(&cookie.Toast{
		Type:        "success",
		Title:       "Email Changed",
		Description: fmt.Sprintf("Your email has been changed to %s", newEmail),
	}); err == nil {
		cookies = append(cookies, tc)
	}
	return redirect("/settings/profile", cookies...)
}

// notifyEmailChanged tells the previous address about the change. Delivery
// runs in the background and failures are only logged.
func (a *AuthService) notifyEmailChanged(ctx context.Context, username, oldEmail, newEmail string) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err := a.mailer.Send(ctx, oldEmail, mailer.TemplateEmailChanged, mailer.Data{
			Username: username,
			OldEmail: oldEmail,
			NewEmail: newEmail,
		})
		if err != nil {
			slog.Warn("Failed to send email changed notice", "error", err)
		}
	}()
}

func (a *AuthService) checkTwoFactor(r *http.Request, req *VerifyRequest) *Outcome {
	if vc, ok := a.cookies.ReadVerification(r); ok && vc.UnverifiedSessionID != "" {
		session, err := a.storage.GetSession(r.Context(), vc.UnverifiedSessionID)
		if err != nil {
			slog.Error("Failed to get unverified session", "error", err)
			o := internalError()
			return &o
		}
		if session == nil || !a.now().Before(session.ExpiresAt) {
			o := redirect("/login", a.cookies.ClearVerification())
			return &o
		}
		if session.UserID != req.Target {
			slog.Warn("Two-factor target does not own the pending session", "session_id", session.ID)
			a.logSecurityEvent(r.Context(), &session.UserID, EventSuspiciousActivity, "Two-factor code submitted for another user", extractIP(r), r.UserAgent(), false)
			o := redirect("/login", a.cookies.ClearVerification())
			return &o
		}
		return nil
	}

	userID, err := a.RequireUserID(r)
	if err != nil {
		o := outcomeFromError(err)
		return &o
	}
	if userID != req.Target {
		o := invalidCode()
		return &o
	}
	return nil
}

func (a *AuthService) completeTwoFactor(r *http.Request, req *VerifyRequest) Outcome {
	ctx := r.Context()
	now := a.now()
	to := safeRedirect(req.RedirectTo, "/")

	if vc, ok := a.cookies.ReadVerification(r); ok && vc.UnverifiedSessionID != "" {
		session, err := a.storage.GetSession(ctx, vc.UnverifiedSessionID)
		if err != nil || session == nil {
			slog.Error("Failed to load unverified session", "error", err)
			return redirect("/login", a.cookies.ClearVerification())
		}
		ac, err := a.authCookie(session, vc.Remember, now)
		if err != nil {
			slog.Error("Failed to write auth cookie", "error", err)
			return internalError()
		}
		a.logSecurityEvent(ctx, &session.UserID, Event2FAVerified, "Two-factor login completed", extractIP(r), r.UserAgent(), true)
		return redirect(to, ac, a.cookies.ClearVerification())
	}

	session, _, err := a.authenticate(r)
	if err != nil || session == nil {
		return redirect("/login")
	}
	payload, _ := a.cookies.ReadAuth(r)
	ac, err := a.authCookie(session, payload != nil && payload.Persistent, now)
	if err != nil {
		slog.Error("Failed to write auth cookie", "error", err)
		return internalError()
	}
	a.logSecurityEvent(ctx, &session.UserID, Event2FAVerified, "Two-factor re-verification", extractIP(r), r.UserAgent(), true)
	return redirect(to, ac)
}

func (a *AuthService) checkTwoFactorInit(r *http.Request, req *VerifyRequest) *Outcome {
	userID, err := a.RequireUserID(r)
	if err != nil {
		o := outcomeFromError(err)
		return &o
	}
	if userID != req.Target {
		o := invalidCode()
		return &o
	}
	return nil
}

func (a *AuthService) completeTwoFactorInit(r *http.Request, req *VerifyRequest) Outcome {
	ctx := r.Context()

	if err := a.storage.PromoteVerification(ctx, req.Target, VerificationTwoFactorInit, VerificationTwoFactor); err != nil {
		slog.Error("Failed to enable two-factor", "error", err, "user_id", req.Target)
		return internalError()
	}
	a.logSecurityEvent(ctx, &req.Target, Event2FAEnabled, "Two-factor authentication enabled", extractIP(r), r.UserAgent(), true)

	var cookies []*http.Cookie
	// Enrolling proves possession, so the current session counts as verified.
	if session, _, err := a.authenticate(r); err == nil && session != nil {
		payload, _ := a.cookies.ReadAuth(r)
		if ac, err := a.authCookie(session, payload != nil && payload.Persistent, a.now()); err == nil {
			cookies = append(cookies, ac)
		}
	}
	if tc, err := a.cookies.WriteToast(&cookie.Toast{
		Type:        "success",
		Title:       "Enabled",
		Description: "Two-factor authentication has been enabled.",
	}); err == nil {
		cookies = append(cookies, tc)
	}
	return redirect("/settings/profile/two-factor", cookies...)
}

// lookupUser resolves an email address or a username.
func (a *AuthService) lookupUser(ctx context.Context, usernameOrEmail string) (*User, error) {
	key := strings.ToLower(strings.TrimSpace(usernameOrEmail))
	if strings.Contains(key, "@") {
		return a.storage.GetUserByEmail(ctx, key)
	}
	return a.storage.GetUserByUsername(ctx, key)
}
