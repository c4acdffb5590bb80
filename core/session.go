package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wispberry-tech/epic-auth/cookie"
)

// SessionMeta describes the client a session is created for.
type SessionMeta struct {
	IPAddress string
	UserAgent string
}

func metaFromRequest(r *http.Request) SessionMeta {
	return SessionMeta{IPAddress: extractIP(r), UserAgent: r.UserAgent()}
}

// Login checks a username (or email) and password. It returns (nil, nil) when
// they do not match a user, and ErrAccountLocked while the account is locked.
func (a *AuthService) Login(ctx context.Context, username, password string, meta SessionMeta) (*Session, error) {
	var (
		user *User
		err  error
	)
	if strings.Contains(username, "@") {
		user, err = a.storage.GetUserByEmail(ctx, strings.ToLower(username))
	} else {
		user, err = a.storage.GetUserByUsername(ctx, strings.ToLower(username))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if user == nil {
		checkPasswordHash(password, string(dummyHash))
		a.metrics.login("invalid")
		slog.Debug("Login for unknown user")
		return nil, nil
	}

	security, err := a.storage.GetUserSecurity(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user security: %w", err)
	}

	now := a.now()
	if security != nil && security.LockedUntil != nil && now.Before(*security.LockedUntil) {
		a.metrics.login("locked")
		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "Login attempt on locked account", meta.IPAddress, meta.UserAgent, false)
		return nil, ErrAccountLocked
	}

	if !checkPasswordHash(password, user.PasswordHash) {
		a.recordFailedLogin(ctx, user, security, meta)
		a.metrics.login("invalid")
		return nil, nil
	}

	if !user.IsActive || user.IsSuspended {
		a.metrics.login("inactive")
		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "Login attempt on inactive account", meta.IPAddress, meta.UserAgent, false)
		return nil, nil
	}

	if security != nil && security.LoginAttempts > 0 {
		if err := a.storage.ResetLoginAttempts(ctx, user.ID); err != nil {
			slog.Error("Failed to reset login attempts", "error", err, "user_id", user.ID)
		}
	}
	if err := a.storage.UpdateLastLogin(ctx, user.ID, meta.IPAddress, now); err != nil {
		slog.Error("Failed to update last login", "error", err, "user_id", user.ID)
	}

	session, err := a.createSession(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}

	a.metrics.login("success")
	a.logSecurityEvent(ctx, &user.ID, EventLoginSuccess, "User logged in", meta.IPAddress, meta.UserAgent, true)
	return session, nil
}

func (a *AuthService) recordFailedLogin(ctx context.Context, user *User, security *UserSecurity, meta SessionMeta) {
	now := a.now()
	if err := a.storage.IncrementLoginAttempts(ctx, user.ID, now); err != nil {
		slog.Error("Failed to increment login attempts", "error", err, "user_id", user.ID)
	}
	a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "Invalid password", meta.IPAddress, meta.UserAgent, false)

	attempts := 1
	if security != nil {
		attempts = security.LoginAttempts + 1
	}
	if a.securityConfig.MaxLoginAttempts > 0 && attempts >= a.securityConfig.MaxLoginAttempts {
		if err := a.storage.SetUserLocked(ctx, user.ID, now.Add(a.securityConfig.LockoutDuration)); err != nil {
			slog.Error("Failed to lock user account", "error", err, "user_id", user.ID)
			return
		}
		slog.Info("Account locked after failed logins", "user_id", user.ID, "attempts", attempts)
		a.logSecurityEvent(ctx, &user.ID, EventAccountLocked, "Too many failed login attempts", meta.IPAddress, meta.UserAgent, false)
	}
}

func (a *AuthService) createSession(ctx context.Context, userID string, meta SessionMeta) (*Session, error) {
	now := a.now().UTC().Truncate(time.Second)
	session := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ExpiresAt:      now.Add(a.securityConfig.SessionLifetime),
		UserAgent:      meta.UserAgent,
		IPAddress:      meta.IPAddress,
		LastAccessedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.storage.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	a.metrics.sessionCreated()
	a.logSecurityEvent(ctx, &userID, EventSessionCreated, "Session created", meta.IPAddress, meta.UserAgent, true)
	return session, nil
}

// handleNewSession finishes a login. Users with two-factor enabled get the
// session stashed in the verification cookie and are sent to verify; everyone
// else gets the auth cookie.
func (a *AuthService) handleNewSession(ctx context.Context, session *Session, remember bool, redirectTo string) Outcome {
	twoFactor, err := a.FindVerification(ctx, session.UserID, VerificationTwoFactor)
	if err != nil {
		slog.Error("Failed to check two-factor status", "error", err, "user_id", session.UserID)
		return internalError()
	}

	if twoFactor != nil {
		vc, err := a.cookies.WriteVerification(&cookie.Verification{
			UnverifiedSessionID: session.ID,
			Remember:            remember,
		})
		if err != nil {
			slog.Error("Failed to write verification cookie", "error", err)
			return internalError()
		}
		return redirect(a.verifyPath(VerificationTwoFactor, session.UserID, safeRedirect(redirectTo, ""), ""), vc)
	}

	ac, err := a.authCookie(session, remember, time.Time{})
	if err != nil {
		slog.Error("Failed to write auth cookie", "error", err)
		return internalError()
	}
	return redirect(safeRedirect(redirectTo, "/"), ac)
}

// authCookie encodes the auth cookie for session. Persistent cookies expire
// with the session; others last for the browser session.
func (a *AuthService) authCookie(session *Session, persistent bool, verifiedAt time.Time) (*http.Cookie, error) {
	payload := &cookie.AuthSession{SessionID: session.ID}
	if !verifiedAt.IsZero() {
		payload.VerifiedAt = verifiedAt.UnixMilli()
	}
	var expires *time.Time
	if persistent {
		e := session.ExpiresAt
		expires = &e
	}
	return a.cookies.WriteAuth(payload, expires, a.now())
}

// authenticate resolves the auth cookie to a live session and its user. It
// returns nils when there is no usable session, and a *RedirectError when the
// session points at a user that no longer exists.
func (a *AuthService) authenticate(r *http.Request) (*Session, *User, error) {
	payload, ok := a.cookies.ReadAuth(r)
	if !ok {
		return nil, nil, nil
	}

	ctx := r.Context()
	session, err := a.storage.GetSession(ctx, payload.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil || !a.now().Before(session.ExpiresAt) {
		return nil, nil, nil
	}

	user, err := a.storage.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil || !user.IsActive || user.IsSuspended {
		slog.Warn("Session references an unavailable user, logging out", "session_id", session.ID, "user_id", session.UserID)
		if err := a.storage.DeleteSession(ctx, session.ID); err != nil {
			slog.Error("Failed to delete orphaned session", "error", err)
		}
		a.invalidatePermissions(session.UserID)
		return nil, nil, &RedirectError{To: "/", Cookies: []*http.Cookie{a.cookies.ClearAuth()}}
	}

	return session, user, nil
}

// GetUserID returns the user id of the current session, or "" when the
// request has no valid session.
func (a *AuthService) GetUserID(r *http.Request) (string, error) {
	session, _, err := a.authenticate(r)
	if err != nil || session == nil {
		return "", err
	}
	return session.UserID, nil
}

// RequireUserID is GetUserID for routes that need a user. Anonymous requests
// get a *RedirectError to the login page that returns here afterwards.
func (a *AuthService) RequireUserID(r *http.Request) (string, error) {
	userID, err := a.GetUserID(r)
	if err != nil {
		return "", err
	}
	if userID == "" {
		q := url.Values{}
		q.Set("redirectTo", r.URL.RequestURI())
		re := &RedirectError{To: "/login?" + q.Encode()}
		if _, ok := a.cookies.ReadAuth(r); ok {
			re.Cookies = append(re.Cookies, a.cookies.ClearAuth())
		}
		return "", re
	}
	return userID, nil
}

// RequireAnonymous redirects users that are already logged in.
func (a *AuthService) RequireAnonymous(r *http.Request) error {
	userID, err := a.GetUserID(r)
	if err != nil {
		return err
	}
	if userID != "" {
		return &RedirectError{To: "/"}
	}
	return nil
}

// ShouldRequestTwoFA reports whether the request must pass a second-factor
// check: a login is waiting on one, or the user has two-factor enabled and has
// not verified within TwoFactorFreshness.
func (a *AuthService) ShouldRequestTwoFA(r *http.Request) (bool, error) {
	if vc, ok := a.cookies.ReadVerification(r); ok && vc.UnverifiedSessionID != "" {
		return true, nil
	}

	userID, err := a.GetUserID(r)
	if err != nil || userID == "" {
		return false, err
	}

	twoFactor, err := a.FindVerification(r.Context(), userID, VerificationTwoFactor)
	if err != nil {
		return false, err
	}
	if twoFactor == nil {
		return false, nil
	}

	payload, _ := a.cookies.ReadAuth(r)
	return a.now().Sub(payload.VerifiedTime()) > a.securityConfig.TwoFactorFreshness, nil
}

// RequireRecentVerification sends users with a stale second-factor check to
// verify again before continuing to the current URL.
func (a *AuthService) RequireRecentVerification(r *http.Request) error {
	return a.requireRecentVerification(r, r.URL.RequestURI())
}

func (a *AuthService) requireRecentVerification(r *http.Request, returnTo string) error {
	userID, err := a.RequireUserID(r)
	if err != nil {
		return err
	}
	should, err := a.ShouldRequestTwoFA(r)
	if err != nil {
		return err
	}
	if should {
		return &RedirectError{To: a.verifyPath(VerificationTwoFactor, userID, returnTo, "")}
	}
	return nil
}

// Logout deletes the current session and returns the cookie that clears it.
func (a *AuthService) Logout(r *http.Request) *http.Cookie {
	if payload, ok := a.cookies.ReadAuth(r); ok {
		if err := a.storage.DeleteSession(r.Context(), payload.SessionID); err != nil {
			slog.Error("Failed to delete session", "error", err)
		}
	}
	return a.cookies.ClearAuth()
}

func isRedirect(err error) bool {
	var re *RedirectError
	return errors.As(err, &re)
}
