package cookie

import (
	"net/http"
	"time"
)

// AuthSession is the auth cookie. It only references a session; user data and
// permissions are always read from the store.
type AuthSession struct {
	SessionID string `json:"sid" validate:"required,max=64"`
	// VerifiedAt is the unix millisecond time of the last second-factor check.
	VerifiedAt int64 `json:"vt,omitempty" validate:"gte=0"`
	// Persistent records that "remember me" was requested so rewrites keep the expiry.
	Persistent bool `json:"p,omitempty"`
}

// VerifiedTime returns VerifiedAt as a time, zero when never verified.
func (a *AuthSession) VerifiedTime() time.Time {
	if a == nil || a.VerifiedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(a.VerifiedAt)
}

// ProviderProfile is the profile an OAuth provider returned for a user who still
// has to finish onboarding.
type ProviderProfile struct {
	ProviderID string `json:"id" validate:"required,max=255"`
	Email      string `json:"email" validate:"omitempty,email"`
	Username   string `json:"username,omitempty" validate:"max=64"`
	Name       string `json:"name,omitempty" validate:"max=128"`
	AvatarURL  string `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

// Verification holds the transient state of a flow that is waiting on a code or
// an external redirect. Only the fields relevant to the active flow are set.
type Verification struct {
	OnboardingEmail       string           `json:"onboarding_email,omitempty" validate:"omitempty,email"`
	ResetPasswordUsername string           `json:"reset_password_username,omitempty" validate:"max=64"`
	NewEmail              string           `json:"new_email,omitempty" validate:"omitempty,email"`
	UnverifiedSessionID   string           `json:"unverified_session_id,omitempty" validate:"max=64"`
	Remember              bool             `json:"remember,omitempty"`
	OAuthState            string           `json:"oauth_state,omitempty" validate:"max=128"`
	Provider              string           `json:"provider,omitempty" validate:"max=32"`
	ProviderProfile       *ProviderProfile `json:"provider_profile,omitempty"`
}

// Redirect carries a destination across a multi-step flow.
type Redirect struct {
	To string `json:"to" validate:"required,max=2048"`
}

// Toast is a one-shot message shown after a redirect.
type Toast struct {
	Type        string `json:"type" validate:"oneof=message success error"`
	Title       string `json:"title,omitempty" validate:"max=256"`
	Description string `json:"description" validate:"required,max=1024"`
}

// ReadAuth returns the auth cookie, or false when it is missing or untrusted.
func (m *Manager) ReadAuth(r *http.Request) (*AuthSession, bool) {
	return read[AuthSession](m, r, AuthSessionName, m.authCodec)
}

// WriteAuth encodes the auth cookie. A non-nil expires gives the cookie an
// explicit lifetime measured from now, the caller's clock; nil makes it a
// browser-session cookie.
func (m *Manager) WriteAuth(s *AuthSession, expires *time.Time, now time.Time) (*http.Cookie, error) {
	s.Persistent = expires != nil
	maxAge := 0
	if expires != nil {
		maxAge = int(expires.Sub(now).Seconds())
		if maxAge <= 0 {
			return m.ClearAuth(), nil
		}
	}
	return m.write(AuthSessionName, s, m.authCodec, maxAge)
}

// ClearAuth returns a cookie that removes the auth cookie.
func (m *Manager) ClearAuth() *http.Cookie {
	return m.clear(AuthSessionName)
}

// ReadVerification returns the verification cookie, or false when it is missing or untrusted.
func (m *Manager) ReadVerification(r *http.Request) (*Verification, bool) {
	return read[Verification](m, r, VerificationName, m.tempCodec)
}

// WriteVerification encodes the verification cookie.
func (m *Manager) WriteVerification(v *Verification) (*http.Cookie, error) {
	return m.write(VerificationName, v, m.tempCodec, int(m.cfg.VerificationMaxAge.Seconds()))
}

// ClearVerification destroys the verification cookie once its payload was consumed.
func (m *Manager) ClearVerification() *http.Cookie {
	return m.clear(VerificationName)
}

// ReadRedirect returns the redirect cookie, or false when it is missing or untrusted.
func (m *Manager) ReadRedirect(r *http.Request) (*Redirect, bool) {
	return read[Redirect](m, r, RedirectName, m.tempCodec)
}

// WriteRedirect encodes the redirect cookie.
func (m *Manager) WriteRedirect(to string) (*http.Cookie, error) {
	return m.write(RedirectName, &Redirect{To: to}, m.tempCodec, int(m.cfg.RedirectMaxAge.Seconds()))
}

// ClearRedirect destroys the redirect cookie.
func (m *Manager) ClearRedirect() *http.Cookie {
	return m.clear(RedirectName)
}

// ReadToast returns the pending toast, if any. Callers should send ClearToast
// with the response that displays it.
func (m *Manager) ReadToast(r *http.Request) (*Toast, bool) {
	return read[Toast](m, r, ToastName, m.tempCodec)
}

// WriteToast encodes a toast for the next page load.
func (m *Manager) WriteToast(t *Toast) (*http.Cookie, error) {
	if t.Type == "" {
		t.Type = "message"
	}
	return m.write(ToastName, t, m.tempCodec, int(m.cfg.RedirectMaxAge.Seconds()))
}

// ClearToast removes the toast cookie.
func (m *Manager) ClearToast() *http.Cookie {
	return m.clear(ToastName)
}
