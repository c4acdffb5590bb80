package core

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enableTwoFactor enrolls an authenticator for the user logged in on b and
// returns its secret.
func (e *testEnv) enableTwoFactor(t *testing.T, b *browser, user *User) string {
	t.Helper()
	o := b.keep(e.auth.TwoFactorSetupHandler(b.request(http.MethodPost, "/settings/profile/two-factor", nil)))
	require.Equal(t, http.StatusOK, o.StatusCode, "setup: %+v", o)
	setup, ok := o.Data.(TwoFactorSetup)
	require.True(t, ok)

	o = e.verify(b, VerificationTwoFactorInit, user.ID, e.totpCode(t, setup.Secret), "")
	require.Equal(t, http.StatusSeeOther, o.StatusCode, "enable: %+v", o)
	require.Equal(t, "/settings/profile/two-factor", o.RedirectTo)
	return setup.Secret
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "kody", "kodylovesyou")

	tests := []struct {
		name       string
		username   string
		password   string
		wantStatus int
	}{
		{"username", "kody", "kodylovesyou", http.StatusSeeOther},
		{"username is case insensitive", "Kody", "kodylovesyou", http.StatusSeeOther},
		{"email", "kody@example.com", "kodylovesyou", http.StatusSeeOther},
		{"wrong password", "kody", "wrongpassword", http.StatusBadRequest},
		{"unknown user", "nobody", "kodylovesyou", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBrowser(t)
			o := env.login(t, b, tt.username, tt.password)
			assert.Equal(t, tt.wantStatus, o.StatusCode)

			if tt.wantStatus == http.StatusSeeOther {
				assert.Equal(t, "/", o.RedirectTo)
				userID, err := env.auth.GetUserID(b.request(http.MethodGet, "/", nil))
				require.NoError(t, err)
				assert.Equal(t, user.ID, userID)
			} else {
				assert.Equal(t, "Invalid username or password", o.Error)
				assert.False(t, b.has("en_session"))
			}
		})
	}
}

func TestLogin_RememberLifetimeFollowsServiceClock(t *testing.T) {
	for _, skew := range []time.Duration{-60 * 24 * time.Hour, 60 * 24 * time.Hour} {
		t.Run(skew.String(), func(t *testing.T) {
			env := newTestEnv(t)
			env.clock.Advance(skew)
			env.createUser(t, "kody", "kodylovesyou")

			b := newBrowser(t)
			o := b.keep(env.auth.LoginHandler(b.request(http.MethodPost, "/login", map[string]any{
				"username": "kody",
				"password": "kodylovesyou",
				"remember": true,
			})))
			require.Equal(t, http.StatusSeeOther, o.StatusCode, "%+v", o)
			require.True(t, b.has("en_session"))
			assert.InDelta(t, DefaultSecurityConfig().SessionLifetime.Seconds(), float64(b.cookies["en_session"].MaxAge), 2)

			userID, err := env.auth.GetUserID(b.request(http.MethodGet, "/", nil))
			require.NoError(t, err)
			assert.NotEmpty(t, userID)
		})
	}
}

func TestLogin_RedirectAndRemember(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "kody", "kodylovesyou")

	b := newBrowser(t)
	o := b.keep(env.auth.LoginHandler(b.request(http.MethodPost, "/login", map[string]any{
		"username":   "kody",
		"password":   "kodylovesyou",
		"remember":   true,
		"redirectTo": "/notes/1",
	})))
	require.Equal(t, http.StatusSeeOther, o.StatusCode)
	assert.Equal(t, "/notes/1", o.RedirectTo)
	require.True(t, b.has("en_session"))
	assert.Greater(t, b.cookies["en_session"].MaxAge, 0)

	b = newBrowser(t)
	o = b.keep(env.auth.LoginHandler(b.request(http.MethodPost, "/login", map[string]any{
		"username":   "kody",
		"password":   "kodylovesyou",
		"redirectTo": "//evil.example.com",
	})))
	assert.Equal(t, "/", o.RedirectTo)
	assert.Equal(t, 0, b.cookies["en_session"].MaxAge)
}

func TestLogin_Lockout(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "kody", "kodylovesyou")
	b := newBrowser(t)

	for i := 0; i < 5; i++ {
		o := env.login(t, b, "kody", "wrongpassword")
		require.Equal(t, http.StatusBadRequest, o.StatusCode)
	}

	o := env.login(t, b, "kody", "kodylovesyou")
	assert.Equal(t, http.StatusUnauthorized, o.StatusCode)
	assert.True(t, env.storage.hasEvent(EventAccountLocked))

	env.clock.Advance(16 * time.Minute)
	o = env.login(t, b, "kody", "kodylovesyou")
	assert.Equal(t, http.StatusSeeOther, o.StatusCode)

	security, err := env.storage.GetUserSecurity(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, security.LoginAttempts)
	assert.Nil(t, security.LockedUntil)
}

func TestLogin_InactiveUser(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "kody", "kodylovesyou")
	user.IsSuspended = true
	require.NoError(t, env.storage.UpdateUser(context.Background(), user))

	o := env.login(t, newBrowser(t), "kody", "kodylovesyou")
	assert.Equal(t, http.StatusBadRequest, o.StatusCode)
}

func TestLoginHandler_AlreadyLoggedIn(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "kody", "kodylovesyou")
	b := newBrowser(t)
	env.login(t, b, "kody", "kodylovesyou")

	o := env.login(t, b, "kody", "kodylovesyou")
	assert.Equal(t, http.StatusSeeOther, o.StatusCode)
	assert.Equal(t, "/", o.RedirectTo)
}

func TestTwoFactorLoginGate(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "kody", "kodylovesyou")

	setup := newBrowser(t)
	env.login(t, setup, "kody", "kodylovesyou")
	secret := env.enableTwoFactor(t, setup, user)

	b := newBrowser(t)
	o := b.keep(env.auth.LoginHandler(b.request(http.MethodPost, "/login", map[string]any{
		"username":   "kody",
		"password":   "kodylovesyou",
		"remember":   true,
		"redirectTo": "/notes",
	})))
	require.Equal(t, http.StatusSeeOther, o.StatusCode)
	assert.Equal(t, "/verify", pathOf(t, o.RedirectTo))
	q := queryOf(t, o.RedirectTo)
	assert.Equal(t, "2fa", q.Get("type"))
	assert.Equal(t, user.ID, q.Get("target"))
	assert.Equal(t, "/notes", q.Get("redirectTo"))

	assert.False(t, b.has("en_session"), "no auth cookie before the second factor")
	assert.True(t, b.has("en_verification"))

	userID, err := env.auth.GetUserID(b.request(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Empty(t, userID)

	should, err := env.auth.ShouldRequestTwoFA(b.request(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.True(t, should)

	o = env.verify(b, VerificationTwoFactor, user.ID, "000000", "/notes")
	if o.StatusCode != http.StatusSeeOther {
		assert.Equal(t, []string{"Invalid code"}, o.FieldErrors["code"])
	}

	o = env.verify(b, VerificationTwoFactor, user.ID, env.totpCode(t, secret), "/notes")
	require.Equal(t, http.StatusSeeOther, o.StatusCode, "%+v", o)
	assert.Equal(t, "/notes", o.RedirectTo)
	assert.True(t, b.has("en_session"))
	assert.False(t, b.has("en_verification"))
	assert.Greater(t, b.cookies["en_session"].MaxAge, 0, "remember survives the gate")

	userID, err = env.auth.GetUserID(b.request(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	// The code is time-based and stays usable within its window.
	record, err := env.auth.FindVerification(context.Background(), user.ID, VerificationTwoFactor)
	require.NoError(t, err)
	assert.NotNil(t, record)
	assert.Nil(t, record.ExpiresAt)
}

func TestTwoFactorGate_TargetMustOwnPendingSession(t *testing.T) {
	env := newTestEnv(t)
	kody := env.createUser(t, "kody", "kodylovesyou")
	other := env.createUser(t, "mallory", "mallorypassword")

	setup := newBrowser(t)
	env.login(t, setup, "kody", "kodylovesyou")
	env.enableTwoFactor(t, setup, kody)

	setup = newBrowser(t)
	env.login(t, setup, "mallory", "mallorypassword")
	otherSecret := env.enableTwoFactor(t, setup, other)

	b := newBrowser(t)
	env.login(t, b, "kody", "kodylovesyou")
	require.True(t, b.has("en_verification"))

	o := env.verify(b, VerificationTwoFactor, other.ID, env.totpCode(t, otherSecret), "")
	assert.Equal(t, http.StatusSeeOther, o.StatusCode)
	assert.Equal(t, "/login", o.RedirectTo)
	assert.False(t, b.has("en_session"))
	assert.True(t, env.storage.hasEvent(EventSuspiciousActivity))
}

func TestRequireRecentVerification(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "kody", "kodylovesyou")
	b := newBrowser(t)
	env.login(t, b, "kody", "kodylovesyou")

	// Without two-factor there is nothing to re-verify.
	require.NoError(t, env.auth.RequireRecentVerification(b.request(http.MethodGet, "/settings/profile/change-email", nil)))

	secret := env.enableTwoFactor(t, b, user)
	require.NoError(t, env.auth.RequireRecentVerification(b.request(http.MethodGet, "/settings/profile/change-email", nil)),
		"enrolling counts as a fresh verification")

	env.clock.Advance(2*time.Hour + time.Minute)
	err := env.auth.RequireRecentVerification(b.request(http.MethodGet, "/settings/profile/change-email", nil))
	var re *RedirectError
	require.True(t, errors.As(err, &re))
	q := queryOf(t, re.To)
	assert.Equal(t, "2fa", q.Get("type"))
	assert.Equal(t, user.ID, q.Get("target"))
	assert.Equal(t, "/settings/profile/change-email", q.Get("redirectTo"))

	o := env.verify(b, VerificationTwoFactor, user.ID, env.totpCode(t, secret), q.Get("redirectTo"))
	require.Equal(t, http.StatusSeeOther, o.StatusCode)
	assert.Equal(t, "/settings/profile/change-email", o.RedirectTo)

	require.NoError(t, env.auth.RequireRecentVerification(b.request(http.MethodGet, "/settings/profile/change-email", nil)))
}

func TestRequireUserID_Anonymous(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.RequireUserID(newBrowser(t).request(http.MethodGet, "/notes?page=2", nil))
	var re *RedirectError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "/login", pathOf(t, re.To))
	assert.Equal(t, "/notes?page=2", queryOf(t, re.To).Get("redirectTo"))
	assert.Empty(t, re.Cookies)
}

func TestAuthenticate_MissingUserLogsOut(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "kody", "kodylovesyou")
	b := newBrowser(t)
	env.login(t, b, "kody", "kodylovesyou")

	env.storage.mu.Lock()
	delete(env.storage.users, user.ID)
	env.storage.mu.Unlock()

	o := b.keep(env.auth.MeHandler(b.request(http.MethodGet, "/me", nil)))
	assert.Equal(t, http.StatusSeeOther, o.StatusCode)
	assert.Equal(t, "/", o.RedirectTo)
	assert.False(t, b.has("en_session"))

	env.storage.mu.RLock()
	assert.Empty(t, env.storage.sessions)
	env.storage.mu.RUnlock()
}

func TestAuthenticate_SuspendedUserLogsOut(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "kody", "kodylovesyou")
	b := newBrowser(t)
	env.login(t, b, "kody", "kodylovesyou")

	user.IsSuspended = true
	require.NoError(t, env.storage.UpdateUser(context.Background(), user))

	_, err := env.auth.GetUserID(b.request(http.MethodGet, "/", nil))
	var re *RedirectError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "/", re.To)
}

func TestAuthenticate_ExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "kody", "kodylovesyou")
	b := newBrowser(t)
	env.login(t, b, "kody", "kodylovesyou")

	env.clock.Advance(31 * 24 * time.Hour)
	userID, err := env.auth.GetUserID(b.request(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Empty(t, userID)

	_, err = env.auth.RequireUserID(b.request(http.MethodGet, "/notes", nil))
	var re *RedirectError
	require.True(t, errors.As(err, &re))
	assert.True(t, hasCookie(Outcome{Cookies: re.Cookies}, "en_session", true), "stale auth cookie is cleared")
}

func TestLogoutHandler(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "kody", "kodylovesyou")
	b := newBrowser(t)
	env.login(t, b, "kody", "kodylovesyou")
	old := b.request(http.MethodGet, "/", nil)

	o := b.keep(env.auth.LogoutHandler(b.request(http.MethodPost, "/logout", nil)))
	assert.Equal(t, "/", o.RedirectTo)
	assert.False(t, b.has("en_session"))

	userID, err := env.auth.GetUserID(old)
	require.NoError(t, err)
	assert.Empty(t, userID, "the session is gone server side")
}

func TestSessionsHandlers(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "kody", "kodylovesyou")

	laptop := newBrowser(t)
	phone := newBrowser(t)
	env.login(t, laptop, "kody", "kodylovesyou")
	env.login(t, phone, "kody", "kodylovesyou")

	o := env.auth.SessionsHandler(laptop.request(http.MethodGet, "/settings/sessions", nil))
	require.Equal(t, http.StatusOK, o.StatusCode)
	list := o.Data.(SessionList)
	assert.Len(t, list.Sessions, 2)
	assert.NotEmpty(t, list.CurrentSessionID)

	o = env.auth.SignOutOtherSessionsHandler(laptop.request(http.MethodPost, "/settings/sessions/sign-out-others", nil))
	require.Equal(t, http.StatusOK, o.StatusCode)
	assert.Equal(t, map[string]int64{"signed_out": 1}, o.Data)

	userID, err := env.auth.GetUserID(phone.request(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Empty(t, userID)

	userID, err = env.auth.GetUserID(laptop.request(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, userID)
}

// cachedSessionsStorage hands out the same slice on every GetUserSessions call.
type cachedSessionsStorage struct {
	*mockStorage
	cached []*Session
}

func (s cachedSessionsStorage) GetUserSessions(context.Context, string) ([]*Session, error) {
	return s.cached, nil
}

func TestSessionsHandler_LeavesStoreSliceIntact(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "kody", "kodylovesyou")
	b := newBrowser(t)
	env.login(t, b, "kody", "kodylovesyou")

	live, err := env.storage.GetUserSessions(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, live, 1)

	expired := &Session{ID: "expired", UserID: user.ID, ExpiresAt: env.clock.Now().Add(-time.Hour)}
	cached := []*Session{expired, live[0]}
	env.auth.storage = cachedSessionsStorage{mockStorage: env.storage, cached: cached}

	for range 2 {
		o := env.auth.SessionsHandler(b.request(http.MethodGet, "/settings/sessions", nil))
		require.Equal(t, http.StatusOK, o.StatusCode)
		list := o.Data.(SessionList)
		require.Len(t, list.Sessions, 1)
		assert.Equal(t, live[0].ID, list.Sessions[0].ID)
	}
	assert.Same(t, expired, cached[0])
	assert.Same(t, live[0], cached[1])
}
