package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGitHubServer fakes the token and profile endpoints of a GitHub-style provider.
func newGitHubServer(t *testing.T, profile map[string]any, emails []map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "token-123", "token_type": "bearer"})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(profile)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(emails)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newOAuthEnv(t *testing.T, srv *httptest.Server) *testEnv {
	return newTestEnv(t, func(cfg *Config) {
		cfg.OAuthProviders = map[string]OAuthProviderConfig{
			"github": {
				ClientID:     "client",
				ClientSecret: "secret",
				RedirectURL:  "https://notes.example.com/auth/github/callback",
				AuthURL:      srv.URL + "/login/oauth/authorize",
				TokenURL:     srv.URL + "/login/oauth/access_token",
				UserInfoURL:  srv.URL + "/user",
				Scopes:       []string{"user:email"},
			},
		}
	})
}

// oauthRoundTrip runs init and callback on b and returns the callback outcome.
func oauthRoundTrip(t *testing.T, env *testEnv, b *browser, redirectTo string) Outcome {
	t.Helper()
	initURL := "/auth/github"
	if redirectTo != "" {
		initURL += "?" + url.Values{"redirectTo": {redirectTo}}.Encode()
	}
	o := b.keep(env.auth.OAuthInitHandler(b.request(http.MethodPost, initURL, nil), "github"))
	require.Equal(t, http.StatusSeeOther, o.StatusCode, "%+v", o)
	state := queryOf(t, o.RedirectTo).Get("state")
	require.NotEmpty(t, state)

	callback := "/auth/github/callback?" + url.Values{"state": {state}, "code": {"auth-code"}}.Encode()
	return b.keep(env.auth.OAuthCallbackHandler(b.request(http.MethodGet, callback, nil), "github"))
}

func TestOAuthFlow_NewUserOnboards(t *testing.T) {
	srv := newGitHubServer(t,
		map[string]any{"id": 42, "login": "octocat", "name": "Octo Cat", "avatar_url": "https://avatars.example.com/42"},
		[]map[string]any{
			{"email": "secondary@example.com", "primary": false, "verified": true},
			{"email": "Octo@Example.com", "primary": true, "verified": true},
		})
	env := newOAuthEnv(t, srv)
	b := newBrowser(t)

	o := oauthRoundTrip(t, env, b, "/notes")
	require.Equal(t, http.StatusSeeOther, o.StatusCode, "%+v", o)
	assert.Equal(t, "/onboarding/github", pathOf(t, o.RedirectTo))
	assert.Equal(t, "/notes", queryOf(t, o.RedirectTo).Get("redirectTo"))
	require.True(t, b.has("en_verification"))

	o = b.keep(env.auth.ProviderOnboardingHandler(b.request(http.MethodPost, "/onboarding/github", map[string]any{
		"username":   "octocat",
		"name":       "Octo Cat",
		"redirectTo": "/notes",
		"agreeToTermsOfServiceAndPrivacyPolicy": true,
	}), "github"))
	require.Equal(t, http.StatusSeeOther, o.StatusCode, "%+v", o)
	assert.Equal(t, "/notes", o.RedirectTo)
	assert.True(t, b.has("en_session"))

	user, err := env.storage.GetUserByProviderID(context.Background(), "github", "42")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "octo@example.com", user.Email)
	assert.True(t, user.EmailVerified)
	assert.Empty(t, user.PasswordHash)

	// The next round trip logs straight in.
	again := newBrowser(t)
	o = oauthRoundTrip(t, env, again, "")
	require.Equal(t, http.StatusSeeOther, o.StatusCode, "%+v", o)
	assert.Equal(t, "/", o.RedirectTo)
	assert.True(t, again.has("en_session"))
	assert.True(t, env.storage.hasEvent(EventOAuthLogin))
}

func TestOAuthFlow_LinksExistingEmail(t *testing.T) {
	srv := newGitHubServer(t,
		map[string]any{"id": 7, "login": "kody", "name": "Kody", "email": "kody@example.com"},
		nil)
	env := newOAuthEnv(t, srv)
	user := env.createUser(t, "kody", "kodylovesyou")

	b := newBrowser(t)
	o := oauthRoundTrip(t, env, b, "")
	require.Equal(t, http.StatusSeeOther, o.StatusCode, "%+v", o)
	assert.Equal(t, "/", o.RedirectTo)

	linked, err := env.storage.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "github", linked.Provider)
	assert.Equal(t, "7", linked.ProviderID)
}

func TestOAuthFlow_TwoFactorStillApplies(t *testing.T) {
	srv := newGitHubServer(t,
		map[string]any{"id": 7, "login": "kody", "name": "Kody", "email": "kody@example.com"},
		nil)
	env := newOAuthEnv(t, srv)
	user := env.createUser(t, "kody", "kodylovesyou")

	setup := newBrowser(t)
	env.login(t, setup, "kody", "kodylovesyou")
	env.enableTwoFactor(t, setup, user)

	b := newBrowser(t)
	o := oauthRoundTrip(t, env, b, "")
	require.Equal(t, http.StatusSeeOther, o.StatusCode)
	assert.Equal(t, "2fa", queryOf(t, o.RedirectTo).Get("type"))
	assert.False(t, b.has("en_session"))
	assert.True(t, b.has("en_verification"))
}

func TestOAuthCallbackHandler_RejectsBadState(t *testing.T) {
	srv := newGitHubServer(t, map[string]any{"id": 1}, nil)
	env := newOAuthEnv(t, srv)
	b := newBrowser(t)

	b.keep(env.auth.OAuthInitHandler(b.request(http.MethodPost, "/auth/github", nil), "github"))
	o := env.auth.OAuthCallbackHandler(b.request(http.MethodGet, "/auth/github/callback?state=forged&code=x", nil), "github")
	assert.Equal(t, http.StatusBadRequest, o.StatusCode)
	assert.Equal(t, "Invalid state parameter", o.Error)

	o = env.auth.OAuthCallbackHandler(newBrowser(t).request(http.MethodGet, "/auth/github/callback?state=forged&code=x", nil), "github")
	assert.Equal(t, http.StatusBadRequest, o.StatusCode)

	o = env.auth.OAuthInitHandler(b.request(http.MethodPost, "/auth/discord", nil), "discord")
	assert.Equal(t, http.StatusBadRequest, o.StatusCode)
}
