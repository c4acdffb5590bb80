package core

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/wispberry-tech/epic-auth/cookie"
)

// OAuthInitHandler starts the OAuth flow. The state lives in the verification
// cookie and the post-login destination in the redirect cookie.
func (a *AuthService) OAuthInitHandler(r *http.Request, provider string) Outcome {
	oauthConfig, exists := a.oauthConfigs[provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", provider)
		return formError(http.StatusBadRequest, "Unsupported OAuth provider")
	}

	state, err := generateSecureToken(32)
	if err != nil {
		slog.Error("Failed to generate state token", "error", err)
		return internalError()
	}

	vc, err := a.cookies.WriteVerification(&cookie.Verification{OAuthState: state, Provider: provider})
	if err != nil {
		slog.Error("Failed to write verification cookie", "error", err)
		return internalError()
	}
	cookies := []*http.Cookie{vc}

	if redirectTo := safeRedirect(r.URL.Query().Get("redirectTo"), ""); redirectTo != "" {
		rc, err := a.cookies.WriteRedirect(redirectTo)
		if err != nil {
			slog.Error("Failed to write redirect cookie", "error", err)
			return internalError()
		}
		cookies = append(cookies, rc)
	}

	slog.Debug("OAuth flow initiated", "provider", provider)
	return redirect(oauthConfig.AuthCodeURL(state), cookies...)
}

// OAuthCallbackHandler completes the OAuth flow. Known connections log in
// through the same path as passwords, so the two-factor gate still applies.
// Unknown profiles continue to provider onboarding.
func (a *AuthService) OAuthCallbackHandler(r *http.Request, provider string) Outcome {
	oauthConfig, exists := a.oauthConfigs[provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", provider)
		return formError(http.StatusBadRequest, "Unsupported OAuth provider")
	}

	cleanup := []*http.Cookie{a.cookies.ClearVerification(), a.cookies.ClearRedirect()}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		slog.Debug("Missing state or code in OAuth callback")
		return formError(http.StatusBadRequest, "Missing state or code parameter", cleanup...)
	}

	vc, ok := a.cookies.ReadVerification(r)
	if !ok || vc.Provider != provider || subtle.ConstantTimeCompare([]byte(vc.OAuthState), []byte(state)) != 1 {
		slog.Debug("Invalid OAuth state", "provider", provider)
		return formError(http.StatusBadRequest, "Invalid state parameter", cleanup...)
	}

	redirectTo := ""
	if rc, ok := a.cookies.ReadRedirect(r); ok {
		redirectTo = safeRedirect(rc.To, "")
	}

	ctx := r.Context()
	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		slog.Error("Failed to exchange OAuth code", "error", err)
		return formError(http.StatusBadGateway, "Failed to exchange authorization code", cleanup...)
	}

	oauthUser, err := a.fetchOAuthUserInfo(ctx, provider, oauthConfig, token)
	if err != nil {
		slog.Error("Failed to fetch OAuth user info", "error", err)
		return formError(http.StatusBadGateway, "Failed to fetch user information", cleanup...)
	}
	if oauthUser.ID == "" {
		return formError(http.StatusBadGateway, "Failed to fetch user information", cleanup...)
	}

	meta := metaFromRequest(r)

	existing, err := a.storage.GetUserByProviderID(ctx, provider, oauthUser.ID)
	if err != nil {
		slog.Error("Failed to get user by provider ID", "error", err)
		return internalError()
	}

	currentUserID, err := a.GetUserID(r)
	if err != nil {
		return outcomeFromError(err)
	}
	if currentUserID != "" {
		return a.connectProvider(r, currentUserID, existing, provider, oauthUser, cleanup)
	}

	user := existing
	if user == nil && oauthUser.Email != "" {
		// Link to the account that already owns the verified address.
		user, err = a.storage.GetUserByEmail(ctx, strings.ToLower(oauthUser.Email))
		if err != nil {
			slog.Error("Failed to check existing email", "error", err)
			return internalError()
		}
		if user != nil {
			user.Provider = provider
			user.ProviderID = oauthUser.ID
			if user.AvatarURL == "" {
				user.AvatarURL = oauthUser.AvatarURL
			}
			user.UpdatedAt = a.now()
			if err := a.storage.UpdateUser(ctx, user); err != nil {
				slog.Error("Failed to update user with OAuth info", "error", err)
				return internalError()
			}
			a.logSecurityEvent(ctx, &user.ID, "oauth_account_linked", fmt.Sprintf("Account linked with %s", provider), meta.IPAddress, meta.UserAgent, true)
		}
	}

	if user == nil {
		return a.startProviderOnboarding(provider, oauthUser, redirectTo)
	}

	if !user.IsActive || user.IsSuspended {
		a.logSecurityEvent(ctx, &user.ID, "oauth_login_failed", "OAuth login attempt on inactive account", meta.IPAddress, meta.UserAgent, false)
		return formError(http.StatusUnauthorized, "Account is not active", cleanup...)
	}

	if err := a.storage.UpdateLastLogin(ctx, user.ID, meta.IPAddress, a.now()); err != nil {
		slog.Error("Failed to update last login", "error", err)
	}

	session, err := a.createSession(ctx, user.ID, meta)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		return internalError()
	}
	a.logSecurityEvent(ctx, &user.ID, EventOAuthLogin, fmt.Sprintf("User authenticated via %s", provider), meta.IPAddress, meta.UserAgent, true)
	slog.Info("OAuth authentication successful", "user_id", user.ID, "provider", provider)

	// Clear first so a two-factor gate can replace the verification cookie.
	o := a.handleNewSession(ctx, session, true, redirectTo)
	o.Cookies = append(cleanup, o.Cookies...)
	return o
}

func (a *AuthService) connectProvider(r *http.Request, userID string, existing *User, provider string, oauthUser *OAuthUser, cleanup []*http.Cookie) Outcome {
	ctx := r.Context()

	if existing != nil && existing.ID != userID {
		cookies := a.withToast(cleanup, &cookie.Toast{
			Type:        "error",
			Title:       "Already Connected",
			Description: fmt.Sprintf("This %s account is already connected to another account.", provider),
		})
		return redirect("/settings/profile/connections", cookies...)
	}

	user, err := a.storage.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		slog.Error("Failed to get user for connection", "error", err)
		return internalError()
	}
	user.Provider = provider
	user.ProviderID = oauthUser.ID
	user.UpdatedAt = a.now()
	if err := a.storage.UpdateUser(ctx, user); err != nil {
		slog.Error("Failed to connect provider", "error", err)
		return internalError()
	}
	a.logSecurityEvent(ctx, &user.ID, "oauth_account_linked", fmt.Sprintf("Account linked with %s", provider), extractIP(r), r.UserAgent(), true)

	cookies := a.withToast(cleanup, &cookie.Toast{
		Type:        "success",
		Title:       "Connected",
		Description: fmt.Sprintf("Your %s account has been connected.", provider),
	})
	return redirect("/settings/profile/connections", cookies...)
}

func (a *AuthService) startProviderOnboarding(provider string, oauthUser *OAuthUser, redirectTo string) Outcome {
	vc, err := a.cookies.WriteVerification(&cookie.Verification{
		Provider: provider,
		ProviderProfile: &cookie.ProviderProfile{
			ProviderID: oauthUser.ID,
			Email:      strings.ToLower(oauthUser.Email),
			Username:   oauthUser.Username,
			Name:       oauthUser.Name,
			AvatarURL:  oauthUser.AvatarURL,
		},
	})
	if err != nil {
		slog.Error("Failed to write verification cookie", "error", err)
		return internalError()
	}

	to := "/onboarding/" + url.PathEscape(provider)
	if redirectTo != "" {
		to += "?" + url.Values{"redirectTo": {redirectTo}}.Encode()
	}
	return redirect(to, vc, a.cookies.ClearRedirect())
}
