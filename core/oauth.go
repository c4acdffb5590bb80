package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
)

// OAuthUser represents user information from OAuth providers
type OAuthUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// fetchOAuthUserInfo fetches the profile of the token's owner.
func (a *AuthService) fetchOAuthUserInfo(ctx context.Context, provider string, cfg *oauth2.Config, token *oauth2.Token) (*OAuthUser, error) {
	userInfoURL := a.oauthUserInfo[provider]
	if userInfoURL == "" {
		return nil, fmt.Errorf("%w: %s has no user info endpoint", ErrInvalidProvider, provider)
	}

	client := cfg.Client(ctx, token)
	resp, err := client.Get(userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch user info: status %d", resp.StatusCode)
	}

	switch provider {
	case "google":
		return parseGoogleUser(resp)
	case "github":
		user, err := parseGitHubUser(resp)
		if err != nil {
			return nil, err
		}
		// GitHub omits private emails from the profile.
		if user.Email == "" {
			email, err := fetchGitHubUserEmail(client, userInfoURL+"/emails")
			if err != nil {
				return nil, fmt.Errorf("failed to fetch GitHub user email: %w", err)
			}
			user.Email = email
		}
		return user, nil
	default:
		var user OAuthUser
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return nil, fmt.Errorf("failed to decode %s user: %w", provider, err)
		}
		return &user, nil
	}
}

func parseGoogleUser(resp *http.Response) (*OAuthUser, error) {
	var googleUser struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&googleUser); err != nil {
		return nil, fmt.Errorf("failed to decode Google user: %w", err)
	}

	user := &OAuthUser{
		ID:        googleUser.ID,
		Name:      googleUser.Name,
		AvatarURL: googleUser.Picture,
	}
	if googleUser.VerifiedEmail {
		user.Email = googleUser.Email
	}
	return user, nil
}

func parseGitHubUser(resp *http.Response) (*OAuthUser, error) {
	var githubUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&githubUser); err != nil {
		return nil, fmt.Errorf("failed to decode GitHub user: %w", err)
	}

	return &OAuthUser{
		ID:        strconv.FormatInt(githubUser.ID, 10),
		Email:     githubUser.Email,
		Name:      githubUser.Name,
		Username:  githubUser.Login,
		AvatarURL: githubUser.AvatarURL,
	}, nil
}

// fetchGitHubUserEmail fetches the primary verified email from the emails endpoint
func fetchGitHubUserEmail(client *http.Client, emailsURL string) (string, error) {
	resp, err := client.Get(emailsURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch emails: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch emails: status %d", resp.StatusCode)
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", fmt.Errorf("failed to decode emails: %w", err)
	}

	for _, email := range emails {
		if email.Primary && email.Verified {
			return email.Email, nil
		}
	}
	for _, email := range emails {
		if email.Verified {
			return email.Email, nil
		}
	}
	return "", fmt.Errorf("no verified email found")
}
