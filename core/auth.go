// Package core implements the verification and authentication-session
// lifecycle: time-based one-time codes issued per (target, type), the
// verification state machine shared by onboarding, password reset, email
// change and two-factor flows, and the signed-cookie session boundary that
// gates every authenticated request.
//
// ## Key Features:
//   - One verification record per (target, type), consumed exactly once
//   - Return-based handlers - maximum control over HTTP responses
//   - Two-factor gate on every new session, re-verification for sensitive actions
//   - Roles and "action:entity:access" permissions with a short-lived cache
//   - Security event auditing and account lockout protection
//
// ## Quick Start:
//
//	cookies, _ := cookie.NewManager(cookie.Config{Secrets: secrets})
//	authService, err := core.NewAuthService(core.Config{
//		Storage: storage,
//		Cookies: cookies,
//		Mailer:  mailer,
//		BaseURL: "https://example.com",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r.Post("/verify", func(w http.ResponseWriter, r *http.Request) {
//		authService.WriteOutcome(w, r, authService.VerifyHandler(r))
//	})
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/wispberry-tech/epic-auth/cookie"
	"github.com/wispberry-tech/epic-auth/mailer"
)

// Common authentication errors returned by the library
var (
	// ErrUserNotFound is returned when a user cannot be found in the database
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when attempting to create a user that already exists
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidProvider is returned when an unsupported OAuth provider is specified
	ErrInvalidProvider = errors.New("invalid OAuth provider")
	// ErrAccountLocked is returned when an account is temporarily locked
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrVerificationNotFound is returned when no live record exists for a target and type
	ErrVerificationNotFound = errors.New("verification not found")
	// ErrUnknownVerificationType is returned for types outside the supported set
	ErrUnknownVerificationType = errors.New("unknown verification type")
)

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Password security
	PasswordMinLength      int
	PasswordRequireUpper   bool
	PasswordRequireLower   bool
	PasswordRequireNumber  bool
	PasswordRequireSpecial bool
	BcryptCost             int

	// Login security
	MaxLoginAttempts int           // Maximum failed login attempts before lockout
	LockoutDuration  time.Duration // How long accounts remain locked
	SessionLifetime  time.Duration // How long sessions remain valid

	// Verification
	VerificationTTL    time.Duration // Lifetime of emailed codes
	TwoFactorSetupTTL  time.Duration // How long a pending authenticator enrollment stays valid
	TwoFactorFreshness time.Duration // How long a second-factor check counts as recent

	PermissionCacheTTL  time.Duration
	PermissionCacheSize int
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PasswordMinLength:      8,
		PasswordRequireUpper:   false,
		PasswordRequireLower:   true,
		PasswordRequireNumber:  false,
		PasswordRequireSpecial: false,
		BcryptCost:             10,
		MaxLoginAttempts:       5,
		LockoutDuration:        15 * time.Minute,
		SessionLifetime:        30 * 24 * time.Hour,
		VerificationTTL:        30 * time.Minute,
		TwoFactorSetupTTL:      10 * time.Minute,
		TwoFactorFreshness:     2 * time.Hour,
		PermissionCacheTTL:     15 * time.Second,
		PermissionCacheSize:    1024,
	}
}

// OAuthProviderConfig defines the configuration for an OAuth2 provider.
type OAuthProviderConfig struct {
	ClientID     string   `json:"client_id"`     // OAuth2 client ID from provider
	ClientSecret string   `json:"client_secret"` // OAuth2 client secret from provider
	RedirectURL  string   `json:"redirect_url"`  // Callback URL registered with provider
	AuthURL      string   `json:"auth_url"`      // OAuth2 authorization endpoint
	TokenURL     string   `json:"token_url"`     // OAuth2 token endpoint
	UserInfoURL  string   `json:"user_info_url"` // Profile endpoint queried after the exchange
	Scopes       []string `json:"scopes"`        // OAuth2 scopes to request
}

// NewGoogleOAuthProvider creates a Google OAuth provider configuration with defaults
func NewGoogleOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      google.Endpoint.AuthURL,
		TokenURL:     google.Endpoint.TokenURL,
		UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
		Scopes:       []string{"https://www.googleapis.com/auth/userinfo.email", "https://www.googleapis.com/auth/userinfo.profile"},
	}
}

// NewGitHubOAuthProvider creates a GitHub OAuth provider configuration with defaults
func NewGitHubOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      github.Endpoint.AuthURL,
		TokenURL:     github.Endpoint.TokenURL,
		UserInfoURL:  "https://api.github.com/user",
		Scopes:       []string{"user:email", "read:user"},
	}
}

// Mailer delivers templated emails. *mailer.Mailer satisfies it.
type Mailer interface {
	Send(ctx context.Context, to string, name mailer.TemplateName, data mailer.Data) error
}

// PasswordChecker reports whether a password appears in a breach corpus.
// *pwned.Checker satisfies it.
type PasswordChecker interface {
	IsCommon(ctx context.Context, password string) bool
}

// Config contains the configuration for the AuthService
type Config struct {
	Storage         Storage                        // Storage implementation (required)
	Cookies         *cookie.Manager                // Signed cookie codecs (required)
	Mailer          Mailer                         // Email delivery (required)
	PasswordChecker PasswordChecker                // Breached password lookups (optional)
	SecurityConfig  SecurityConfig                 // Security configuration
	OAuthProviders  map[string]OAuthProviderConfig // OAuth provider configurations
	BaseURL         string                         // Public origin used in emailed links
	Issuer          string                         // Name shown in authenticator apps
	Registerer      prometheus.Registerer          // Metrics registry (optional)
	Now             func() time.Time               // Clock (optional)
}

// AuthService is the main service for handling authentication operations.
type AuthService struct {
	storage         Storage
	cookies         *cookie.Manager
	mailer          Mailer
	passwordChecker PasswordChecker
	oauthConfigs    map[string]*oauth2.Config
	oauthUserInfo   map[string]string
	securityConfig  SecurityConfig
	validator       *validator.Validate
	metrics         *Metrics
	permissions     *expirable.LRU[string, *userAccess]
	policies        map[VerificationType]verificationPolicy
	baseURL         string
	issuer          string
	now             func() time.Time
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NewAuthService creates a new authentication service
func NewAuthService(cfg Config) (*AuthService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Cookies == nil {
		return nil, fmt.Errorf("cookie manager is required")
	}
	if cfg.Mailer == nil {
		return nil, fmt.Errorf("mailer is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cfg.Storage.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	// Use default security config if not provided
	securityConfig := cfg.SecurityConfig
	if securityConfig.SessionLifetime == 0 {
		securityConfig = DefaultSecurityConfig()
	}
	if securityConfig.BcryptCost < 10 {
		securityConfig.BcryptCost = 10
	}

	oauthConfigs := make(map[string]*oauth2.Config)
	oauthUserInfo := make(map[string]string)
	for provider, providerCfg := range cfg.OAuthProviders {
		oauthConfigs[provider] = &oauth2.Config{
			ClientID:     providerCfg.ClientID,
			ClientSecret: providerCfg.ClientSecret,
			RedirectURL:  providerCfg.RedirectURL,
			Scopes:       providerCfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  providerCfg.AuthURL,
				TokenURL: providerCfg.TokenURL,
			},
		}
		oauthUserInfo[provider] = providerCfg.UserInfoURL
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonFieldName)
	if err := validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register username validation: %w", err)
	}

	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	cacheSize := securityConfig.PermissionCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "Epic Notes"
	}

	service := &AuthService{
		storage:         cfg.Storage,
		cookies:         cfg.Cookies,
		mailer:          cfg.Mailer,
		passwordChecker: cfg.PasswordChecker,
		oauthConfigs:    oauthConfigs,
		oauthUserInfo:   oauthUserInfo,
		securityConfig:  securityConfig,
		validator:       validate,
		metrics:         metrics,
		permissions:     expirable.NewLRU[string, *userAccess](cacheSize, nil, securityConfig.PermissionCacheTTL),
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		issuer:          issuer,
		now:             now,
	}
	service.policies = service.verificationPolicies()

	return service, nil
}

func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

// logSecurityEvent logs a security event to the database
func (a *AuthService) logSecurityEvent(ctx context.Context, userID *string, eventType, description, ipAddress, userAgent string, success bool) {
	event := &SecurityEvent{
		ID:          uuid.NewString(),
		UserID:      userID,
		EventType:   eventType,
		Description: description,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
		Severity:    "info",
		Success:     success,
		Metadata:    "",
		CreatedAt:   a.now(),
	}

	if !success {
		event.Severity = "warning"
	}

	if err := a.storage.CreateSecurityEvent(ctx, event); err != nil {
		slog.Error("Failed to log security event",
			"event_type", eventType,
			"user_id", userID,
			"error", err)
	}
}

// Cleanup removes expired sessions and verification records.
func (a *AuthService) Cleanup(ctx context.Context) error {
	now := a.now()

	sessions, err := a.storage.CleanupExpiredSessions(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	verifications, err := a.storage.CleanupExpiredVerifications(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to cleanup verifications: %w", err)
	}

	slog.Info("Expired auth records removed", "sessions", sessions, "verifications", verifications)
	return nil
}

// Close closes the auth service and cleans up resources
func (a *AuthService) Close() error {
	a.permissions.Purge()
	return a.storage.Close()
}
