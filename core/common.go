package core

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

// Password utilities
func hashPassword(password string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	if hash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// dummyHash equalizes login timing when the user does not exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.DefaultCost)

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

var (
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	numberPattern  = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// Password validation
func validatePasswordStrength(password string, config SecurityConfig) error {
	if len(password) < config.PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters long", config.PasswordMinLength)
	}

	if config.PasswordRequireUpper && !upperPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}

	if config.PasswordRequireLower && !lowerPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}

	if config.PasswordRequireNumber && !numberPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one number")
	}

	if config.PasswordRequireSpecial && !specialPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one special character")
	}

	return nil
}

// IP utilities
func extractIPFromRequest(remoteAddr, xForwardedFor, xRealIP string) string {
	// X-Forwarded-For can contain multiple IPs
	if xForwardedFor != "" {
		ips := strings.Split(xForwardedFor, ",")
		clientIP := strings.TrimSpace(ips[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}

	if xRealIP != "" {
		if net.ParseIP(xRealIP) != nil {
			return xRealIP
		}
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// extractIP extracts client IP from HTTP request
func extractIP(r *http.Request) string {
	return extractIPFromRequest(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
}

// formatValidationErrors maps validator failures to messages keyed by the JSON
// field name.
func formatValidationErrors(err error) map[string][]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string][]string{"": {err.Error()}}
	}

	fields := make(map[string][]string)
	for _, fieldError := range validationErrors {
		field := fieldError.Field()
		var msg string
		switch fieldError.Tag() {
		case "required":
			msg = fmt.Sprintf("%s is required", field)
		case "email":
			msg = fmt.Sprintf("%s must be a valid email address", field)
		case "min":
			msg = fmt.Sprintf("%s must be at least %s characters long", field, fieldError.Param())
		case "max":
			msg = fmt.Sprintf("%s must be at most %s characters long", field, fieldError.Param())
		case "eqfield":
			msg = "The passwords must match"
		case "username":
			msg = "Username can only include letters, numbers, and underscores"
		case "oneof":
			msg = fmt.Sprintf("%s must be one of: %s", field, fieldError.Param())
		default:
			msg = fmt.Sprintf("%s is invalid", field)
		}
		fields[field] = append(fields[field], msg)
	}
	return fields
}

// safeRedirect only allows same-origin relative paths and falls back to def.
func safeRedirect(to, def string) string {
	if to == "" || !strings.HasPrefix(to, "/") || strings.HasPrefix(to, "//") || strings.HasPrefix(to, "/\\") {
		return def
	}
	return to
}

// Security event types
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailed        = "login_failed"
	EventSignup             = "signup"
	EventPasswordReset      = "password_reset"
	EventEmailChanged       = "email_changed"
	EventVerificationFailed = "verification_failed"
	EventAccountLocked      = "account_locked"
	Event2FAEnabled         = "2fa_enabled"
	Event2FADisabled        = "2fa_disabled"
	Event2FAVerified        = "2fa_verified"
	EventSessionCreated     = "session_created"
	EventSessionTerminated  = "session_terminated"
	EventOAuthLogin         = "oauth_login"
	EventSuspiciousActivity = "suspicious_activity"
	EventRoleAssigned       = "role_assigned"
)
