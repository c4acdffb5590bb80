package core

import (
	"context"
	"time"
)

// User represents core user identity and authentication information.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Name     string `json:"name"`

	PasswordHash string `json:"-"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	Provider     string `json:"provider"` // "email", "github", "google"
	ProviderID   string `json:"provider_id,omitempty"`

	EmailVerified bool `json:"email_verified"`
	IsActive      bool `json:"is_active"`
	IsSuspended   bool `json:"is_suspended"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserSecurity tracks login throttling and password history for a user.
type UserSecurity struct {
	UserID string `json:"user_id"`

	LoginAttempts     int        `json:"login_attempts"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP       string     `json:"last_login_ip,omitempty"`
	LastFailedLoginAt *time.Time `json:"last_failed_login_at,omitempty"`

	PasswordChangedAt *time.Time `json:"password_changed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is a server-side authenticated session. It is valid only while
// ExpiresAt is in the future.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`

	UserAgent      string    `json:"user_agent"`
	IPAddress      string    `json:"ip_address"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Verification is an outstanding or enabled out-of-band confirmation. At most
// one exists per (Target, Type).
type Verification struct {
	ID     string           `json:"id"`
	Type   VerificationType `json:"type"`
	Target string           `json:"target"`

	Secret    string `json:"-"`
	Algorithm string `json:"algorithm"`
	Digits    int    `json:"digits"`
	Period    int    `json:"period"`
	CharSet   string `json:"char_set"`

	// ExpiresAt is nil for records that never expire (enabled 2FA).
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// SecurityEvent represents security-related events for audit logging
type SecurityEvent struct {
	ID     string  `json:"id"`
	UserID *string `json:"user_id,omitempty"`

	EventType   string `json:"event_type"`
	Description string `json:"description"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	Severity string `json:"severity"`
	Success  bool   `json:"success"`
	Metadata string `json:"metadata"` // JSON string

	CreatedAt time.Time `json:"created_at"`
}

// Permission is an "action:entity:access" grant, e.g. "update:note:own".
type Permission struct {
	Action string `json:"action"`
	Entity string `json:"entity"`
	Access string `json:"access"`
}

// Storage defines the contract for authentication data storage operations.
// Lookups return (nil, nil) when nothing matches.
type Storage interface {
	// User operations
	CreateUserWithSecurity(ctx context.Context, user *User, security *UserSecurity) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByProviderID(ctx context.Context, provider, providerID string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, id string) error

	// User security operations
	GetUserSecurity(ctx context.Context, userID string) (*UserSecurity, error)
	IncrementLoginAttempts(ctx context.Context, userID string, at time.Time) error
	ResetLoginAttempts(ctx context.Context, userID string) error
	SetUserLocked(ctx context.Context, userID string, until time.Time) error
	UpdateLastLogin(ctx context.Context, userID, ipAddress string, at time.Time) error
	SetPasswordChanged(ctx context.Context, userID string, at time.Time) error

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetUserSessions(ctx context.Context, userID string) ([]*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) error
	DeleteUserSessionsExcept(ctx context.Context, userID, keepID string) (int64, error)
	CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Verification operations
	UpsertVerification(ctx context.Context, v *Verification) error
	GetVerification(ctx context.Context, target string, typ VerificationType, now time.Time) (*Verification, error)
	// ConsumeVerification deletes the record by id and reports whether this
	// call removed it.
	ConsumeVerification(ctx context.Context, id string) (bool, error)
	PromoteVerification(ctx context.Context, target string, from, to VerificationType) error
	DeleteVerification(ctx context.Context, target string, typ VerificationType) error
	CleanupExpiredVerifications(ctx context.Context, now time.Time) (int64, error)

	// Role and permission operations
	AssignRole(ctx context.Context, userID, role string) error
	GetUserAccess(ctx context.Context, userID string) (roles []string, permissions []Permission, err error)

	// Security event operations
	CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error
	GetSecurityEventsByUser(ctx context.Context, userID string, limit, offset int) ([]*SecurityEvent, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
