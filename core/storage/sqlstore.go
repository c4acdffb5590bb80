package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ncruces/go-sqlite3"

	"github.com/wispberry-tech/epic-auth/core"
)

// sqlStore implements core.Storage over database/sql. Queries are written
// with ? placeholders and rebound for the dialect; the upsert and conflict
// clauses used here are understood by both SQLite and PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

// isUniqueViolation reports whether err is a unique constraint failure in
// either dialect.
func isUniqueViolation(err error) bool {
	if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *sqlStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// dbTime normalizes timestamps to UTC seconds so stored values compare
// correctly as text in SQLite.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func dbNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

// User operations

const userColumns = `id, email, username, name, password_hash, avatar_url,
	provider, provider_id, email_verified, is_active, is_suspended,
	created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*core.User, error) {
	user := &core.User{}
	err := row.Scan(
		&user.ID, &user.Email, &user.Username, &user.Name, &user.PasswordHash, &user.AvatarURL,
		&user.Provider, &user.ProviderID, &user.EmailVerified, &user.IsActive, &user.IsSuspended,
		timeValue{&user.CreatedAt}, timeValue{&user.UpdatedAt})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *sqlStore) CreateUserWithSecurity(ctx context.Context, user *core.User, security *core.UserSecurity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO users (`+userColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			user.ID, user.Email, user.Username, user.Name, user.PasswordHash, user.AvatarURL,
			user.Provider, user.ProviderID, user.EmailVerified, user.IsActive, user.IsSuspended,
			dbTime(user.CreatedAt), dbTime(user.UpdatedAt))
		if isUniqueViolation(err) {
			return core.ErrUserExists
		}
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		security.UserID = user.ID
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO user_security (user_id, login_attempts,
			locked_until, last_login_at, last_login_ip, last_failed_login_at, password_changed_at,
			created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			security.UserID, security.LoginAttempts,
			dbNullTime(security.LockedUntil), dbNullTime(security.LastLoginAt), security.LastLoginIP,
			dbNullTime(security.LastFailedLoginAt), dbNullTime(security.PasswordChangedAt),
			dbTime(security.CreatedAt), dbTime(security.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to create user security: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) getUser(ctx context.Context, where string, args ...any) (*core.User, error) {
	user, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	user, err := s.getUser(ctx, `id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	user, err := s.getUser(ctx, `email = ?`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	user, err := s.getUser(ctx, `username = ?`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	return user, nil
}

func (s *sqlStore) GetUserByProviderID(ctx context.Context, provider, providerID string) (*core.User, error) {
	user, err := s.getUser(ctx, `provider = ? AND provider_id = ?`, provider, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by provider ID: %w", err)
	}
	return user, nil
}

func (s *sqlStore) UpdateUser(ctx context.Context, user *core.User) error {
	result, err := s.exec(ctx, `UPDATE users SET email = ?, username = ?, name = ?, password_hash = ?,
		avatar_url = ?, provider = ?, provider_id = ?, email_verified = ?, is_active = ?,
		is_suspended = ?, updated_at = ?
		WHERE id = ?`,
		user.Email, user.Username, user.Name, user.PasswordHash,
		user.AvatarURL, user.Provider, user.ProviderID, user.EmailVerified, user.IsActive,
		user.IsSuspended, dbTime(user.UpdatedAt),
		user.ID)
	if isUniqueViolation(err) {
		return core.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return core.ErrUserNotFound
	}
	return nil
}

func (s *sqlStore) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// User security operations

func (s *sqlStore) GetUserSecurity(ctx context.Context, userID string) (*core.UserSecurity, error) {
	security := &core.UserSecurity{}
	err := s.queryRow(ctx, `SELECT user_id, login_attempts, locked_until, last_login_at, last_login_ip,
		last_failed_login_at, password_changed_at, created_at, updated_at
		FROM user_security WHERE user_id = ?`, userID).Scan(
		&security.UserID, &security.LoginAttempts,
		nullTimeValue{&security.LockedUntil}, nullTimeValue{&security.LastLoginAt}, &security.LastLoginIP,
		nullTimeValue{&security.LastFailedLoginAt}, nullTimeValue{&security.PasswordChangedAt},
		timeValue{&security.CreatedAt}, timeValue{&security.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user security: %w", err)
	}
	return security, nil
}

func (s *sqlStore) IncrementLoginAttempts(ctx context.Context, userID string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE user_security SET login_attempts = login_attempts + 1,
		last_failed_login_at = ?, updated_at = ? WHERE user_id = ?`,
		dbTime(at), dbTime(at), userID)
	if err != nil {
		return fmt.Errorf("failed to increment login attempts: %w", err)
	}
	return nil
}

func (s *sqlStore) ResetLoginAttempts(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, `UPDATE user_security SET login_attempts = 0, locked_until = NULL
		WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}

func (s *sqlStore) SetUserLocked(ctx context.Context, userID string, until time.Time) error {
	_, err := s.exec(ctx, `UPDATE user_security SET locked_until = ?, updated_at = ? WHERE user_id = ?`,
		dbTime(until), dbTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateLastLogin(ctx context.Context, userID, ipAddress string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE user_security SET last_login_at = ?, last_login_ip = ?, updated_at = ?
		WHERE user_id = ?`, dbTime(at), ipAddress, dbTime(at), userID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (s *sqlStore) SetPasswordChanged(ctx context.Context, userID string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE user_security SET password_changed_at = ?, updated_at = ?
		WHERE user_id = ?`, dbTime(at), dbTime(at), userID)
	if err != nil {
		return fmt.Errorf("failed to record password change: %w", err)
	}
	return nil
}

// Session operations

const sessionColumns = `id, user_id, expires_at, user_agent, ip_address, last_accessed_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*core.Session, error) {
	session := &core.Session{}
	err := row.Scan(&session.ID, &session.UserID, timeValue{&session.ExpiresAt},
		&session.UserAgent, &session.IPAddress, timeValue{&session.LastAccessedAt},
		timeValue{&session.CreatedAt}, timeValue{&session.UpdatedAt})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, session *core.Session) error {
	_, err := s.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, dbTime(session.ExpiresAt), session.UserAgent, session.IPAddress,
		dbTime(session.LastAccessedAt), dbTime(session.CreatedAt), dbTime(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	session, err := scanSession(s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *sqlStore) GetUserSessions(ctx context.Context, userID string) ([]*core.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *sqlStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE sessions SET last_accessed_at = ?, updated_at = ? WHERE id = ?`,
		dbTime(at), dbTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteUserSessions(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteUserSessionsExcept(ctx context.Context, userID, keepID string) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM sessions WHERE user_id = ? AND id <> ?`, userID, keepID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete other sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *sqlStore) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, dbTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Verification operations

const verificationColumns = `id, type, target, secret, algorithm, digits, period, char_set, expires_at, created_at`

func (s *sqlStore) UpsertVerification(ctx context.Context, v *core.Verification) error {
	_, err := s.exec(ctx, `INSERT INTO verifications (`+verificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target, type) DO UPDATE SET
			id = excluded.id,
			secret = excluded.secret,
			algorithm = excluded.algorithm,
			digits = excluded.digits,
			period = excluded.period,
			char_set = excluded.char_set,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		v.ID, string(v.Type), v.Target, v.Secret, v.Algorithm, v.Digits, v.Period, v.CharSet,
		dbNullTime(v.ExpiresAt), dbTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert verification: %w", err)
	}
	return nil
}

func (s *sqlStore) GetVerification(ctx context.Context, target string, typ core.VerificationType, now time.Time) (*core.Verification, error) {
	v := &core.Verification{}
	var vType string
	err := s.queryRow(ctx, `SELECT `+verificationColumns+` FROM verifications
		WHERE target = ? AND type = ? AND (expires_at IS NULL OR expires_at > ?)`,
		target, string(typ), dbTime(now)).Scan(
		&v.ID, &vType, &v.Target, &v.Secret, &v.Algorithm, &v.Digits, &v.Period, &v.CharSet,
		nullTimeValue{&v.ExpiresAt}, timeValue{&v.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}
	v.Type = core.VerificationType(vType)
	return v, nil
}

func (s *sqlStore) ConsumeVerification(ctx context.Context, id string) (bool, error) {
	result, err := s.exec(ctx, `DELETE FROM verifications WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to consume verification: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume verification: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) PromoteVerification(ctx context.Context, target string, from, to core.VerificationType) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM verifications WHERE target = ? AND type = ?`),
			target, string(to)); err != nil {
			return fmt.Errorf("failed to remove stale verification: %w", err)
		}

		result, err := tx.ExecContext(ctx, s.rebind(`UPDATE verifications SET type = ?, expires_at = NULL
			WHERE target = ? AND type = ?`), string(to), target, string(from))
		if err != nil {
			return fmt.Errorf("failed to promote verification: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to promote verification: %w", err)
		}
		if n == 0 {
			return core.ErrVerificationNotFound
		}
		return nil
	})
}

func (s *sqlStore) DeleteVerification(ctx context.Context, target string, typ core.VerificationType) error {
	if _, err := s.exec(ctx, `DELETE FROM verifications WHERE target = ? AND type = ?`, target, string(typ)); err != nil {
		return fmt.Errorf("failed to delete verification: %w", err)
	}
	return nil
}

func (s *sqlStore) CleanupExpiredVerifications(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM verifications WHERE expires_at IS NOT NULL AND expires_at <= ?`, dbTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired verifications: %w", err)
	}
	return result.RowsAffected()
}

// Role and permission operations

func (s *sqlStore) AssignRole(ctx context.Context, userID, role string) error {
	var roleID string
	err := s.queryRow(ctx, `SELECT id FROM roles WHERE name = ?`, role).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("role %q not found", role)
	}
	if err != nil {
		return fmt.Errorf("failed to get role: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUserAccess(ctx context.Context, userID string) ([]string, []core.Permission, error) {
	roles, err := s.userRoles(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT DISTINCT p.action, p.entity, p.access
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = ?
		ORDER BY p.entity, p.action, p.access`), userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user permissions: %w", err)
	}
	defer rows.Close()

	var perms []core.Permission
	for rows.Next() {
		var p core.Permission
		if err := rows.Scan(&p.Action, &p.Entity, &p.Access); err != nil {
			return nil, nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}
	return roles, perms, nil
}

func (s *sqlStore) userRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = ? ORDER BY r.name`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}

// Security event operations

func (s *sqlStore) CreateSecurityEvent(ctx context.Context, event *core.SecurityEvent) error {
	_, err := s.exec(ctx, `INSERT INTO security_events (id, user_id, event_type, description,
		ip_address, user_agent, severity, success, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.EventType, event.Description,
		event.IPAddress, event.UserAgent, event.Severity, event.Success, event.Metadata,
		dbTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSecurityEventsByUser(ctx context.Context, userID string, limit, offset int) ([]*core.SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, user_id, event_type, description,
		ip_address, user_agent, severity, success, metadata, created_at
		FROM security_events WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	defer rows.Close()

	var events []*core.SecurityEvent
	for rows.Next() {
		event := &core.SecurityEvent{}
		var eventUserID sql.NullString
		if err := rows.Scan(&event.ID, &eventUserID, &event.EventType, &event.Description,
			&event.IPAddress, &event.UserAgent, &event.Severity, &event.Success, &event.Metadata,
			timeValue{&event.CreatedAt}); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if eventUserID.Valid {
			event.UserID = &eventUserID.String
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate security events: %w", err)
	}
	return events, nil
}

// Health check

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
