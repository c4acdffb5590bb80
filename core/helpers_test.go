package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wispberry-tech/epic-auth/cookie"
	"github.com/wispberry-tech/epic-auth/mailer"
)

// mockStorage implements the Storage interface for testing
type mockStorage struct {
	mu            sync.RWMutex
	users         map[string]*User
	security      map[string]*UserSecurity
	sessions      map[string]*Session
	verifications map[string]*Verification
	roles         map[string][]string
	events        []*SecurityEvent
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		users:         make(map[string]*User),
		security:      make(map[string]*UserSecurity),
		sessions:      make(map[string]*Session),
		verifications: make(map[string]*Verification),
		roles:         make(map[string][]string),
	}
}

func verificationKey(target string, typ VerificationType) string {
	return string(typ) + "|" + target
}

func (m *mockStorage) CreateUserWithSecurity(ctx context.Context, user *User, security *UserSecurity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email || u.Username == user.Username {
			return ErrUserExists
		}
	}
	u := *user
	m.users[user.ID] = &u
	s := *security
	s.UserID = user.ID
	m.security[user.ID] = &s
	return nil
}

func (m *mockStorage) findUser(match func(*User) bool) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			c := *u
			return &c
		}
	}
	return nil
}

func (m *mockStorage) GetUserByID(ctx context.Context, id string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.ID == id }), nil
}

func (m *mockStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Email == email }), nil
}

func (m *mockStorage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Username == username }), nil
}

func (m *mockStorage) GetUserByProviderID(ctx context.Context, provider, providerID string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Provider == provider && u.ProviderID == providerID }), nil
}

func (m *mockStorage) UpdateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	u := *user
	m.users[user.ID] = &u
	return nil
}

func (m *mockStorage) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	delete(m.security, id)
	delete(m.roles, id)
	for sid, s := range m.sessions {
		if s.UserID == id {
			delete(m.sessions, sid)
		}
	}
	return nil
}

func (m *mockStorage) GetUserSecurity(ctx context.Context, userID string) (*UserSecurity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.security[userID]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (m *mockStorage) updateSecurity(userID string, fn func(*UserSecurity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.security[userID]; ok {
		fn(s)
	}
	return nil
}

func (m *mockStorage) IncrementLoginAttempts(ctx context.Context, userID string, at time.Time) error {
	return m.updateSecurity(userID, func(s *UserSecurity) {
		s.LoginAttempts++
		s.LastFailedLoginAt = &at
	})
}

func (m *mockStorage) ResetLoginAttempts(ctx context.Context, userID string) error {
	return m.updateSecurity(userID, func(s *UserSecurity) {
		s.LoginAttempts = 0
		s.LockedUntil = nil
	})
}

func (m *mockStorage) SetUserLocked(ctx context.Context, userID string, until time.Time) error {
	return m.updateSecurity(userID, func(s *UserSecurity) { s.LockedUntil = &until })
}

func (m *mockStorage) UpdateLastLogin(ctx context.Context, userID, ipAddress string, at time.Time) error {
	return m.updateSecurity(userID, func(s *UserSecurity) {
		s.LastLoginAt = &at
		s.LastLoginIP = ipAddress
	})
}

func (m *mockStorage) SetPasswordChanged(ctx context.Context, userID string, at time.Time) error {
	return m.updateSecurity(userID, func(s *UserSecurity) { s.PasswordChangedAt = &at })
}

func (m *mockStorage) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *session
	m.sessions[session.ID] = &s
	return nil
}

func (m *mockStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (m *mockStorage) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sessions []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			c := *s
			sessions = append(sessions, &c)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.After(sessions[j].CreatedAt) })
	return sessions, nil
}

func (m *mockStorage) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastAccessedAt = at
	}
	return nil
}

func (m *mockStorage) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *mockStorage) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := m.DeleteUserSessionsExcept(ctx, userID, "")
	return err
}

func (m *mockStorage) DeleteUserSessionsExcept(ctx context.Context, userID, keepID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.UserID == userID && id != keepID {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) UpsertVerification(ctx context.Context, v *Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *v
	m.verifications[verificationKey(v.Target, v.Type)] = &c
	return nil
}

func (m *mockStorage) GetVerification(ctx context.Context, target string, typ VerificationType, now time.Time) (*Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.verifications[verificationKey(target, typ)]
	if !ok || (v.ExpiresAt != nil && !now.Before(*v.ExpiresAt)) {
		return nil, nil
	}
	c := *v
	return &c, nil
}

func (m *mockStorage) ConsumeVerification(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range m.verifications {
		if v.ID == id {
			delete(m.verifications, key)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStorage) PromoteVerification(ctx context.Context, target string, from, to VerificationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[verificationKey(target, from)]
	if !ok {
		return ErrVerificationNotFound
	}
	delete(m.verifications, verificationKey(target, from))
	v.Type = to
	v.ExpiresAt = nil
	m.verifications[verificationKey(target, to)] = v
	return nil
}

func (m *mockStorage) DeleteVerification(ctx context.Context, target string, typ VerificationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.verifications, verificationKey(target, typ))
	return nil
}

func (m *mockStorage) CleanupExpiredVerifications(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, v := range m.verifications {
		if v.ExpiresAt != nil && !now.Before(*v.ExpiresAt) {
			delete(m.verifications, key)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) AssignRole(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles[userID] {
		if r == role {
			return nil
		}
	}
	m.roles[userID] = append(m.roles[userID], role)
	return nil
}

func (m *mockStorage) GetUserAccess(ctx context.Context, userID string) ([]string, []Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roles := append([]string(nil), m.roles[userID]...)
	var perms []Permission
	for _, role := range roles {
		access := AccessOwn
		if role == RoleAdmin {
			access = AccessAny
		}
		for _, entity := range []string{"user", "note"} {
			for _, action := range []string{"create", "read", "update", "delete"} {
				perms = append(perms, Permission{Action: action, Entity: entity, Access: access})
			}
		}
	}
	return roles, perms, nil
}

func (m *mockStorage) CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockStorage) GetSecurityEventsByUser(ctx context.Context, userID string, limit, offset int) ([]*SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []*SecurityEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if e := m.events[i]; e.UserID != nil && *e.UserID == userID {
			events = append(events, e)
		}
	}
	if offset >= len(events) {
		return nil, nil
	}
	events = events[offset:]
	if limit < len(events) {
		events = events[:limit]
	}
	return events, nil
}

func (m *mockStorage) hasEvent(eventType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

func (m *mockStorage) Ping(ctx context.Context) error { return nil }
func (m *mockStorage) Close() error                   { return nil }

// fakeClock starts at the real time so signed cookie timestamps stay valid.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMail struct {
	To       string
	Template mailer.TemplateName
	Data     mailer.Data
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, to string, name mailer.TemplateName, data mailer.Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Template: name, Data: data})
	return nil
}

func (m *recordingMailer) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no email was sent")
	return m.sent[len(m.sent)-1]
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *recordingMailer) find(to string, name mailer.TemplateName) (sentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sent {
		if s.To == to && s.Template == name {
			return s, true
		}
	}
	return sentMail{}, false
}

type stubPasswordChecker map[string]bool

func (s stubPasswordChecker) IsCommon(ctx context.Context, password string) bool {
	return s[password]
}

type testEnv struct {
	auth    *AuthService
	storage *mockStorage
	mailer  *recordingMailer
	clock   *fakeClock
	cookies *cookie.Manager
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	cookies, err := cookie.NewManager(cookie.Config{Secrets: [][]byte{bytes.Repeat([]byte("k"), 32)}})
	require.NoError(t, err)

	env := &testEnv{
		storage: newMockStorage(),
		mailer:  &recordingMailer{},
		clock:   newFakeClock(),
		cookies: cookies,
	}

	cfg := Config{
		Storage:         env.storage,
		Cookies:         cookies,
		Mailer:          env.mailer,
		PasswordChecker: stubPasswordChecker{"password123": true},
		SecurityConfig:  DefaultSecurityConfig(),
		BaseURL:         "https://notes.example.com",
		Now:             env.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	env.auth, err = NewAuthService(cfg)
	require.NoError(t, err)
	return env
}

// createUser stores an active user with the default role.
func (e *testEnv) createUser(t *testing.T, username, password string) *User {
	t.Helper()
	hash, err := hashPassword(password, 10)
	require.NoError(t, err)

	now := e.clock.Now()
	user := &User{
		ID:            uuid.NewString(),
		Email:         username + "@example.com",
		Username:      username,
		Name:          "Test " + username,
		PasswordHash:  hash,
		Provider:      "email",
		EmailVerified: true,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ctx := context.Background()
	require.NoError(t, e.storage.CreateUserWithSecurity(ctx, user, &UserSecurity{CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, e.storage.AssignRole(ctx, user.ID, RoleUser))
	return user
}

// browser carries cookies between handler calls the way a user agent would.
type browser struct {
	t       *testing.T
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T) *browser {
	return &browser{t: t, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) request(method, target string, body any) *http.Request {
	b.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(b.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-browser")
	for _, c := range b.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req
}

// keep stores the cookies of an outcome and returns it.
func (b *browser) keep(o Outcome) Outcome {
	for _, c := range o.Cookies {
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return o
}

func (b *browser) has(name string) bool {
	_, ok := b.cookies[name]
	return ok
}

// login posts credentials to the login handler.
func (e *testEnv) login(t *testing.T, b *browser, username, password string) Outcome {
	t.Helper()
	return b.keep(e.auth.LoginHandler(b.request(http.MethodPost, "/login", map[string]any{
		"username": username,
		"password": password,
	})))
}

func (e *testEnv) verify(b *browser, typ VerificationType, target, code, redirectTo string) Outcome {
	return b.keep(e.auth.VerifyHandler(b.request(http.MethodPost, "/verify", map[string]any{
		"code":       code,
		"type":       typ,
		"target":     target,
		"redirectTo": redirectTo,
	})))
}

func queryOf(t *testing.T, location string) url.Values {
	t.Helper()
	u, err := url.Parse(location)
	require.NoError(t, err)
	return u.Query()
}

func pathOf(t *testing.T, location string) string {
	t.Helper()
	u, err := url.Parse(location)
	require.NoError(t, err)
	return u.Path
}

func hasCookie(o Outcome, name string, cleared bool) bool {
	for _, c := range o.Cookies {
		if c.Name == name && (c.MaxAge < 0) == cleared {
			return true
		}
	}
	return false
}
