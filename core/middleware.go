package core

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

const (
	userContextKey    contextKey = "user"
	sessionContextKey contextKey = "session"
)

// RequireUser rejects anonymous requests and adds the user and session to the
// request context.
func (a *AuthService) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, user, err := a.authenticate(r)
		if err != nil {
			a.WriteError(w, r, err)
			return
		}
		if session == nil {
			_, err := a.RequireUserID(r)
			a.WriteError(w, r, err)
			return
		}

		if err := a.storage.TouchSession(r.Context(), session.ID, a.now()); err != nil {
			slog.Error("Failed to update session last accessed time", "error", err)
			// Don't fail the request for this error
		}

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user, session)))
	})
}

// OptionalUser adds the user and session to the context when the request has
// a valid session and continues either way.
func (a *AuthService) OptionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, user, err := a.authenticate(r)
		if err != nil {
			// Integrity violations still log the user out.
			if isRedirect(err) {
				a.WriteError(w, r, err)
				return
			}
			slog.Error("Failed to authenticate in optional auth", "error", err)
		}
		if session != nil {
			r = r.WithContext(withUser(r.Context(), user, session))
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission allows the request only when the user holds every listed
// permission. Anonymous users are redirected to log in; others get a 403 that
// names the missing permissions.
func (a *AuthService) RequirePermission(permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r)

			var missing []string
			for _, permission := range permissions {
				ok, err := a.HasPermission(r.Context(), user.ID, permission)
				if err != nil {
					a.WriteError(w, r, err)
					return
				}
				if !ok {
					missing = append(missing, permission)
				}
			}
			if len(missing) > 0 {
				slog.Debug("Permission denied", "user_id", user.ID, "missing", missing)
				a.WriteError(w, r, &PermissionError{Required: missing})
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// RequireRole allows the request only for users with the role.
func (a *AuthService) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r)
			ok, err := a.HasRole(r.Context(), user.ID, role)
			if err != nil {
				a.WriteError(w, r, err)
				return
			}
			if !ok {
				a.WriteError(w, r, &PermissionError{Required: []string{"role:" + role}})
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func withUser(ctx context.Context, user *User, session *Session) context.Context {
	safe := *user
	safe.PasswordHash = ""
	ctx = context.WithValue(ctx, userContextKey, &safe)
	return context.WithValue(ctx, sessionContextKey, session)
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(r *http.Request) *User {
	if user, ok := r.Context().Value(userContextKey).(*User); ok {
		return user
	}
	return nil
}

// MustGetUserFromContext retrieves the authenticated user from context and panics if not found.
// This function should only be used when you are certain authentication middleware has run.
func MustGetUserFromContext(r *http.Request) *User {
	user := GetUserFromContext(r)
	if user == nil {
		panic("user not found in context - ensure authentication middleware is applied")
	}
	return user
}

// GetSessionFromContext retrieves the current session from the request context
func GetSessionFromContext(r *http.Request) *Session {
	if session, ok := r.Context().Value(sessionContextKey).(*Session); ok {
		return session
	}
	return nil
}
