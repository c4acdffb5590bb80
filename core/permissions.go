package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// Built-in roles seeded by the schema.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Access levels of a permission.
const (
	AccessOwn = "own"
	AccessAny = "any"
)

type userAccess struct {
	roles       []string
	permissions []Permission
}

// PermissionRequirement is a parsed "action:entity[:access,...]" string. An
// empty Access list accepts any access level.
type PermissionRequirement struct {
	Action string
	Entity string
	Access []string
}

func (p PermissionRequirement) String() string {
	s := p.Action + ":" + p.Entity
	if len(p.Access) > 0 {
		s += ":" + strings.Join(p.Access, ",")
	}
	return s
}

// ParsePermission parses "update:note:own" or "delete:user:any,own".
func ParsePermission(s string) (PermissionRequirement, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return PermissionRequirement{}, fmt.Errorf("invalid permission %q", s)
	}
	req := PermissionRequirement{Action: parts[0], Entity: parts[1]}
	if len(parts) == 3 && parts[2] != "" {
		for _, access := range strings.Split(parts[2], ",") {
			if access != AccessOwn && access != AccessAny {
				return PermissionRequirement{}, fmt.Errorf("invalid permission access %q", access)
			}
			req.Access = append(req.Access, access)
		}
	}
	return req, nil
}

func (p PermissionRequirement) satisfiedBy(perms []Permission) bool {
	for _, perm := range perms {
		if perm.Action != p.Action || perm.Entity != p.Entity {
			continue
		}
		if len(p.Access) == 0 || slices.Contains(p.Access, perm.Access) {
			return true
		}
	}
	return false
}

// userAccess returns the roles and permissions of a user. Results are cached
// for PermissionCacheTTL; nothing else is cached.
func (a *AuthService) userAccess(ctx context.Context, userID string) (*userAccess, error) {
	if access, ok := a.permissions.Get(userID); ok {
		return access, nil
	}

	roles, perms, err := a.storage.GetUserAccess(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user access: %w", err)
	}

	access := &userAccess{roles: roles, permissions: perms}
	a.permissions.Add(userID, access)
	return access, nil
}

func (a *AuthService) invalidatePermissions(userID string) {
	a.permissions.Remove(userID)
}

// HasPermission reports whether the user holds the permission.
func (a *AuthService) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	req, err := ParsePermission(permission)
	if err != nil {
		return false, err
	}
	access, err := a.userAccess(ctx, userID)
	if err != nil {
		return false, err
	}
	return req.satisfiedBy(access.permissions), nil
}

// HasRole reports whether the user has the role.
func (a *AuthService) HasRole(ctx context.Context, userID, role string) (bool, error) {
	access, err := a.userAccess(ctx, userID)
	if err != nil {
		return false, err
	}
	return slices.Contains(access.roles, role), nil
}

// RequireUserWithPermission returns the current user id when the user holds
// the permission, a *RedirectError when nobody is logged in, and a
// *PermissionError otherwise.
func (a *AuthService) RequireUserWithPermission(r *http.Request, permission string) (string, error) {
	userID, err := a.RequireUserID(r)
	if err != nil {
		return "", err
	}
	ok, err := a.HasPermission(r.Context(), userID, permission)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &PermissionError{Required: []string{permission}}
	}
	return userID, nil
}

// RequireUserWithRole is RequireUserWithPermission for roles.
func (a *AuthService) RequireUserWithRole(r *http.Request, role string) (string, error) {
	userID, err := a.RequireUserID(r)
	if err != nil {
		return "", err
	}
	ok, err := a.HasRole(r.Context(), userID, role)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &PermissionError{Required: []string{"role:" + role}}
	}
	return userID, nil
}

// UserAccessHandler returns the roles and permissions of userID. Admins only.
func (a *AuthService) UserAccessHandler(r *http.Request, userID string) Outcome {
	if _, err := a.RequireUserWithRole(r, RoleAdmin); err != nil {
		return outcomeFromError(err)
	}
	roles, perms, err := a.storage.GetUserAccess(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to get user access", "error", err, "user_id", userID)
		return internalError()
	}
	return success(http.StatusOK, map[string]any{
		"roles":       roles,
		"permissions": perms,
	})
}

// AssignRoleRequest names the role granted by AssignRoleHandler.
type AssignRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=user admin"`
}

// AssignRoleHandler grants a role to userID. Admins only.
func (a *AuthService) AssignRoleHandler(r *http.Request, userID string) Outcome {
	adminID, err := a.RequireUserWithRole(r, RoleAdmin)
	if err != nil {
		return outcomeFromError(err)
	}

	var req AssignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		return formError(http.StatusBadRequest, "Invalid request format")
	}
	if err := a.validator.Struct(&req); err != nil {
		return invalidInput(err)
	}

	ctx := r.Context()
	user, err := a.storage.GetUserByID(ctx, userID)
	if err != nil {
		slog.Error("Failed to get user", "error", err, "user_id", userID)
		return internalError()
	}
	if user == nil {
		return formError(http.StatusNotFound, "User not found")
	}

	if err := a.storage.AssignRole(ctx, userID, req.Role); err != nil {
		slog.Error("Failed to assign role", "error", err, "user_id", userID, "role", req.Role)
		return internalError()
	}
	a.invalidatePermissions(userID)
	a.logSecurityEvent(ctx, &userID, EventRoleAssigned, "Role "+req.Role+" granted by "+adminID, extractIP(r), r.UserAgent(), true)

	return success(http.StatusOK, map[string]string{"role": req.Role})
}
