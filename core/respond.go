package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Outcome is the result of a handler. Handlers never write to the response
// themselves; callers pass the Outcome to WriteOutcome or render it their own way.
type Outcome struct {
	StatusCode  int                 `json:"-"`                     // HTTP status code (not serialized)
	Status      string              `json:"status"`                // "idle", "success" or "error"
	Error       string              `json:"error,omitempty"`       // Form-level error message
	FieldErrors map[string][]string `json:"fieldErrors,omitempty"` // Per-field messages keyed by JSON name
	RedirectTo  string              `json:"redirectTo,omitempty"`  // Next location, sent as a 303
	Data        any                 `json:"data,omitempty"`        // Handler specific payload
	Cookies     []*http.Cookie      `json:"-"`                     // Cookies to set
}

// RedirectError is returned by authorization checks that send the user
// somewhere else, e.g. to the login page or to re-verify their second factor.
type RedirectError struct {
	To      string
	Cookies []*http.Cookie
}

func (e *RedirectError) Error() string {
	return "redirect to " + e.To
}

// PermissionError is returned when an authenticated user lacks a required
// permission or role.
type PermissionError struct {
	Required []string
}

func (e *PermissionError) Error() string {
	return "missing permission: " + strings.Join(e.Required, ", ")
}

func success(status int, data any, cookies ...*http.Cookie) Outcome {
	return Outcome{StatusCode: status, Status: "success", Data: data, Cookies: cookies}
}

func redirect(to string, cookies ...*http.Cookie) Outcome {
	return Outcome{StatusCode: http.StatusSeeOther, Status: "success", RedirectTo: to, Cookies: cookies}
}

func formError(status int, msg string, cookies ...*http.Cookie) Outcome {
	return Outcome{StatusCode: status, Status: "error", Error: msg, Cookies: cookies}
}

func fieldError(field, msg string) Outcome {
	return Outcome{
		StatusCode:  http.StatusBadRequest,
		Status:      "error",
		FieldErrors: map[string][]string{field: {msg}},
	}
}

func invalidInput(err error) Outcome {
	return Outcome{
		StatusCode:  http.StatusBadRequest,
		Status:      "error",
		FieldErrors: formatValidationErrors(err),
	}
}

func internalError() Outcome {
	return formError(http.StatusInternalServerError, "Internal server error")
}

// outcomeFromError converts authorization errors into outcomes and anything
// else into a generic 500.
func outcomeFromError(err error) Outcome {
	var re *RedirectError
	if errors.As(err, &re) {
		return redirect(re.To, re.Cookies...)
	}
	var pe *PermissionError
	if errors.As(err, &pe) {
		return Outcome{
			StatusCode: http.StatusForbidden,
			Status:     "error",
			Error:      "Unauthorized",
			Data:       map[string][]string{"required_permissions": pe.Required},
		}
	}
	return internalError()
}

// WriteOutcome sets the outcome's cookies and writes either a 303 redirect or a
// JSON body.
func (a *AuthService) WriteOutcome(w http.ResponseWriter, r *http.Request, o Outcome) {
	for _, c := range o.Cookies {
		http.SetCookie(w, c)
	}

	if o.StatusCode == 0 {
		o.StatusCode = http.StatusOK
	}

	if o.RedirectTo != "" && o.StatusCode >= 300 && o.StatusCode < 400 {
		http.Redirect(w, r, o.RedirectTo, o.StatusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(o.StatusCode)
	if err := json.NewEncoder(w).Encode(o); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// WriteError writes an error returned by RequireUserID, RequireRecentVerification
// or RequirePermission.
func (a *AuthService) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *PermissionError
	if errors.As(err, &pe) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":                "Unauthorized",
			"required_permissions": pe.Required,
		})
		return
	}
	var re *RedirectError
	if !errors.As(err, &re) {
		slog.Error("Failed to authorize request", "error", err, "path", r.URL.Path)
	}
	a.WriteOutcome(w, r, outcomeFromError(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
