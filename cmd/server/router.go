package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wispberry-tech/epic-auth/config"
	"github.com/wispberry-tech/epic-auth/core"
	"github.com/wispberry-tech/epic-auth/ratelimit"
)

// outcome adapts a return-based handler to http.HandlerFunc.
func outcome(a *core.AuthService, h func(*http.Request) core.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.WriteOutcome(w, r, h(r))
	}
}

// providerOutcome is outcome for handlers keyed by the {provider} URL param.
func providerOutcome(a *core.AuthService, h func(*http.Request, string) core.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.WriteOutcome(w, r, h(r, chi.URLParam(r, "provider")))
	}
}

func userOutcome(a *core.AuthService, h func(*http.Request, string) core.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.WriteOutcome(w, r, h(r, chi.URLParam(r, "id")))
	}
}

func newRouter(cfg *config.Config, a *core.AuthService, limiter ratelimit.Limiter, registry *prometheus.Registry) (http.Handler, error) {
	clientKey, err := ratelimit.TrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Routes that accept credentials or codes are rate limited per client IP.
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(limiter, clientKey))

		r.Post("/signup", outcome(a, a.SignupHandler))
		r.Get("/verify", outcome(a, a.VerifyHandler))
		r.Post("/verify", outcome(a, a.VerifyHandler))
		r.Post("/login", outcome(a, a.LoginHandler))
		r.Post("/forgot-password", outcome(a, a.ForgotPasswordHandler))
	})

	r.Post("/onboarding", outcome(a, a.OnboardingHandler))
	r.Post("/onboarding/{provider}", providerOutcome(a, a.ProviderOnboardingHandler))
	r.Post("/reset-password", outcome(a, a.ResetPasswordHandler))
	r.Post("/logout", outcome(a, a.LogoutHandler))

	r.Post("/auth/{provider}", providerOutcome(a, a.OAuthInitHandler))
	r.Get("/auth/{provider}/callback", providerOutcome(a, a.OAuthCallbackHandler))

	r.Get("/me", outcome(a, a.MeHandler))
	r.Get("/toast", outcome(a, a.ToastHandler))

	r.Route("/settings/profile", func(r chi.Router) {
		r.Post("/change-email", outcome(a, a.ChangeEmailHandler))
		r.Get("/two-factor", outcome(a, a.TwoFactorStatusHandler))
		r.Post("/two-factor", outcome(a, a.TwoFactorSetupHandler))
		r.Post("/two-factor/disable", outcome(a, a.TwoFactorDisableHandler))
		r.Get("/sessions", outcome(a, a.SessionsHandler))
		r.Post("/sessions/sign-out-others", outcome(a, a.SignOutOtherSessionsHandler))
	})

	r.Group(func(r chi.Router) {
		r.Use(a.RequireRole(core.RoleAdmin))
		r.Get("/admin/users/{id}/access", userOutcome(a, a.UserAccessHandler))
		r.Post("/admin/users/{id}/roles", userOutcome(a, a.AssignRoleHandler))
	})

	return r, nil
}
