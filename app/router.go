package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router: the public login endpoints plus every
// other path behind the guard.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}
	r.Use(RedirectOnIntrospectionError)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get(LoginPath, a.Login.Login)
	r.Get(AuthorizePath, a.Login.Authorize)
	r.Get(CallbackPath, a.Login.Callback)
	r.Get(LogoutPath, a.Login.Logout)

	r.Group(func(r chi.Router) {
		r.Use(a.RequireUser)
		r.Get("/api/whoami", a.handleWhoAmI)

		var upstream http.Handler = http.NotFoundHandler()
		if a.Proxy != nil {
			upstream = a.Proxy
		}
		r.Handle("/", upstream)
		r.Handle("/*", upstream)
	})

	return r
}
