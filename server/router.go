package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all ticket endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(31536000))
	}

	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/jwks.json", a.handleJWKS)

	r.Post("/oauth/device", a.handleDeviceAuthorization)
	r.Post("/oauth/device/approve", a.handleDeviceApprove)

	r.Post("/token", a.handleToken)
	r.Post("/introspect", a.handleIntrospect)
	r.Post("/revoke", a.handleRevoke)

	r.Post("/ciba", a.handleBackchannelAuth)
	r.Post("/ciba/{requestID}/verify", a.handleBackchannelVerify)

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	return r
}
