package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"

	"ticketd/ciba"
	"ticketd/device"
	"ticketd/store"
	"ticketd/ticket"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    store.TicketStore
	Tokens   *TokenService
	Keys     *SigningKeys
	Registry *Registry
	Device   *device.Flow
	Ciba     *ciba.Flow
	Delivery []ciba.DeliveryHandler
	Cleaner  *store.Cleaner
	Metrics  *Metrics
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var st store.TicketStore
	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		st = store.NewRedis(rdb, logger)
	default:
		st = store.NewMemory(logger)
	}

	keys, err := NewSigningKeys(cfg.Server.SecretsPath+"/jwks.json", 0, logger)
	if err != nil {
		return nil, err
	}

	registry, err := NewRegistry(cfg.RelyingParties)
	if err != nil {
		return nil, err
	}
	tokens := NewTokenService(cfg, st, keys, registry, logger)

	metrics := NewMetrics()

	deviceFlow := &device.Flow{
		Store:          st,
		Logger:         logger,
		TokenTTL:       cfg.Tickets.Device.TTL.Std(),
		UserCodeLength: cfg.Tickets.Device.UserCodeLength,
	}
	cibaFlow := &ciba.Flow{
		Store:      st,
		Logger:     logger,
		RequestTTL: cfg.Tickets.Ciba.TTL.Std(),
	}
	notifier := &ciba.Notifier{Client: http.DefaultClient, Logger: logger}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Tokens:   tokens,
		Keys:     keys,
		Registry: registry,
		Device:   deviceFlow,
		Ciba:     cibaFlow,
		Delivery: []ciba.DeliveryHandler{
			&ciba.PollHandler{Logger: logger},
			&ciba.PingHandler{Notifier: notifier, Logger: logger},
			&ciba.PushHandler{Flow: cibaFlow, Notifier: notifier, Minter: tokens, Logger: logger},
		},
		Metrics: metrics,
	}

	if !cfg.Cleaner.Disabled {
		app.Cleaner = store.NewCleaner(st, logger, func(n int) {
			metrics.TicketsReaped.Add(float64(n))
		})
	}

	return app, nil
}

// StartCleaner launches the scheduled ticket reaper.
func (a *App) StartCleaner() error {
	if a.Cleaner == nil {
		return nil
	}
	return a.Cleaner.Start(a.Config.Cleaner.Schedule)
}

// Close releases background workers and the store connection.
func (a *App) Close() error {
	if a.Cleaner != nil {
		a.Cleaner.Stop()
	}
	return a.Store.Close()
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Keys.PublicJWKS())
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleDeviceAuthorization starts the device grant: it issues the pair and
// returns the polling parameters.
func (a *App) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}

	rp, err := a.authenticateClient(r)
	if err != nil {
		oauthErrorStatus(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if !rp.AllowsGrant(string(ticket.GrantDeviceCode)) {
		oauthError(w, "unauthorized_client", "client is not registered for the device grant")
		return
	}
	scope := r.FormValue("scope")
	if !rp.ValidateScopes(scope) {
		oauthError(w, "invalid_scope", "requested scope exceeds registration")
		return
	}

	ctx := r.Context()
	dt, err := a.Device.NewDeviceToken(ctx, rp.ClientID, rp.Service, strings.Fields(scope), rp.deviceTTL(a.Config.Tickets.Device.TTL.Std()))
	if err != nil {
		a.Logger.Error("device token issue", "error", err)
		oauthErrorStatus(w, http.StatusInternalServerError, "server_error", "failed to start device flow")
		return
	}
	uc, err := a.Device.NewUserCode(ctx, dt)
	if err != nil {
		a.Logger.Error("user code issue", "error", err)
		oauthErrorStatus(w, http.StatusInternalServerError, "server_error", "failed to start device flow")
		return
	}
	a.Metrics.TicketsIssued.WithLabelValues(string(ticket.KindDeviceToken)).Inc()
	a.Metrics.TicketsIssued.WithLabelValues(string(ticket.KindDeviceUserCode)).Inc()

	base := strings.TrimSuffix(a.Config.Server.PublicURL, "/")
	writeJSON(w, map[string]any{
		"device_code":               dt.TicketState.ID,
		"user_code":                 uc.TicketState.ID,
		"verification_uri":          base + "/oauth/device/approve",
		"verification_uri_complete": base + "/oauth/device/approve?user_code=" + uc.TicketState.ID,
		"expires_in":                int64(rp.deviceTTL(a.Config.Tickets.Device.TTL.Std()).Seconds()),
		"interval":                  int64(a.Config.Tickets.Device.PollInterval.Std().Seconds()),
	})
}

// handleDeviceApprove records the user's consent on the second screen. The
// approving principal arrives from the fronting SSO layer.
func (a *App) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}
	userCode := r.FormValue("user_code")
	principal := r.FormValue("principal")
	if userCode == "" || principal == "" {
		oauthError(w, "invalid_request", "user_code and principal are required")
		return
	}

	authn := ticket.Authentication{
		PrincipalID: principal,
		Handlers:    []string{"device-approval"},
		RememberMe:  parseBool(r.FormValue("remember_me"), false),
	}
	err := a.Device.Approve(r.Context(), userCode, authn)
	switch {
	case errors.Is(err, device.ErrNotFound):
		oauthErrorStatus(w, http.StatusNotFound, "invalid_request", "unknown user code")
	case errors.Is(err, device.ErrExpired):
		oauthError(w, "expired_token", "user code expired")
	case err != nil:
		a.Logger.Error("device approve", "error", err)
		oauthErrorStatus(w, http.StatusInternalServerError, "server_error", "approval failed")
	default:
		a.Metrics.DeviceApprovals.Inc()
		writeJSON(w, map[string]string{"status": "approved"})
	}
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}

	rp, err := a.authenticateClient(r)
	if err != nil {
		oauthErrorStatus(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	grantType := r.FormValue("grant_type")
	if !rp.AllowsGrant(grantType) {
		oauthError(w, "unauthorized_client", "client is not registered for this grant")
		return
	}

	switch grantType {
	case string(ticket.GrantDeviceCode):
		a.handleTokenDeviceCode(w, r, rp)
	case string(ticket.GrantRefreshToken):
		a.handleTokenRefresh(w, r, rp)
	case string(ticket.GrantCiba):
		a.handleTokenCiba(w, r, rp)
	default:
		oauthError(w, "unsupported_grant_type", grantType)
	}
}

func (a *App) handleTokenDeviceCode(w http.ResponseWriter, r *http.Request, rp *RelyingParty) {
	deviceCode := r.FormValue("device_code")
	if deviceCode == "" {
		oauthError(w, "invalid_request", "missing device_code")
		return
	}

	ctx := r.Context()
	dt, uc, err := a.Device.Validate(ctx, deviceCode)
	switch {
	case errors.Is(err, device.ErrPendingApproval):
		a.Metrics.TokenGrants.WithLabelValues(string(ticket.GrantDeviceCode), "pending").Inc()
		oauthError(w, "authorization_pending", "user has not approved yet")
		return
	case errors.Is(err, device.ErrExpired):
		oauthError(w, "expired_token", "device code expired")
		return
	case err != nil:
		oauthError(w, "invalid_grant", "device code invalid")
		return
	}
	if dt.ClientID != rp.ClientID {
		oauthError(w, "invalid_grant", "device code client mismatch")
		return
	}

	tokens, err := a.Tokens.MintForDevicePair(ctx, rp, dt, uc)
	if err != nil {
		a.Logger.Error("mint device grant", "error", err)
		a.Metrics.TokenGrants.WithLabelValues(string(ticket.GrantDeviceCode), "error").Inc()
		oauthErrorStatus(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}
	if err := a.Device.Consume(ctx, dt); err != nil {
		a.Logger.Warn("device pair cleanup", "error", err)
	}
	a.Metrics.TokenGrants.WithLabelValues(string(ticket.GrantDeviceCode), "ok").Inc()
	writeJSON(w, tokens)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, rp *RelyingParty) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		oauthError(w, "invalid_request", "missing refresh_token")
		return
	}

	tokens, err := a.Tokens.MintForRefreshToken(r.Context(), rp, refreshToken)
	if err != nil {
		a.Logger.Warn("refresh failed", "error", err)
		a.Metrics.TokenGrants.WithLabelValues(string(ticket.GrantRefreshToken), "error").Inc()
		oauthError(w, "invalid_grant", "refresh token invalid or expired")
		return
	}
	a.Metrics.TokenGrants.WithLabelValues(string(ticket.GrantRefreshToken), "ok").Inc()
	writeJSON(w, tokens)
}

func (a *App) handleTokenCiba(w http.ResponseWriter, r *http.Request, rp *RelyingParty) {
	authReqID := r.FormValue("auth_req_id")
	if authReqID == "" {
		oauthError(w, "invalid_request", "missing auth_req_id")
		return
	}
	if rp.BackchannelDeliveryMode == ciba.ModePush {
		oauthError(w, "invalid_request", "push clients receive tokens at their notification endpoint")
		return
	}

	ctx := r.Context()
	req, err := a.Ciba.Lookup(ctx, authReqID)
	switch {
	case errors.Is(err, ticket.ErrExpired):
		oauthError(w, "expired_token", "auth_req_id expired")
		return
	case err != nil:
		oauthError(w, "invalid_grant", "auth_req_id invalid")
		return
	}
	if !req.Ready {
		a.Metrics.TokenGrants.WithLabelValues(string(ticket.GrantCiba), "pending").Inc()
		oauthError(w, "authorization_pending", "authentication not complete")
		return
	}

	tokens, err := a.Tokens.MintForCiba(ctx, rp, req)
	if err != nil {
		a.Logger.Warn("ciba mint failed", "error", err)
		a.Metrics.TokenGrants.WithLabelValues(string(ticket.GrantCiba), "error").Inc()
		oauthError(w, "invalid_grant", "backchannel request invalid")
		return
	}
	a.Metrics.TokenGrants.WithLabelValues(string(ticket.GrantCiba), "ok").Inc()
	writeJSON(w, tokens)
}

// handleBackchannelAuth accepts a backchannel authentication request and
// records the pending ticket.
func (a *App) handleBackchannelAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}

	rp, err := a.authenticateClient(r)
	if err != nil {
		oauthErrorStatus(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	req := ciba.Request{
		Scopes:                  strings.Fields(r.FormValue("scope")),
		LoginHint:               r.FormValue("login_hint"),
		LoginHintToken:          r.FormValue("login_hint_token"),
		IDTokenHint:             r.FormValue("id_token_hint"),
		ClientNotificationToken: r.FormValue("client_notification_token"),
		BindingMessage:          r.FormValue("binding_message"),
		UserCode:                r.FormValue("user_code"),
	}
	if v := r.FormValue("requested_expiry"); v != "" {
		req.RequestedExpiry = parseDuration(v+"s", 0)
	}

	record, encoded, err := a.Ciba.Record(r.Context(), rp.BackchannelClient(string(ticket.GrantCiba)), req)
	if err != nil {
		a.Logger.Warn("backchannel request rejected", "client_id", rp.ClientID, "error", err)
		oauthError(w, "invalid_request", err.Error())
		return
	}
	a.Metrics.TicketsIssued.WithLabelValues(string(ticket.KindCiba)).Inc()

	ttl := a.Config.Tickets.Ciba.TTL.Std()
	if rp.CibaTTL > 0 {
		ttl = rp.CibaTTL
	}
	resp := map[string]any{
		"auth_req_id": encoded,
		"expires_in":  int64(ttl.Seconds()),
	}
	if rp.BackchannelDeliveryMode == "" || rp.BackchannelDeliveryMode == ciba.ModePoll {
		resp["interval"] = int64(a.Config.Tickets.Device.PollInterval.Std().Seconds())
	}
	a.Logger.Info("backchannel request recorded", "client_id", rp.ClientID, "request_id", record.TicketState.ID)
	writeJSON(w, resp)
}

// handleBackchannelVerify completes the out-of-band ceremony: the verified
// principal is recorded, the ticket flips to ready, and the client's delivery
// handler fans the outcome out.
func (a *App) handleBackchannelVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}

	encoded := chi.URLParam(r, "requestID")
	principal := r.FormValue("principal")
	if principal == "" {
		oauthError(w, "invalid_request", "principal is required")
		return
	}

	id, err := ciba.DecodeRequestID(encoded)
	if err != nil {
		oauthErrorStatus(w, http.StatusNotFound, "invalid_request", "unknown auth_req_id")
		return
	}

	ctx := r.Context()
	authn := ticket.Authentication{
		PrincipalID: principal,
		Handlers:    []string{"backchannel-verify"},
	}
	req, err := a.Ciba.MarkReady(ctx, id, authn)
	switch {
	case errors.Is(err, ticket.ErrExpired):
		oauthError(w, "expired_token", "backchannel request expired")
		return
	case err != nil:
		oauthErrorStatus(w, http.StatusNotFound, "invalid_request", "unknown auth_req_id")
		return
	}

	rp, ok := a.Registry.Get(req.ClientID)
	if !ok {
		oauthErrorStatus(w, http.StatusNotFound, "invalid_request", "client no longer registered")
		return
	}
	client := rp.BackchannelClient(string(ticket.GrantCiba))
	mode := string(client.DeliveryMode)
	for _, handler := range a.Delivery {
		if !handler.Supports(client) {
			continue
		}
		if err := handler.Deliver(ctx, client, req); err != nil {
			a.Metrics.Notifications.WithLabelValues(mode, "error").Inc()
			a.Logger.Warn("backchannel delivery failed", "client_id", client.ID, "mode", mode, "error", err)
			writeJSON(w, map[string]string{"status": "ready", "delivery": "pending-retry"})
			return
		}
		a.Metrics.Notifications.WithLabelValues(mode, "ok").Inc()
		writeJSON(w, map[string]string{"status": "ready", "delivery": mode})
		return
	}
	oauthError(w, "invalid_request", "no delivery handler for client")
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}
	if _, err := a.authenticateClient(r); err != nil {
		oauthErrorStatus(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	token := r.FormValue("token")
	if token == "" {
		oauthError(w, "invalid_request", "missing token")
		return
	}
	writeJSON(w, a.Tokens.Introspect(r.Context(), token))
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", "invalid form")
		return
	}
	rp, err := a.authenticateClient(r)
	if err != nil {
		oauthErrorStatus(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	token := r.FormValue("token")
	if token == "" {
		oauthError(w, "invalid_request", "missing token")
		return
	}
	a.Tokens.Revoke(r.Context(), rp, token)
	w.WriteHeader(http.StatusOK)
}

func (a *App) authenticateClient(r *http.Request) (*RelyingParty, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Registry.Authenticate(clientID, clientSecret)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, code, desc string) {
	oauthErrorStatus(w, http.StatusBadRequest, code, desc)
}

func oauthErrorStatus(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
