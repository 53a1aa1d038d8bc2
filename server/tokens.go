package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ticketd/store"
	"ticketd/ticket"
	"ticketd/ticket/compact"
	"ticketd/ticket/expiration"
)

// AccessTokenClaims captures the JWT claims we mint and validate. TicketID
// names the backing access token ticket; deleting that ticket revokes the
// JWT before its exp.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	TicketID string `json:"tid"`
	jwt.RegisteredClaims
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenService mints and validates ticket-backed tokens. Every minted token
// has a ticket record behind it; validation consults the ticket so deletion
// doubles as revocation.
type TokenService struct {
	issuer  string
	cfg     TicketConfig
	store   store.TicketStore
	keys    *SigningKeys
	clients *Registry
	logger  *slog.Logger
	rtCodec compact.RefreshTokenCodec
	now     func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, st store.TicketStore, keys *SigningKeys, clients *Registry, logger *slog.Logger) *TokenService {
	maxLen := cfg.Tickets.CompactMaxLen
	if maxLen <= 0 {
		maxLen = compact.DefaultMaxLength
	}
	return &TokenService{
		issuer:  strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		cfg:     cfg.Tickets,
		store:   st,
		keys:    keys,
		clients: clients,
		logger:  logger,
		rtCodec: compact.RefreshTokenCodec{MaxLength: maxLen},
		now:     time.Now,
	}
}

// grantingPolicy builds the session-root policy, wrapped for remember-me
// when a long-lived timeout is configured.
func (ts *TokenService) grantingPolicy() ticket.ExpirationPolicy {
	base, err := expiration.NewGranting(ts.cfg.Granting.MaxTimeToLive.Std(), ts.cfg.Granting.TimeToKill.Std())
	if err != nil {
		// Config validation rejects this ordering before the service exists.
		base = expiration.Granting{
			MaxTimeToLive: ts.cfg.Granting.MaxTimeToLive.Std(),
			TimeToKill:    ts.cfg.Granting.MaxTimeToLive.Std(),
		}
	}
	if ts.cfg.RememberMeTTL <= 0 {
		return base
	}
	return expiration.RememberMeDelegating{
		RememberMe: expiration.Hard{HardTimeout: ts.cfg.RememberMeTTL.Std()},
		Default:    base,
		Logger:     ts.logger,
	}
}

func (ts *TokenService) refreshPolicy(rp *RelyingParty) ticket.ExpirationPolicy {
	ttl := rp.refreshTTL(ts.cfg.Refresh.TimeToKill.Std())
	if rp.StandaloneRefresh || ts.cfg.Refresh.Standalone {
		return expiration.NewStandaloneRefreshToken(ttl)
	}
	return expiration.NewRefreshToken(ttl)
}

// NewGrantingTicket opens a session root for an authenticated principal.
func (ts *TokenService) NewGrantingTicket(ctx context.Context, authn ticket.Authentication) (*ticket.GrantingTicket, error) {
	tgt := &ticket.GrantingTicket{
		TicketState: ticket.NewState(ticket.KindGranting, ts.now()),
		Policy:      ts.grantingPolicy(),
		Authn:       authn,
	}
	if err := ts.store.Put(ctx, tgt); err != nil {
		return nil, err
	}
	return tgt, nil
}

// NewServiceTicket issues a service ticket under a granting ticket.
func (ts *TokenService) NewServiceTicket(ctx context.Context, tgt *ticket.GrantingTicket, service string) (*ticket.ServiceTicket, error) {
	if ticket.Expired(tgt, ts.now()) {
		return nil, ticket.ErrExpired
	}
	pol, err := expiration.NewMultiUseOrIdle(int64(ts.cfg.Service.MaxUses), ts.cfg.Service.TimeToKill.Std())
	if err != nil {
		return nil, err
	}
	st := &ticket.ServiceTicket{
		TicketState: ticket.NewState(ticket.KindService, ts.now()),
		Policy:      pol,
		Service:     service,
		GrantingID:  tgt.TicketState.ID,
		Authn:       tgt.Authn,
	}
	if err := ts.store.Put(ctx, st); err != nil {
		return nil, err
	}
	if _, err := ts.store.Update(ctx, tgt.TicketState.ID, func(t ticket.Ticket) error {
		return t.State().RecordUse(ts.now())
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// ValidateServiceTicket consumes one use of a service ticket for the named
// service.
func (ts *TokenService) ValidateServiceTicket(ctx context.Context, id, service string) (ticket.Authentication, error) {
	t, err := ts.store.Update(ctx, id, func(t ticket.Ticket) error {
		st, ok := t.(*ticket.ServiceTicket)
		if !ok {
			return store.ErrNotFound
		}
		if st.Service != service {
			return fmt.Errorf("service ticket %s was issued to a different service", id)
		}
		if ticket.Expired(st, ts.now()) {
			return ticket.ErrExpired
		}
		return st.TicketState.RecordUse(ts.now())
	})
	if err != nil {
		return ticket.Authentication{}, err
	}
	return t.(*ticket.ServiceTicket).Authn, nil
}

// mint issues the JWT plus ticket pair for an authenticated grant.
func (ts *TokenService) mint(ctx context.Context, rp *RelyingParty, grantingID string, authn ticket.Authentication, scopes []string, grant ticket.GrantType, withRefresh bool) (TokenResponse, error) {
	now := ts.now()
	at := &ticket.AccessToken{
		TicketState: ticket.NewState(ticket.KindAccessToken, now),
		Policy:      expiration.Hard{HardTimeout: ts.cfg.AccessTTL.Std()},
		Service:     rp.Service,
		ClientID:    rp.ClientID,
		Scopes:      scopes,
		GrantType:   grant,
		GrantingID:  grantingID,
		Authn:       authn,
	}
	if err := ts.store.Put(ctx, at); err != nil {
		return TokenResponse{}, err
	}

	claims := AccessTokenClaims{
		Scope:    strings.Join(scopes, " "),
		ClientID: rp.ClientID,
		TicketID: at.TicketState.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   authn.PrincipalID,
			Audience:  jwt.ClaimStrings{rp.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.cfg.AccessTTL.Std())),
			ID:        at.TicketState.ID,
		},
	}
	signed, _, err := ts.keys.Sign(claimsToMap(claims))
	if err != nil {
		return TokenResponse{}, err
	}

	resp := TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.cfg.AccessTTL.Std().Seconds()),
		Scope:       strings.Join(scopes, " "),
	}

	if withRefresh && rp.AllowsGrant(string(ticket.GrantRefreshToken)) {
		rt, err := ts.newRefreshTicket(ctx, rp, grantingID, authn, scopes, grant)
		if err != nil {
			return TokenResponse{}, err
		}
		resp.RefreshToken = rt.TicketState.ID
	}
	return resp, nil
}

func (ts *TokenService) newRefreshTicket(ctx context.Context, rp *RelyingParty, grantingID string, authn ticket.Authentication, scopes []string, grant ticket.GrantType) (*ticket.RefreshToken, error) {
	rt := &ticket.RefreshToken{
		TicketState: ticket.NewState(ticket.KindRefreshToken, ts.now()),
		Policy:      ts.refreshPolicy(rp),
		Service:     rp.Service,
		ClientID:    rp.ClientID,
		Scopes:      scopes,
		GrantType:   grant,
		GrantingID:  grantingID,
		Authn:       authn,
	}
	if rp.StandaloneRefresh || ts.cfg.Refresh.Standalone {
		rt.GrantingID = ""
	}
	if err := ts.store.Put(ctx, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// MintForDevicePair exchanges an approved device pair for tokens. The pair
// is consumed by the caller after a successful mint.
func (ts *TokenService) MintForDevicePair(ctx context.Context, rp *RelyingParty, dt *ticket.DeviceToken, uc *ticket.DeviceUserCode) (TokenResponse, error) {
	tgt, err := ts.NewGrantingTicket(ctx, uc.Authn)
	if err != nil {
		return TokenResponse{}, err
	}
	return ts.mint(ctx, rp, tgt.TicketState.ID, uc.Authn, dt.Scopes, ticket.GrantDeviceCode, true)
}

// MintForRefreshToken validates a refresh token, rotates it, and issues a
// fresh access token. Presented values that miss the store are tried as
// compact encodings so stateless refresh tokens still work.
func (ts *TokenService) MintForRefreshToken(ctx context.Context, rp *RelyingParty, presented string) (TokenResponse, error) {
	rt, err := ts.resolveRefreshToken(ctx, presented)
	if err != nil {
		return TokenResponse{}, err
	}
	if rt.ClientID != rp.ClientID {
		return TokenResponse{}, errors.New("refresh token client mismatch")
	}
	if ticket.Expired(rt, ts.now()) {
		_ = ts.store.Delete(ctx, rt.TicketState.ID)
		return TokenResponse{}, ticket.ErrExpired
	}

	// Rotation: the presented token dies with this exchange.
	if err := ts.store.Delete(ctx, rt.TicketState.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return TokenResponse{}, err
	}
	return ts.mint(ctx, rp, rt.GrantingID, rt.Authn, rt.Scopes, ticket.GrantRefreshToken, true)
}

func (ts *TokenService) resolveRefreshToken(ctx context.Context, presented string) (*ticket.RefreshToken, error) {
	t, err := ts.store.Get(ctx, presented)
	if err == nil {
		rt, ok := t.(*ticket.RefreshToken)
		if !ok {
			return nil, store.ErrNotFound
		}
		return rt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	rt, expandErr := ts.rtCodec.Expand(presented)
	if expandErr != nil {
		return nil, store.ErrNotFound
	}
	return rt, nil
}

// MintBackchannel produces the token response pushed to a client whose
// backchannel request completed. It refuses requests the ceremony has not
// marked ready, and issues the refresh token alongside the access token when
// the client's registration allows the grant.
func (ts *TokenService) MintBackchannel(ctx context.Context, req *ticket.CibaRequest) (map[string]any, error) {
	if !req.Ready {
		return nil, errors.New("backchannel request is not ready")
	}
	if ticket.Expired(req, ts.now()) {
		return nil, ticket.ErrExpired
	}
	rp, ok := ts.clients.Get(req.ClientID)
	if !ok {
		return nil, fmt.Errorf("unknown client %s", req.ClientID)
	}
	tgt, err := ts.NewGrantingTicket(ctx, req.Authn)
	if err != nil {
		return nil, err
	}
	resp, err := ts.mint(ctx, rp, tgt.TicketState.ID, req.Authn, req.Scopes, ticket.GrantCiba, true)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"access_token": resp.AccessToken,
		"token_type":   resp.TokenType,
		"expires_in":   resp.ExpiresIn,
		"scope":        resp.Scope,
	}
	if resp.RefreshToken != "" {
		body["refresh_token"] = resp.RefreshToken
	}
	return body, nil
}

// MintForCiba is the token-endpoint path for poll and ping clients.
func (ts *TokenService) MintForCiba(ctx context.Context, rp *RelyingParty, req *ticket.CibaRequest) (TokenResponse, error) {
	if req.ClientID != rp.ClientID {
		return TokenResponse{}, errors.New("auth_req_id client mismatch")
	}
	if !req.Ready {
		return TokenResponse{}, errors.New("backchannel request is not ready")
	}
	if ticket.Expired(req, ts.now()) {
		return TokenResponse{}, ticket.ErrExpired
	}
	tgt, err := ts.NewGrantingTicket(ctx, req.Authn)
	if err != nil {
		return TokenResponse{}, err
	}
	resp, err := ts.mint(ctx, rp, tgt.TicketState.ID, req.Authn, req.Scopes, ticket.GrantCiba, true)
	if err != nil {
		return TokenResponse{}, err
	}
	// Consumed: one token response per backchannel request.
	if err := ts.store.Delete(ctx, req.TicketState.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return TokenResponse{}, err
	}
	return resp, nil
}

// ValidateAccessToken parses a minted JWT and checks its backing ticket.
func (ts *TokenService) ValidateAccessToken(ctx context.Context, token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.keys.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Issuer != ts.issuer {
		return nil, errors.New("invalid issuer")
	}
	backing, err := ts.store.Get(ctx, claims.TicketID)
	if err != nil {
		return nil, fmt.Errorf("token revoked: %w", err)
	}
	if ticket.Expired(backing, ts.now()) {
		return nil, ticket.ErrExpired
	}
	return claims, nil
}

// Introspect returns RFC 7662 metadata.
func (ts *TokenService) Introspect(ctx context.Context, token string) map[string]any {
	claims, err := ts.ValidateAccessToken(ctx, token)
	if err != nil {
		return map[string]any{"active": false}
	}
	active := map[string]any{
		"active":     true,
		"scope":      claims.Scope,
		"client_id":  claims.ClientID,
		"sub":        claims.Subject,
		"iss":        claims.Issuer,
		"token_type": "access_token",
	}
	if claims.ExpiresAt != nil {
		active["exp"] = claims.ExpiresAt.Time.Unix()
	}
	if claims.IssuedAt != nil {
		active["iat"] = claims.IssuedAt.Time.Unix()
	}
	return active
}

// Revoke invalidates a presented token. Refresh token ids and access token
// JWTs are both accepted; deleting the backing ticket cascades to children.
func (ts *TokenService) Revoke(ctx context.Context, rp *RelyingParty, token string) {
	if t, err := ts.store.Get(ctx, token); err == nil {
		if owner, ok := t.(*ticket.RefreshToken); ok && owner.ClientID == rp.ClientID {
			_ = ts.store.Delete(ctx, token)
		}
		return
	}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.keys.Keyfunc)
	if err != nil {
		return
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid || claims.ClientID != rp.ClientID {
		return
	}
	_ = ts.store.Delete(ctx, claims.TicketID)
}

// CompactRefreshToken encodes a refresh token ticket for clients configured
// for stateless refresh.
func (ts *TokenService) CompactRefreshToken(rt *ticket.RefreshToken) (string, error) {
	return ts.rtCodec.Compact(rt)
}

func claimsToMap(claims AccessTokenClaims) jwt.MapClaims {
	out := jwt.MapClaims{
		"scope":     claims.Scope,
		"client_id": claims.ClientID,
		"tid":       claims.TicketID,
		"iss":       claims.Issuer,
		"sub":       claims.Subject,
		"jti":       claims.ID,
	}
	if len(claims.Audience) > 0 {
		out["aud"] = claims.Audience[0]
	}
	if claims.IssuedAt != nil {
		out["iat"] = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		out["exp"] = claims.ExpiresAt.Unix()
	}
	return out
}
