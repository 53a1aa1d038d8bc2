package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"ticketd/store"
	"ticketd/ticket"
)

func newTestTokenService(t *testing.T) (*TokenService, *store.Memory, *RelyingParty) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://sso.test"

	st := store.NewMemory(logger)
	keys, err := NewSigningKeys("", 0, logger)
	if err != nil {
		t.Fatalf("NewSigningKeys: %v", err)
	}

	rp := &RelyingParty{
		ClientID:     "webapp",
		ClientSecret: "secret",
		Service:      "https://app.example.org",
		Grants: []string{
			string(ticket.GrantDeviceCode),
			string(ticket.GrantRefreshToken),
			string(ticket.GrantCiba),
		},
		Scopes: []string{"openid", "profile"},
	}
	registry, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	registry.Add(rp)
	ts := NewTokenService(cfg, st, keys, registry, logger)
	return ts, st, rp
}

func approvedPair(scopes []string) (*ticket.DeviceToken, *ticket.DeviceUserCode) {
	now := time.Now()
	dt := &ticket.DeviceToken{
		TicketState: ticket.NewState(ticket.KindDeviceToken, now),
		ClientID:    "webapp",
		Scopes:      scopes,
	}
	uc := &ticket.DeviceUserCode{
		TicketState:   ticket.NewState(ticket.KindDeviceUserCode, now),
		DeviceTokenID: dt.TicketState.ID,
		Approved:      true,
		Authn:         ticket.Authentication{PrincipalID: "alice", Handlers: []string{"device-approval"}},
	}
	return dt, uc
}

func TestMintForDevicePairAndValidate(t *testing.T) {
	ts, _, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid", "profile"})

	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("no access token minted")
	}
	if resp.RefreshToken == "" {
		t.Fatalf("no refresh token issued despite refresh grant")
	}
	if resp.TokenType != "Bearer" {
		t.Fatalf("TokenType = %q", resp.TokenType)
	}
	if resp.Scope != "openid profile" {
		t.Fatalf("Scope = %q", resp.Scope)
	}

	claims, err := ts.ValidateAccessToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("sub = %q", claims.Subject)
	}
	if claims.ClientID != "webapp" {
		t.Fatalf("client_id = %q", claims.ClientID)
	}
	if claims.TicketID == "" {
		t.Fatalf("claims carry no backing ticket id")
	}
	if claims.Issuer != "http://sso.test" {
		t.Fatalf("iss = %q", claims.Issuer)
	}
}

func TestDeletingBackingTicketRevokesJWT(t *testing.T) {
	ts, st, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid"})

	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}
	claims, err := ts.ValidateAccessToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}

	if err := st.Delete(context.Background(), claims.TicketID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ts.ValidateAccessToken(context.Background(), resp.AccessToken); err == nil {
		t.Fatalf("token still valid after its ticket was deleted")
	}
}

func TestRefreshRotation(t *testing.T) {
	ts, _, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid"})

	first, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}

	second, err := ts.MintForRefreshToken(context.Background(), rp, first.RefreshToken)
	if err != nil {
		t.Fatalf("MintForRefreshToken: %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatalf("rotation did not issue a new refresh token")
	}

	// The presented token died with the exchange.
	if _, err := ts.MintForRefreshToken(context.Background(), rp, first.RefreshToken); err == nil {
		t.Fatalf("rotated-out refresh token still usable")
	}
	if _, err := ts.MintForRefreshToken(context.Background(), rp, second.RefreshToken); err != nil {
		t.Fatalf("fresh refresh token rejected: %v", err)
	}
}

func TestRefreshTokenClientMismatch(t *testing.T) {
	ts, _, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid"})
	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}

	other := &RelyingParty{ClientID: "other", Grants: rp.Grants}
	if _, err := ts.MintForRefreshToken(context.Background(), other, resp.RefreshToken); err == nil {
		t.Fatalf("foreign client refreshed someone else's token")
	}
}

func TestRefreshDiesWithSession(t *testing.T) {
	ts, st, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid"})
	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}

	rt, err := st.Get(context.Background(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("Get refresh ticket: %v", err)
	}
	session := rt.(*ticket.RefreshToken).GrantingID
	if session == "" {
		t.Fatalf("refresh token carries no session link")
	}
	if err := st.Delete(context.Background(), session); err != nil {
		t.Fatalf("Delete session: %v", err)
	}

	if _, err := ts.MintForRefreshToken(context.Background(), rp, resp.RefreshToken); err == nil {
		t.Fatalf("refresh token outlived its deleted session")
	}
}

func TestStatelessRefreshFallback(t *testing.T) {
	ts, st, rp := newTestTokenService(t)
	rp.StandaloneRefresh = true
	dt, uc := approvedPair([]string{"openid"})
	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}

	rt, err := st.Get(context.Background(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("Get refresh ticket: %v", err)
	}
	encoded, err := ts.CompactRefreshToken(rt.(*ticket.RefreshToken))
	if err != nil {
		t.Fatalf("CompactRefreshToken: %v", err)
	}

	// Simulate a node that never stored the ticket.
	if err := st.Delete(context.Background(), resp.RefreshToken); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	out, err := ts.MintForRefreshToken(context.Background(), rp, encoded)
	if err != nil {
		t.Fatalf("MintForRefreshToken from compact form: %v", err)
	}
	if out.AccessToken == "" {
		t.Fatalf("no access token from stateless refresh")
	}
}

func TestExpiredRefreshTokenDeleted(t *testing.T) {
	ts, st, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid"})
	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}

	ts.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := ts.MintForRefreshToken(context.Background(), rp, resp.RefreshToken); !errors.Is(err, ticket.ErrExpired) {
		t.Fatalf("expired refresh = %v, want ErrExpired", err)
	}
	if _, err := st.Get(context.Background(), resp.RefreshToken); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired refresh token left in the store: %v", err)
	}
}

func TestMintForCibaConsumesRequest(t *testing.T) {
	ts, st, rp := newTestTokenService(t)
	req := &ticket.CibaRequest{
		TicketState: ticket.NewState(ticket.KindCiba, time.Now()),
		ClientID:    rp.ClientID,
		Scopes:      []string{"openid"},
		Ready:       true,
		Authn:       ticket.Authentication{PrincipalID: "alice"},
	}
	if err := st.Put(context.Background(), req); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, err := ts.MintForCiba(context.Background(), rp, req)
	if err != nil {
		t.Fatalf("MintForCiba: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("no access token minted")
	}
	if _, err := st.Get(context.Background(), req.TicketState.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ciba request not consumed: %v", err)
	}

	notReady := &ticket.CibaRequest{
		TicketState: ticket.NewState(ticket.KindCiba, time.Now()),
		ClientID:    rp.ClientID,
	}
	if _, err := ts.MintForCiba(context.Background(), rp, notReady); err == nil {
		t.Fatalf("minted for a request that was never marked ready")
	}

	foreign := &ticket.CibaRequest{
		TicketState: ticket.NewState(ticket.KindCiba, time.Now()),
		ClientID:    "someone-else",
		Ready:       true,
	}
	if _, err := ts.MintForCiba(context.Background(), rp, foreign); err == nil {
		t.Fatalf("minted for another client's request")
	}
}

func TestMintBackchannelShape(t *testing.T) {
	ts, st, rp := newTestTokenService(t)
	req := &ticket.CibaRequest{
		TicketState: ticket.NewState(ticket.KindCiba, time.Now()),
		ClientID:    rp.ClientID,
		Scopes:      []string{"openid", "profile"},
		Ready:       true,
		Authn:       ticket.Authentication{PrincipalID: "alice"},
	}
	body, err := ts.MintBackchannel(context.Background(), req)
	if err != nil {
		t.Fatalf("MintBackchannel: %v", err)
	}
	if body["access_token"] == "" || body["token_type"] != "Bearer" {
		t.Fatalf("body = %v", body)
	}
	if body["scope"] != "openid profile" {
		t.Fatalf("scope = %v", body["scope"])
	}

	// The pushed pair is complete: the refresh token is real and usable.
	encoded, ok := body["refresh_token"].(string)
	if !ok || encoded == "" {
		t.Fatalf("pushed body carries no refresh token: %v", body)
	}
	if _, err := st.Get(context.Background(), encoded); err != nil {
		t.Fatalf("pushed refresh token has no backing ticket: %v", err)
	}
	if _, err := ts.MintForRefreshToken(context.Background(), rp, encoded); err != nil {
		t.Fatalf("pushed refresh token rejected at the token endpoint: %v", err)
	}
}

func TestMintBackchannelHonorsRefreshGrant(t *testing.T) {
	ts, _, _ := newTestTokenService(t)
	noRefresh := &RelyingParty{
		ClientID: "bank-app",
		Grants:   []string{string(ticket.GrantCiba)},
		Scopes:   []string{"openid"},
	}
	ts.clients.Add(noRefresh)

	req := &ticket.CibaRequest{
		TicketState: ticket.NewState(ticket.KindCiba, time.Now()),
		ClientID:    noRefresh.ClientID,
		Scopes:      []string{"openid"},
		Ready:       true,
		Authn:       ticket.Authentication{PrincipalID: "alice"},
	}
	body, err := ts.MintBackchannel(context.Background(), req)
	if err != nil {
		t.Fatalf("MintBackchannel: %v", err)
	}
	if _, ok := body["refresh_token"]; ok {
		t.Fatalf("refresh token pushed to a client without the grant: %v", body)
	}

	unknown := &ticket.CibaRequest{
		TicketState: ticket.NewState(ticket.KindCiba, time.Now()),
		ClientID:    "never-registered",
		Ready:       true,
	}
	if _, err := ts.MintBackchannel(context.Background(), unknown); err == nil {
		t.Fatalf("minted for an unregistered client")
	}
}

func TestIntrospect(t *testing.T) {
	ts, _, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid"})
	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}

	body := ts.Introspect(context.Background(), resp.AccessToken)
	if body["active"] != true {
		t.Fatalf("live token inactive: %v", body)
	}
	if body["sub"] != "alice" || body["client_id"] != "webapp" {
		t.Fatalf("introspection body = %v", body)
	}

	body = ts.Introspect(context.Background(), "garbage")
	if body["active"] != false {
		t.Fatalf("garbage token active: %v", body)
	}
	if len(body) != 1 {
		t.Fatalf("inactive introspection leaks metadata: %v", body)
	}
}

func TestRevoke(t *testing.T) {
	ts, st, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid"})
	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}

	// Revoking the access token kills its backing ticket.
	ts.Revoke(context.Background(), rp, resp.AccessToken)
	if _, err := ts.ValidateAccessToken(context.Background(), resp.AccessToken); err == nil {
		t.Fatalf("revoked access token still validates")
	}

	// Revoking the refresh token removes it from the store.
	ts.Revoke(context.Background(), rp, resp.RefreshToken)
	if _, err := st.Get(context.Background(), resp.RefreshToken); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("revoked refresh token still stored: %v", err)
	}
}

func TestRevokeRequiresOwnership(t *testing.T) {
	ts, st, rp := newTestTokenService(t)
	dt, uc := approvedPair([]string{"openid"})
	resp, err := ts.MintForDevicePair(context.Background(), rp, dt, uc)
	if err != nil {
		t.Fatalf("MintForDevicePair: %v", err)
	}

	other := &RelyingParty{ClientID: "other"}
	ts.Revoke(context.Background(), other, resp.RefreshToken)
	if _, err := st.Get(context.Background(), resp.RefreshToken); err != nil {
		t.Fatalf("foreign revocation removed the token: %v", err)
	}

	ts.Revoke(context.Background(), other, resp.AccessToken)
	if _, err := ts.ValidateAccessToken(context.Background(), resp.AccessToken); err != nil {
		t.Fatalf("foreign revocation killed the access token: %v", err)
	}
}
