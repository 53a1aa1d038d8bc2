package compact

import (
	"fmt"
	"strings"
	"time"

	"ticketd/ticket"
	"ticketd/ticket/expiration"
)

// ExpiresAt derives the absolute expiration instant the header encodes, from
// the ticket's current state and policy. The compactor owns this mapping so
// every policy variant has a declared wire meaning.
func ExpiresAt(t ticket.Ticket) (time.Time, error) {
	s := t.State()
	switch p := t.ExpirationPolicy().(type) {
	case expiration.FixedInstant:
		return p.ExpiresAt, nil
	case expiration.Hard:
		return s.Created.Add(p.HardTimeout), nil
	case expiration.Idle:
		return s.LastUsed.Add(p.IdleTimeout), nil
	case expiration.MultiUseOrIdle:
		return s.LastUsed.Add(p.IdleTimeout), nil
	case expiration.Throttled:
		if s.UseCount == 0 {
			return s.Created.Add(p.HardTimeout), nil
		}
		return s.LastUsed.Add(p.HardTimeout), nil
	case expiration.Granting:
		ceiling := s.Created.Add(p.MaxTimeToLive)
		idle := s.LastUsed.Add(p.TimeToKill)
		if ceiling.Before(idle) {
			return ceiling, nil
		}
		return idle, nil
	case expiration.RefreshToken:
		return s.Created.Add(p.TimeToKill), nil
	default:
		return time.Time{}, fmt.Errorf("expiration policy %T has no encodable instant", t.ExpirationPolicy())
	}
}

// RefreshTokenCodec compacts refresh tokens. Field order after the header:
// clientId, scopes, responseType ordinal, grantType ordinal, authentication.
type RefreshTokenCodec struct {
	MaxLength int
}

const refreshTokenFields = headerFields + 5

// Compact encodes the refresh token, or fails when the encoding would exceed
// the length limit.
func (c RefreshTokenCodec) Compact(t *ticket.RefreshToken) (string, error) {
	if err := checkFields(t.Authn, t.Scopes, shortenService(t.Service), t.ClientID); err != nil {
		return "", err
	}
	expires, err := ExpiresAt(t)
	if err != nil {
		return "", err
	}
	rt, err := encodeResponseType(t.ResponseType)
	if err != nil {
		return "", err
	}
	gt, err := encodeGrantType(t.GrantType)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	header{Kind: ticket.KindRefreshToken, Service: t.Service, CreatedAt: t.TicketState.Created, ExpiresAt: expires}.encode(&b)
	for _, field := range []string{t.ClientID, encodeScopes(t.Scopes), rt, gt, encodeAuthentication(t.Authn)} {
		b.WriteString(FieldDelimiter)
		b.WriteString(field)
	}
	return checkLength(b.String(), c.MaxLength)
}

// Expand reconstructs a refresh token from its encoded form. The result
// carries a fixed-instant policy pinned to the encoded timestamps and no
// granting reference.
func (c RefreshTokenCodec) Expand(encoded string) (*ticket.RefreshToken, error) {
	fields := strings.Split(encoded, FieldDelimiter)
	if len(fields) != refreshTokenFields {
		return nil, &ParseError{Field: "refresh token", Reason: fmt.Sprintf("expected %d fields, got %d", refreshTokenFields, len(fields))}
	}
	h, err := decodeHeader(fields, ticket.KindRefreshToken)
	if err != nil {
		return nil, err
	}
	responseType, err := decodeResponseType(fields[headerFields+2])
	if err != nil {
		return nil, err
	}
	grantType, err := decodeGrantType(fields[headerFields+3])
	if err != nil {
		return nil, err
	}
	authn, err := decodeAuthentication(fields[headerFields+4])
	if err != nil {
		return nil, err
	}
	state, policy := expandedState(ticket.KindRefreshToken, h)
	return &ticket.RefreshToken{
		TicketState:  state,
		Policy:       policy,
		Service:      h.Service,
		ClientID:     fields[headerFields],
		Scopes:       decodeScopes(fields[headerFields+1]),
		ResponseType: responseType,
		GrantType:    grantType,
		Authn:        authn,
	}, nil
}

// AccessTokenCodec compacts access tokens with the same field layout as
// refresh tokens.
type AccessTokenCodec struct {
	MaxLength int
}

func (c AccessTokenCodec) Compact(t *ticket.AccessToken) (string, error) {
	if err := checkFields(t.Authn, t.Scopes, shortenService(t.Service), t.ClientID); err != nil {
		return "", err
	}
	expires, err := ExpiresAt(t)
	if err != nil {
		return "", err
	}
	rt, err := encodeResponseType(t.ResponseType)
	if err != nil {
		return "", err
	}
	gt, err := encodeGrantType(t.GrantType)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	header{Kind: ticket.KindAccessToken, Service: t.Service, CreatedAt: t.TicketState.Created, ExpiresAt: expires}.encode(&b)
	for _, field := range []string{t.ClientID, encodeScopes(t.Scopes), rt, gt, encodeAuthentication(t.Authn)} {
		b.WriteString(FieldDelimiter)
		b.WriteString(field)
	}
	return checkLength(b.String(), c.MaxLength)
}

func (c AccessTokenCodec) Expand(encoded string) (*ticket.AccessToken, error) {
	fields := strings.Split(encoded, FieldDelimiter)
	if len(fields) != refreshTokenFields {
		return nil, &ParseError{Field: "access token", Reason: fmt.Sprintf("expected %d fields, got %d", refreshTokenFields, len(fields))}
	}
	h, err := decodeHeader(fields, ticket.KindAccessToken)
	if err != nil {
		return nil, err
	}
	responseType, err := decodeResponseType(fields[headerFields+2])
	if err != nil {
		return nil, err
	}
	grantType, err := decodeGrantType(fields[headerFields+3])
	if err != nil {
		return nil, err
	}
	authn, err := decodeAuthentication(fields[headerFields+4])
	if err != nil {
		return nil, err
	}
	state, policy := expandedState(ticket.KindAccessToken, h)
	return &ticket.AccessToken{
		TicketState:  state,
		Policy:       policy,
		Service:      h.Service,
		ClientID:     fields[headerFields],
		Scopes:       decodeScopes(fields[headerFields+1]),
		ResponseType: responseType,
		GrantType:    grantType,
		Authn:        authn,
	}, nil
}

// OAuthCodeCodec compacts authorization codes. Field order after the header:
// clientId, scopes, responseType ordinal, grantType ordinal, codeChallenge,
// codeChallengeMethod, authentication.
type OAuthCodeCodec struct {
	MaxLength int
}

const oauthCodeFields = headerFields + 7

func (c OAuthCodeCodec) Compact(t *ticket.OAuthCode) (string, error) {
	if err := checkFields(t.Authn, t.Scopes, shortenService(t.Service), t.ClientID, t.CodeChallenge, t.CodeChallengeMethod); err != nil {
		return "", err
	}
	expires, err := ExpiresAt(t)
	if err != nil {
		return "", err
	}
	rt, err := encodeResponseType(t.ResponseType)
	if err != nil {
		return "", err
	}
	gt, err := encodeGrantType(t.GrantType)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	header{Kind: ticket.KindOAuthCode, Service: t.Service, CreatedAt: t.TicketState.Created, ExpiresAt: expires}.encode(&b)
	for _, field := range []string{
		t.ClientID, encodeScopes(t.Scopes), rt, gt,
		t.CodeChallenge, t.CodeChallengeMethod, encodeAuthentication(t.Authn),
	} {
		b.WriteString(FieldDelimiter)
		b.WriteString(field)
	}
	return checkLength(b.String(), c.MaxLength)
}

func (c OAuthCodeCodec) Expand(encoded string) (*ticket.OAuthCode, error) {
	fields := strings.Split(encoded, FieldDelimiter)
	if len(fields) != oauthCodeFields {
		return nil, &ParseError{Field: "authorization code", Reason: fmt.Sprintf("expected %d fields, got %d", oauthCodeFields, len(fields))}
	}
	h, err := decodeHeader(fields, ticket.KindOAuthCode)
	if err != nil {
		return nil, err
	}
	responseType, err := decodeResponseType(fields[headerFields+2])
	if err != nil {
		return nil, err
	}
	grantType, err := decodeGrantType(fields[headerFields+3])
	if err != nil {
		return nil, err
	}
	authn, err := decodeAuthentication(fields[headerFields+6])
	if err != nil {
		return nil, err
	}
	state, policy := expandedState(ticket.KindOAuthCode, h)
	return &ticket.OAuthCode{
		TicketState:         state,
		Policy:              policy,
		Service:             h.Service,
		ClientID:            fields[headerFields],
		Scopes:              decodeScopes(fields[headerFields+1]),
		ResponseType:        responseType,
		GrantType:           grantType,
		CodeChallenge:       fields[headerFields+4],
		CodeChallengeMethod: fields[headerFields+5],
		Authn:               authn,
	}, nil
}

// DeviceTokenCodec compacts device tokens. Field order after the header:
// clientId, scopes, linked user code id.
type DeviceTokenCodec struct {
	MaxLength int
}

const deviceTokenFields = headerFields + 3

func (c DeviceTokenCodec) Compact(t *ticket.DeviceToken) (string, error) {
	if err := checkFields(ticket.Authentication{}, t.Scopes, shortenService(t.Service), t.ClientID, t.UserCode); err != nil {
		return "", err
	}
	expires, err := ExpiresAt(t)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	header{Kind: ticket.KindDeviceToken, Service: t.Service, CreatedAt: t.TicketState.Created, ExpiresAt: expires}.encode(&b)
	for _, field := range []string{t.ClientID, encodeScopes(t.Scopes), t.UserCode} {
		b.WriteString(FieldDelimiter)
		b.WriteString(field)
	}
	return checkLength(b.String(), c.MaxLength)
}

func (c DeviceTokenCodec) Expand(encoded string) (*ticket.DeviceToken, error) {
	fields := strings.Split(encoded, FieldDelimiter)
	if len(fields) != deviceTokenFields {
		return nil, &ParseError{Field: "device token", Reason: fmt.Sprintf("expected %d fields, got %d", deviceTokenFields, len(fields))}
	}
	h, err := decodeHeader(fields, ticket.KindDeviceToken)
	if err != nil {
		return nil, err
	}
	state, policy := expandedState(ticket.KindDeviceToken, h)
	return &ticket.DeviceToken{
		TicketState: state,
		Policy:      policy,
		Service:     h.Service,
		ClientID:    fields[headerFields],
		Scopes:      decodeScopes(fields[headerFields+1]),
		UserCode:    fields[headerFields+2],
	}, nil
}
