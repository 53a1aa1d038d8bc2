// Package ciba implements OpenID Connect client-initiated backchannel
// authentication: a relying party asks the server to authenticate a user
// out-of-band, then learns the outcome by polling or by notification.
package ciba

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticketd/store"
	"ticketd/ticket"
	"ticketd/ticket/expiration"
)

// ErrInvalidBackchannelRequest covers every request-shape rejection; the
// handler maps it to invalid_request before any ticket is created.
var ErrInvalidBackchannelRequest = errors.New("ciba: invalid backchannel authentication request")

// Mode is the token delivery mode a relying party registered for.
type Mode string

const (
	ModePoll Mode = "poll"
	ModePing Mode = "ping"
	ModePush Mode = "push"
)

// Client is the view of a relying party's registration the backchannel flow
// needs; the server's registry produces it.
type Client struct {
	ID                   string
	SupportsCiba         bool
	UserCodeSupported    bool
	DeliveryMode         Mode
	NotificationEndpoint string
	RequestTTL           time.Duration
}

// Request carries the parameters of one backchannel authentication request.
// Exactly one of the three hints must be present.
type Request struct {
	Scopes                  []string
	LoginHint               string
	LoginHintToken          string
	IDTokenHint             string
	ClientNotificationToken string
	BindingMessage          string
	UserCode                string
	RequestedExpiry         time.Duration
}

func (r Request) hintCount() int {
	n := 0
	for _, h := range []string{r.LoginHint, r.LoginHintToken, r.IDTokenHint} {
		if h != "" {
			n++
		}
	}
	return n
}

func (r Request) hasScope(want string) bool {
	for _, s := range r.Scopes {
		if s == want {
			return true
		}
	}
	return false
}

// ValidateRequest checks the request against the client's registration. The
// checks run in a fixed order so rejections are deterministic: hint
// cardinality, openid scope, user-code support, then the notification
// requirements of ping and push.
func ValidateRequest(c Client, r Request) error {
	if !c.SupportsCiba {
		return fmt.Errorf("%w: client %s does not allow the ciba grant", ErrInvalidBackchannelRequest, c.ID)
	}
	if r.hintCount() != 1 {
		return fmt.Errorf("%w: exactly one of login_hint, login_hint_token, id_token_hint is required", ErrInvalidBackchannelRequest)
	}
	if !r.hasScope("openid") {
		return fmt.Errorf("%w: the openid scope is required", ErrInvalidBackchannelRequest)
	}
	if r.UserCode != "" && !c.UserCodeSupported {
		return fmt.Errorf("%w: client %s does not support user codes", ErrInvalidBackchannelRequest, c.ID)
	}
	switch c.DeliveryMode {
	case ModePoll:
	case ModePing, ModePush:
		if r.ClientNotificationToken == "" {
			return fmt.Errorf("%w: client_notification_token is required for %s delivery", ErrInvalidBackchannelRequest, c.DeliveryMode)
		}
		if !strings.HasPrefix(c.NotificationEndpoint, "https://") {
			return fmt.Errorf("%w: notification endpoint must be https", ErrInvalidBackchannelRequest)
		}
	default:
		return fmt.Errorf("%w: client %s has no backchannel delivery mode", ErrInvalidBackchannelRequest, c.ID)
	}
	return nil
}

// Flow records and resolves backchannel requests on top of a ticket store.
type Flow struct {
	Store      store.TicketStore
	Logger     *slog.Logger
	RequestTTL time.Duration
	Now        func() time.Time
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Record validates the request, persists a pending CibaRequest ticket, and
// returns it together with the encoded auth_req_id handed to the client.
func (f *Flow) Record(ctx context.Context, c Client, r Request) (*ticket.CibaRequest, string, error) {
	if err := ValidateRequest(c, r); err != nil {
		return nil, "", err
	}
	ttl := f.RequestTTL
	if c.RequestTTL > 0 {
		ttl = c.RequestTTL
	}
	if r.RequestedExpiry > 0 && r.RequestedExpiry < ttl {
		ttl = r.RequestedExpiry
	}
	req := &ticket.CibaRequest{
		TicketState:       ticket.NewState(ticket.KindCiba, f.now()),
		Policy:            expiration.Hard{HardTimeout: ttl},
		ClientID:          c.ID,
		Scopes:            r.Scopes,
		NotificationToken: r.ClientNotificationToken,
	}
	if err := f.Store.Put(ctx, req); err != nil {
		return nil, "", err
	}
	return req, EncodeRequestID(req.TicketState.ID), nil
}

// EncodeRequestID turns a ticket id into the opaque auth_req_id form clients
// see on the wire.
func EncodeRequestID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// DecodeRequestID reverses EncodeRequestID. Raw ticket ids are rejected so a
// client cannot shortcut the encoding.
func DecodeRequestID(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: malformed auth_req_id", ErrInvalidBackchannelRequest)
	}
	id := string(raw)
	if !strings.HasPrefix(id, string(ticket.KindCiba)+"-") {
		return "", fmt.Errorf("%w: malformed auth_req_id", ErrInvalidBackchannelRequest)
	}
	return id, nil
}

// Lookup resolves an encoded auth_req_id to its live ticket.
func (f *Flow) Lookup(ctx context.Context, encoded string) (*ticket.CibaRequest, error) {
	id, err := DecodeRequestID(encoded)
	if err != nil {
		return nil, err
	}
	t, err := f.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown auth_req_id", ErrInvalidBackchannelRequest)
	}
	if err != nil {
		return nil, err
	}
	req, ok := t.(*ticket.CibaRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unknown auth_req_id", ErrInvalidBackchannelRequest)
	}
	if ticket.Expired(req, f.now()) {
		return nil, ticket.ErrExpired
	}
	return req, nil
}

// MarkReady flips the ticket to ready once the out-of-band ceremony has
// verified the user, recording the resulting authentication.
func (f *Flow) MarkReady(ctx context.Context, id string, authn ticket.Authentication) (*ticket.CibaRequest, error) {
	t, err := f.Store.Update(ctx, id, func(t ticket.Ticket) error {
		req, ok := t.(*ticket.CibaRequest)
		if !ok {
			return fmt.Errorf("%w: unknown auth_req_id", ErrInvalidBackchannelRequest)
		}
		if ticket.Expired(req, f.now()) {
			return ticket.ErrExpired
		}
		req.Ready = true
		req.Authn = authn
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown auth_req_id", ErrInvalidBackchannelRequest)
	}
	if err != nil {
		return nil, err
	}
	return t.(*ticket.CibaRequest), nil
}
