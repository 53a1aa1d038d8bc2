package store

import (
	"encoding/json"
	"fmt"
	"time"

	"ticketd/ticket"
	"ticketd/ticket/expiration"
)

// envelope is the persisted JSON shape shared by both backends. One flat
// struct with a kind tag keeps the wire stable and the decode switch
// exhaustive over the closed ticket set.
type envelope struct {
	Kind   ticket.Kind     `json:"kind"`
	State  ticket.State    `json:"state"`
	Policy *policyEnvelope `json:"policy,omitempty"`

	Service             string                 `json:"service,omitempty"`
	ClientID            string                 `json:"client_id,omitempty"`
	Scopes              []string               `json:"scopes,omitempty"`
	GrantType           ticket.GrantType       `json:"grant_type,omitempty"`
	ResponseType        ticket.ResponseType    `json:"response_type,omitempty"`
	CodeChallenge       string                 `json:"code_challenge,omitempty"`
	CodeChallengeMethod string                 `json:"code_challenge_method,omitempty"`
	GrantingID          string                 `json:"granting_id,omitempty"`
	UserCode            string                 `json:"user_code,omitempty"`
	DeviceTokenID       string                 `json:"device_token_id,omitempty"`
	Approved            bool                   `json:"approved,omitempty"`
	NotificationToken   string                 `json:"notification_token,omitempty"`
	Ready               bool                   `json:"ready,omitempty"`
	Authn               *ticket.Authentication `json:"authn,omitempty"`
}

type policyEnvelope struct {
	Type          string          `json:"type"`
	IdleTimeout   time.Duration   `json:"idle_timeout,omitempty"`
	HardTimeout   time.Duration   `json:"hard_timeout,omitempty"`
	MinGap        time.Duration   `json:"min_gap,omitempty"`
	MaxUses       int64           `json:"max_uses,omitempty"`
	MaxTimeToLive time.Duration   `json:"max_time_to_live,omitempty"`
	TimeToKill    time.Duration   `json:"time_to_kill,omitempty"`
	Standalone    bool            `json:"standalone,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"`
	RememberMe    *policyEnvelope `json:"remember_me,omitempty"`
	Default       *policyEnvelope `json:"default,omitempty"`
}

func encodePolicy(p ticket.ExpirationPolicy) (*policyEnvelope, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case expiration.Always:
		return &policyEnvelope{Type: "always"}, nil
	case expiration.Never:
		return &policyEnvelope{Type: "never"}, nil
	case expiration.Idle:
		return &policyEnvelope{Type: "idle", IdleTimeout: v.IdleTimeout}, nil
	case expiration.Hard:
		return &policyEnvelope{Type: "hard", HardTimeout: v.HardTimeout}, nil
	case expiration.FixedInstant:
		return &policyEnvelope{Type: "fixed", ExpiresAt: v.ExpiresAt}, nil
	case expiration.MultiUseOrIdle:
		return &policyEnvelope{Type: "multi_use", MaxUses: v.MaxUses, IdleTimeout: v.IdleTimeout}, nil
	case expiration.Throttled:
		return &policyEnvelope{Type: "throttled", HardTimeout: v.HardTimeout, MinGap: v.MinGapBetweenUses}, nil
	case expiration.Granting:
		return &policyEnvelope{Type: "granting", MaxTimeToLive: v.MaxTimeToLive, TimeToKill: v.TimeToKill}, nil
	case expiration.RefreshToken:
		return &policyEnvelope{Type: "refresh", TimeToKill: v.TimeToKill, Standalone: v.Standalone}, nil
	case expiration.RememberMeDelegating:
		rm, err := encodePolicy(v.RememberMe)
		if err != nil {
			return nil, err
		}
		def, err := encodePolicy(v.Default)
		if err != nil {
			return nil, err
		}
		return &policyEnvelope{Type: "remember_me", RememberMe: rm, Default: def}, nil
	default:
		return nil, fmt.Errorf("expiration policy %T is not persistable", p)
	}
}

func decodePolicy(env *policyEnvelope) (ticket.ExpirationPolicy, error) {
	if env == nil {
		return nil, nil
	}
	switch env.Type {
	case "always":
		return expiration.Always{}, nil
	case "never":
		return expiration.Never{}, nil
	case "idle":
		return expiration.Idle{IdleTimeout: env.IdleTimeout}, nil
	case "hard":
		return expiration.Hard{HardTimeout: env.HardTimeout}, nil
	case "fixed":
		return expiration.FixedInstant{ExpiresAt: env.ExpiresAt}, nil
	case "multi_use":
		return expiration.MultiUseOrIdle{MaxUses: env.MaxUses, IdleTimeout: env.IdleTimeout}, nil
	case "throttled":
		return expiration.Throttled{HardTimeout: env.HardTimeout, MinGapBetweenUses: env.MinGap}, nil
	case "granting":
		return expiration.Granting{MaxTimeToLive: env.MaxTimeToLive, TimeToKill: env.TimeToKill}, nil
	case "refresh":
		return expiration.RefreshToken{TimeToKill: env.TimeToKill, Standalone: env.Standalone}, nil
	case "remember_me":
		rm, err := decodePolicy(env.RememberMe)
		if err != nil {
			return nil, err
		}
		def, err := decodePolicy(env.Default)
		if err != nil {
			return nil, err
		}
		return expiration.RememberMeDelegating{RememberMe: rm, Default: def}, nil
	default:
		return nil, fmt.Errorf("unknown expiration policy type %q", env.Type)
	}
}

func authnPtr(a ticket.Authentication) *ticket.Authentication {
	if a.PrincipalID == "" && len(a.Handlers) == 0 && len(a.CredentialTypes) == 0 && !a.RememberMe && len(a.Attributes) == 0 {
		return nil
	}
	return &a
}

func authnValue(a *ticket.Authentication) ticket.Authentication {
	if a == nil {
		return ticket.Authentication{}
	}
	return *a
}

// Marshal converts a ticket into its persisted JSON form.
func Marshal(t ticket.Ticket) ([]byte, error) {
	pol, err := encodePolicy(t.ExpirationPolicy())
	if err != nil {
		return nil, err
	}
	env := envelope{Kind: t.Kind(), State: *t.State(), Policy: pol}

	switch v := t.(type) {
	case *ticket.GrantingTicket:
		env.Authn = authnPtr(v.Authn)
	case *ticket.ServiceTicket:
		env.Service = v.Service
		env.GrantingID = v.GrantingID
		env.Authn = authnPtr(v.Authn)
	case *ticket.OAuthCode:
		env.Service = v.Service
		env.ClientID = v.ClientID
		env.Scopes = v.Scopes
		env.GrantType = v.GrantType
		env.ResponseType = v.ResponseType
		env.CodeChallenge = v.CodeChallenge
		env.CodeChallengeMethod = v.CodeChallengeMethod
		env.GrantingID = v.GrantingID
		env.Authn = authnPtr(v.Authn)
	case *ticket.AccessToken:
		env.Service = v.Service
		env.ClientID = v.ClientID
		env.Scopes = v.Scopes
		env.GrantType = v.GrantType
		env.ResponseType = v.ResponseType
		env.GrantingID = v.GrantingID
		env.Authn = authnPtr(v.Authn)
	case *ticket.RefreshToken:
		env.Service = v.Service
		env.ClientID = v.ClientID
		env.Scopes = v.Scopes
		env.GrantType = v.GrantType
		env.ResponseType = v.ResponseType
		env.GrantingID = v.GrantingID
		env.Authn = authnPtr(v.Authn)
	case *ticket.DeviceToken:
		env.Service = v.Service
		env.ClientID = v.ClientID
		env.Scopes = v.Scopes
		env.UserCode = v.UserCode
	case *ticket.DeviceUserCode:
		env.DeviceTokenID = v.DeviceTokenID
		env.Approved = v.Approved
		env.Authn = authnPtr(v.Authn)
	case *ticket.CibaRequest:
		env.ClientID = v.ClientID
		env.Scopes = v.Scopes
		env.NotificationToken = v.NotificationToken
		env.Ready = v.Ready
		env.Authn = authnPtr(v.Authn)
	default:
		return nil, fmt.Errorf("ticket kind %T is not persistable", t)
	}
	return json.Marshal(env)
}

// Unmarshal reconstructs a ticket from its persisted form. Refresh token
// granting references are rehydrated by the store, not here.
func Unmarshal(data []byte) (ticket.Ticket, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode ticket envelope: %w", err)
	}
	pol, err := decodePolicy(env.Policy)
	if err != nil {
		return nil, err
	}

	switch env.Kind {
	case ticket.KindGranting:
		return &ticket.GrantingTicket{TicketState: env.State, Policy: pol, Authn: authnValue(env.Authn)}, nil
	case ticket.KindService:
		return &ticket.ServiceTicket{TicketState: env.State, Policy: pol, Service: env.Service, GrantingID: env.GrantingID, Authn: authnValue(env.Authn)}, nil
	case ticket.KindOAuthCode:
		return &ticket.OAuthCode{
			TicketState: env.State, Policy: pol, Service: env.Service, ClientID: env.ClientID,
			Scopes: env.Scopes, GrantType: env.GrantType, ResponseType: env.ResponseType,
			CodeChallenge: env.CodeChallenge, CodeChallengeMethod: env.CodeChallengeMethod,
			GrantingID: env.GrantingID, Authn: authnValue(env.Authn),
		}, nil
	case ticket.KindAccessToken:
		return &ticket.AccessToken{
			TicketState: env.State, Policy: pol, Service: env.Service, ClientID: env.ClientID,
			Scopes: env.Scopes, GrantType: env.GrantType, ResponseType: env.ResponseType,
			GrantingID: env.GrantingID, Authn: authnValue(env.Authn),
		}, nil
	case ticket.KindRefreshToken:
		return &ticket.RefreshToken{
			TicketState: env.State, Policy: pol, Service: env.Service, ClientID: env.ClientID,
			Scopes: env.Scopes, GrantType: env.GrantType, ResponseType: env.ResponseType,
			GrantingID: env.GrantingID, Authn: authnValue(env.Authn),
		}, nil
	case ticket.KindDeviceToken:
		return &ticket.DeviceToken{TicketState: env.State, Policy: pol, Service: env.Service, ClientID: env.ClientID, Scopes: env.Scopes, UserCode: env.UserCode}, nil
	case ticket.KindDeviceUserCode:
		return &ticket.DeviceUserCode{TicketState: env.State, Policy: pol, DeviceTokenID: env.DeviceTokenID, Approved: env.Approved, Authn: authnValue(env.Authn)}, nil
	case ticket.KindCiba:
		return &ticket.CibaRequest{TicketState: env.State, Policy: pol, ClientID: env.ClientID, Scopes: env.Scopes, NotificationToken: env.NotificationToken, Ready: env.Ready, Authn: authnValue(env.Authn)}, nil
	default:
		return nil, fmt.Errorf("unknown ticket kind %q", env.Kind)
	}
}
