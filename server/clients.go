package server

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"ticketd/ciba"
)

// RelyingParty is one registered client application with its resolved
// lifetime overrides.
type RelyingParty struct {
	ClientID     string
	ClientSecret string
	Public       bool
	Service      string
	Grants       []string
	Scopes       []string

	DeviceTTL         time.Duration
	RefreshTTL        time.Duration
	CibaTTL           time.Duration
	StandaloneRefresh bool

	BackchannelDeliveryMode ciba.Mode
	NotificationEndpoint    string
	BackchannelUserCode     bool
}

// Registry holds registered relying parties.
type Registry struct {
	parties map[string]*RelyingParty
}

// NewRegistry builds the registry from configuration.
func NewRegistry(cfgs []RelyingPartyConfig) (*Registry, error) {
	parties := make(map[string]*RelyingParty, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		rp := &RelyingParty{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Public:       cfg.Public || cfg.ClientSecret == "",
			Service:      cfg.Service,
			Grants:       cfg.Grants,
			Scopes:       cfg.Scopes,

			DeviceTTL:         cfg.DeviceTTL.Std(),
			RefreshTTL:        cfg.RefreshTTL.Std(),
			CibaTTL:           cfg.CibaTTL.Std(),
			StandaloneRefresh: cfg.StandaloneRefresh,

			BackchannelDeliveryMode: ciba.Mode(cfg.BackchannelDeliveryMode),
			NotificationEndpoint:    cfg.NotificationEndpoint,
			BackchannelUserCode:     cfg.BackchannelUserCode,
		}
		parties[cfg.ClientID] = rp
	}
	return &Registry{parties: parties}, nil
}

// Get retrieves a relying party definition.
func (r *Registry) Get(id string) (*RelyingParty, bool) {
	rp, ok := r.parties[id]
	return rp, ok
}

// Add registers a relying party (used for dev helpers and tests).
func (r *Registry) Add(rp *RelyingParty) {
	r.parties[rp.ClientID] = rp
}

// Authenticate validates client credentials. Public clients pass without a
// secret; confidential clients must present an exact match.
func (r *Registry) Authenticate(id, secret string) (*RelyingParty, error) {
	rp, ok := r.parties[id]
	if !ok {
		return nil, fmt.Errorf("invalid_client")
	}
	if rp.Public {
		return rp, nil
	}
	if secret == "" || secret != rp.ClientSecret {
		return nil, fmt.Errorf("invalid_client")
	}
	return rp, nil
}

// AllowsGrant reports whether the relying party registered for the grant.
func (rp *RelyingParty) AllowsGrant(grant string) bool {
	return slices.Contains(rp.Grants, grant)
}

// ValidateScopes ensures requested scopes are a subset of configured scopes.
func (rp *RelyingParty) ValidateScopes(scope string) bool {
	if scope == "" {
		return true
	}
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(rp.Scopes, sc) {
			return false
		}
	}
	return true
}

// BackchannelClient projects the registration into the view the ciba package
// consumes. An unset delivery mode means poll.
func (rp *RelyingParty) BackchannelClient(cibaGrant string) ciba.Client {
	mode := rp.BackchannelDeliveryMode
	if mode == "" {
		mode = ciba.ModePoll
	}
	return ciba.Client{
		ID:                   rp.ClientID,
		SupportsCiba:         rp.AllowsGrant(cibaGrant),
		UserCodeSupported:    rp.BackchannelUserCode,
		DeliveryMode:         mode,
		NotificationEndpoint: rp.NotificationEndpoint,
		RequestTTL:           rp.CibaTTL,
	}
}

// deviceTTL resolves the per-client device code lifetime against the system
// default.
func (rp *RelyingParty) deviceTTL(fallback time.Duration) time.Duration {
	if rp.DeviceTTL > 0 {
		return rp.DeviceTTL
	}
	return fallback
}

// refreshTTL resolves the per-client refresh token lifetime.
func (rp *RelyingParty) refreshTTL(fallback time.Duration) time.Duration {
	if rp.RefreshTTL > 0 {
		return rp.RefreshTTL
	}
	return fallback
}
