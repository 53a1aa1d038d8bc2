package expiration

import (
	"log/slog"
	"time"

	"ticketd/ticket"
)

// RememberMeDelegating routes evaluation to one of two injected sub-policies
// based on the remember-me flag recorded at authentication time. Both
// sub-policies are wired explicitly at construction; there is no name-based
// lookup at evaluation time.
type RememberMeDelegating struct {
	RememberMe ticket.ExpirationPolicy
	Default    ticket.ExpirationPolicy
	Logger     *slog.Logger
}

func (p RememberMeDelegating) IsExpired(t ticket.Ticket, now time.Time) bool {
	if dead(t) {
		return true
	}
	rememberMe := false
	if a, ok := t.(ticket.Authenticated); ok {
		rememberMe = a.Authentication().RememberMe
	}
	selected := p.Default
	if rememberMe {
		selected = p.RememberMe
	}
	if selected == nil {
		if p.Logger != nil {
			p.Logger.Warn("no expiration policy configured for remember-me delegation; treating ticket as live",
				"ticket", t.State().ID, "remember_me", rememberMe)
		}
		return false
	}
	return selected.IsExpired(t, now)
}

// RefreshToken expires a refresh token by its own time-to-kill and, unless
// standalone, by the liveness of the granting ticket that issued it. The
// granting reference is the in-memory object the token carries; a dependent
// token without one fails closed.
type RefreshToken struct {
	TimeToKill time.Duration
	Standalone bool
}

// NewRefreshToken builds the dependent variant: the token dies with its
// granting ticket.
func NewRefreshToken(timeToKill time.Duration) RefreshToken {
	return RefreshToken{TimeToKill: timeToKill}
}

// NewStandaloneRefreshToken builds the variant that outlives the session
// which created it, expiring only by its own time-to-kill.
func NewStandaloneRefreshToken(timeToKill time.Duration) RefreshToken {
	return RefreshToken{TimeToKill: timeToKill, Standalone: true}
}

func (p RefreshToken) IsExpired(t ticket.Ticket, now time.Time) bool {
	if dead(t) {
		return true
	}
	if now.After(t.State().Created.Add(p.TimeToKill)) {
		return true
	}
	if p.Standalone {
		return false
	}
	rt, ok := t.(*ticket.RefreshToken)
	if !ok || rt.Granting == nil {
		return true
	}
	return ticket.Expired(rt.Granting, now)
}
