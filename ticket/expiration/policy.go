// Package expiration implements the ticket liveness predicates. Every policy
// is a stateless value evaluating a ticket snapshot against an explicit now;
// none performs I/O or mutates the ticket, and all of them fail closed on an
// absent ticket.
package expiration

import (
	"errors"
	"fmt"
	"time"

	"ticketd/ticket"
)

func dead(t ticket.Ticket) bool {
	return t == nil || t.State() == nil
}

// Always expires everything. Used to retire a ticket kind wholesale.
type Always struct{}

func (Always) IsExpired(ticket.Ticket, time.Time) bool { return true }

// Never keeps tickets alive until administratively revoked.
type Never struct{}

func (Never) IsExpired(t ticket.Ticket, _ time.Time) bool {
	return dead(t)
}

// Idle expires a ticket once it has gone unused for IdleTimeout.
type Idle struct {
	IdleTimeout time.Duration
}

func (p Idle) IsExpired(t ticket.Ticket, now time.Time) bool {
	if dead(t) {
		return true
	}
	return now.Sub(t.State().LastUsed) >= p.IdleTimeout
}

// Hard expires a ticket a fixed duration after creation, regardless of use.
type Hard struct {
	HardTimeout time.Duration
}

func (p Hard) IsExpired(t ticket.Ticket, now time.Time) bool {
	if dead(t) {
		return true
	}
	return now.Sub(t.State().Created) >= p.HardTimeout
}

// FixedInstant expires at an absolute instant. The compactor pins expanded
// tickets to this policy so decoded tickets never re-run duration math.
type FixedInstant struct {
	ExpiresAt time.Time
}

func (p FixedInstant) IsExpired(t ticket.Ticket, now time.Time) bool {
	if dead(t) {
		return true
	}
	return !now.Before(p.ExpiresAt)
}

// MultiUseOrIdle expires after a fixed number of uses or an idle window,
// whichever comes first. Service tickets use it with MaxUses=1.
type MultiUseOrIdle struct {
	MaxUses     int64
	IdleTimeout time.Duration
}

// NewMultiUseOrIdle validates the parameters at construction; the engine
// never evaluates an invalid policy.
func NewMultiUseOrIdle(maxUses int64, idle time.Duration) (MultiUseOrIdle, error) {
	if maxUses <= 0 {
		return MultiUseOrIdle{}, fmt.Errorf("max uses must be positive, got %d", maxUses)
	}
	if idle <= 0 {
		return MultiUseOrIdle{}, fmt.Errorf("idle timeout must be positive, got %s", idle)
	}
	return MultiUseOrIdle{MaxUses: maxUses, IdleTimeout: idle}, nil
}

func (p MultiUseOrIdle) IsExpired(t ticket.Ticket, now time.Time) bool {
	if dead(t) {
		return true
	}
	s := t.State()
	if s.UseCount >= p.MaxUses {
		return true
	}
	return now.Sub(s.LastUsed) >= p.IdleTimeout
}

// Throttled combines a hard lifetime with an anti-replay gap: a ticket used
// again within MinGapBetweenUses of its last use is treated as expired.
// The gap check intentionally rejects legitimate fast double-submits; that is
// the throttle working, not a defect.
type Throttled struct {
	HardTimeout       time.Duration
	MinGapBetweenUses time.Duration
}

func (p Throttled) IsExpired(t ticket.Ticket, now time.Time) bool {
	if dead(t) {
		return true
	}
	s := t.State()
	if s.UseCount == 0 {
		return now.Sub(s.Created) >= p.HardTimeout
	}
	// Hard timeout first, then the throttle window: either alone expires.
	if now.Sub(s.LastUsed) >= p.HardTimeout {
		return true
	}
	if now.Sub(s.LastUsed) <= p.MinGapBetweenUses {
		return true
	}
	return false
}

// Granting is the dual-window session policy: a hard ceiling on total
// lifetime and a sliding idle window, ceiling checked first.
type Granting struct {
	MaxTimeToLive time.Duration
	TimeToKill    time.Duration
}

// NewGranting rejects a ceiling below the idle window.
func NewGranting(maxTimeToLive, timeToKill time.Duration) (Granting, error) {
	if maxTimeToLive <= 0 || timeToKill <= 0 {
		return Granting{}, errors.New("granting ticket windows must be positive")
	}
	if maxTimeToLive < timeToKill {
		return Granting{}, fmt.Errorf("max time to live %s is below time to kill %s", maxTimeToLive, timeToKill)
	}
	return Granting{MaxTimeToLive: maxTimeToLive, TimeToKill: timeToKill}, nil
}

func (p Granting) IsExpired(t ticket.Ticket, now time.Time) bool {
	if dead(t) {
		return true
	}
	s := t.State()
	if now.Sub(s.Created) >= p.MaxTimeToLive {
		return true
	}
	return now.Sub(s.LastUsed) >= p.TimeToKill
}
