package ticket

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a ticket family and doubles as its id prefix.
type Kind string

const (
	KindGranting       Kind = "TGT"
	KindService        Kind = "ST"
	KindOAuthCode      Kind = "OC"
	KindAccessToken    Kind = "AT"
	KindRefreshToken   Kind = "RT"
	KindDeviceToken    Kind = "DT"
	KindDeviceUserCode Kind = "DU"
	KindCiba           Kind = "CIBA"
)

// ErrExpired is returned when a use is recorded against a dead ticket.
var ErrExpired = errors.New("ticket is expired")

// NewID generates a ticket identifier of the form <prefix>-<random>.
func NewID(kind Kind) string {
	return string(kind) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// State holds the mutable usage facts shared by every ticket kind.
// Mutations go through RecordUse and MarkExpired only; the backing store is
// responsible for serializing concurrent writers per ticket key.
type State struct {
	ID       string
	TenantID string
	Created  time.Time
	LastUsed time.Time
	PrevUsed time.Time
	UseCount int64
	Expired  bool
}

// NewState initializes usage state at the given creation instant.
func NewState(kind Kind, now time.Time) State {
	return State{
		ID:       NewID(kind),
		Created:  now,
		LastUsed: now,
	}
}

// RecordUse registers one validated use. It fails on a ticket that was
// already marked expired; expiry is terminal.
func (s *State) RecordUse(now time.Time) error {
	if s.Expired {
		return ErrExpired
	}
	s.UseCount++
	s.PrevUsed = s.LastUsed
	s.LastUsed = now
	return nil
}

// MarkExpired flips the terminal flag. Idempotent.
func (s *State) MarkExpired() {
	s.Expired = true
}

// Authentication captures the result of the ceremony that produced a ticket:
// who authenticated and which handlers vouched for them.
type Authentication struct {
	PrincipalID     string
	Handlers        []string
	CredentialTypes []string
	RememberMe      bool
	Attributes      map[string][]string
}

// ExpirationPolicy decides liveness from a ticket's observable state.
// Implementations are pure: no I/O, no mutation, deterministic for a fixed
// (ticket snapshot, now) pair.
type ExpirationPolicy interface {
	IsExpired(t Ticket, now time.Time) bool
}

// Ticket is the closed set of issued credential records. Every ticket owns
// exactly one expiration policy. ParentID names the granting ticket whose
// deletion cascades to this one; empty means standalone.
type Ticket interface {
	State() *State
	Kind() Kind
	ExpirationPolicy() ExpirationPolicy
	ParentID() string
}

// Authenticated is implemented by ticket kinds that carry an authentication
// result. Policies that depend on authentication attributes (remember-me)
// discover it through this interface.
type Authenticated interface {
	Authentication() Authentication
}

// Expired evaluates a ticket's liveness. Absent tickets, states, and policies
// are all treated as expired: validation fails closed.
func Expired(t Ticket, now time.Time) bool {
	if t == nil {
		return true
	}
	s := t.State()
	if s == nil || s.Expired {
		return true
	}
	p := t.ExpirationPolicy()
	if p == nil {
		return true
	}
	return p.IsExpired(t, now)
}
