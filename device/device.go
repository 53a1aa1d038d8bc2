// Package device implements the device authorization grant: a long random
// device code the client polls with, paired with a short code a person types
// in on a second screen.
package device

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticketd/store"
	"ticketd/ticket"
	"ticketd/ticket/expiration"
)

var (
	// ErrPendingApproval means the user has not approved the code yet; the
	// token endpoint maps it to authorization_pending.
	ErrPendingApproval = errors.New("device: user code pending approval")
	// ErrExpired means one half of the pair is dead.
	ErrExpired = errors.New("device: code expired")
	// ErrNotFound means the presented code does not resolve to a ticket.
	ErrNotFound = errors.New("device: code not found")
)

// Ambiguous glyphs are excluded so codes survive being read out loud.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

const (
	DefaultUserCodeLength = 8
	DefaultTokenTTL       = 5 * time.Minute
)

// userCodePrefix keys user-code tickets by the human code itself, so approval
// can look the ticket up from what the person typed.
const userCodePrefix = string(ticket.KindDeviceUserCode) + "-"

// Flow issues and resolves device authorization pairs on top of a ticket
// store. TTL and code length come from configuration; per-client overrides
// are resolved by the caller and passed to NewDeviceToken.
type Flow struct {
	Store          store.TicketStore
	Logger         *slog.Logger
	TokenTTL       time.Duration
	UserCodeLength int
	Now            func() time.Time
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Flow) tokenTTL(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if f.TokenTTL > 0 {
		return f.TokenTTL
	}
	return DefaultTokenTTL
}

// NewDeviceToken creates the machine half of a pair. A positive ttl overrides
// the flow-wide default for this client.
func (f *Flow) NewDeviceToken(ctx context.Context, clientID, service string, scopes []string, ttl time.Duration) (*ticket.DeviceToken, error) {
	dt := &ticket.DeviceToken{
		TicketState: ticket.NewState(ticket.KindDeviceToken, f.now()),
		Policy:      expiration.Hard{HardTimeout: f.tokenTTL(ttl)},
		Service:     service,
		ClientID:    clientID,
		Scopes:      scopes,
	}
	if err := f.Store.Put(ctx, dt); err != nil {
		return nil, err
	}
	return dt, nil
}

// NewUserCode creates the human half, linked both ways to the device token.
// The generated code doubles as the ticket id so approval can resolve it from
// user input alone.
func (f *Flow) NewUserCode(ctx context.Context, dt *ticket.DeviceToken) (*ticket.DeviceUserCode, error) {
	code, err := f.generateUserCode(ctx)
	if err != nil {
		return nil, err
	}
	state := ticket.NewState(ticket.KindDeviceUserCode, f.now())
	state.ID = code
	uc := &ticket.DeviceUserCode{
		TicketState:   state,
		Policy:        dt.Policy,
		DeviceTokenID: dt.TicketState.ID,
	}
	if err := f.Store.Put(ctx, uc); err != nil {
		return nil, err
	}
	_, err = f.Store.Update(ctx, dt.TicketState.ID, func(t ticket.Ticket) error {
		stored, ok := t.(*ticket.DeviceToken)
		if !ok {
			return fmt.Errorf("device: %s is not a device token", dt.TicketState.ID)
		}
		stored.UserCode = uc.TicketState.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	dt.UserCode = uc.TicketState.ID
	return uc, nil
}

func (f *Flow) generateUserCode(ctx context.Context) (string, error) {
	length := f.UserCodeLength
	if length <= 0 {
		length = DefaultUserCodeLength
	}
	for attempt := 0; attempt < 16; attempt++ {
		raw := make([]byte, length)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteString(userCodePrefix)
		for _, c := range raw {
			b.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
		}
		code := b.String()
		if _, err := f.Store.Get(ctx, code); errors.Is(err, store.ErrNotFound) {
			return code, nil
		}
	}
	return "", errors.New("device: could not generate a unique user code")
}

// NormalizeUserCode maps user input onto the stored ticket id: upper-cased,
// with at most one kind prefix.
func NormalizeUserCode(input string) string {
	code := strings.ToUpper(strings.TrimSpace(input))
	code = strings.TrimPrefix(code, userCodePrefix)
	return userCodePrefix + code
}

// Approve records the user's consent on a user-code ticket. Approving twice
// is a no-op; approving an expired code fails with ErrExpired and leaves the
// ticket untouched.
func (f *Flow) Approve(ctx context.Context, userCode string, authn ticket.Authentication) error {
	id := NormalizeUserCode(userCode)
	_, err := f.Store.Update(ctx, id, func(t ticket.Ticket) error {
		uc, ok := t.(*ticket.DeviceUserCode)
		if !ok {
			return ErrNotFound
		}
		if uc.Approved {
			return nil
		}
		if ticket.Expired(uc, f.now()) {
			return ErrExpired
		}
		uc.Approved = true
		uc.Authn = authn
		return uc.TicketState.RecordUse(f.now())
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Validate resolves a device code to its approved pair. It returns
// ErrPendingApproval until the user code has been approved and ErrExpired
// once either half is dead.
func (f *Flow) Validate(ctx context.Context, deviceCode string) (*ticket.DeviceToken, *ticket.DeviceUserCode, error) {
	t, err := f.Store.Get(ctx, deviceCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	dt, ok := t.(*ticket.DeviceToken)
	if !ok {
		return nil, nil, ErrNotFound
	}
	now := f.now()
	if ticket.Expired(dt, now) {
		return nil, nil, ErrExpired
	}
	if dt.UserCode == "" {
		return nil, nil, ErrPendingApproval
	}
	ut, err := f.Store.Get(ctx, dt.UserCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrExpired
	}
	if err != nil {
		return nil, nil, err
	}
	uc, ok := ut.(*ticket.DeviceUserCode)
	if !ok {
		return nil, nil, ErrNotFound
	}
	if ticket.Expired(uc, now) {
		return nil, nil, ErrExpired
	}
	if !uc.Approved {
		return nil, nil, ErrPendingApproval
	}
	return dt, uc, nil
}

// Consume removes both halves after successful token issuance.
func (f *Flow) Consume(ctx context.Context, dt *ticket.DeviceToken) error {
	if dt.UserCode != "" {
		if err := f.Store.Delete(ctx, dt.UserCode); err != nil {
			return err
		}
	}
	return f.Store.Delete(ctx, dt.TicketState.ID)
}
