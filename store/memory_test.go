package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ticketd/ticket"
	"ticketd/ticket/expiration"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGranting(created time.Time) *ticket.GrantingTicket {
	return &ticket.GrantingTicket{
		TicketState: ticket.NewState(ticket.KindGranting, created),
		Policy:      expiration.Granting{MaxTimeToLive: 8 * time.Hour, TimeToKill: 2 * time.Hour},
		Authn:       ticket.Authentication{PrincipalID: "alice", Handlers: []string{"ldap"}},
	}
}

func TestMemoryPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testLogger())
	tgt := newGranting(epoch)

	if err := m.Put(ctx, tgt); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get(ctx, tgt.TicketState.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	out, ok := got.(*ticket.GrantingTicket)
	if !ok {
		t.Fatalf("Get returned %T", got)
	}
	if out.Authn.PrincipalID != "alice" {
		t.Fatalf("principal lost: %q", out.Authn.PrincipalID)
	}
	if _, ok := out.Policy.(expiration.Granting); !ok {
		t.Fatalf("policy did not survive the round trip: %T", out.Policy)
	}

	if _, err := m.Get(ctx, "TGT-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing Get = %v, want ErrNotFound", err)
	}
}

func TestMemoryGetReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testLogger())
	tgt := newGranting(epoch)
	if err := m.Put(ctx, tgt); err != nil {
		t.Fatalf("Put: %v", err)
	}

	a, _ := m.Get(ctx, tgt.TicketState.ID)
	a.State().MarkExpired()

	b, _ := m.Get(ctx, tgt.TicketState.ID)
	if b.State().Expired {
		t.Fatalf("mutating one copy leaked into the store")
	}
}

func TestMemoryUpdatePersistsMutation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testLogger())
	tgt := newGranting(epoch)
	if err := m.Put(ctx, tgt); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err := m.Update(ctx, tgt.TicketState.ID, func(t ticket.Ticket) error {
		return t.State().RecordUse(epoch.Add(time.Minute))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := m.Get(ctx, tgt.TicketState.ID)
	if got.State().UseCount != 1 {
		t.Fatalf("UseCount = %d, want 1", got.State().UseCount)
	}

	// A failing mutation leaves the stored ticket untouched.
	wantErr := errors.New("nope")
	if _, err := m.Update(ctx, tgt.TicketState.ID, func(t ticket.Ticket) error {
		t.State().MarkExpired()
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("Update = %v, want injected error", err)
	}
	got, _ = m.Get(ctx, tgt.TicketState.ID)
	if got.State().Expired {
		t.Fatalf("failed Update still persisted its mutation")
	}
}

func TestMemoryDeleteCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testLogger())
	tgt := newGranting(epoch)
	if err := m.Put(ctx, tgt); err != nil {
		t.Fatalf("Put tgt: %v", err)
	}
	st := &ticket.ServiceTicket{
		TicketState: ticket.NewState(ticket.KindService, epoch),
		Policy:      expiration.Hard{HardTimeout: time.Minute},
		Service:     "https://app.example.org",
		GrantingID:  tgt.TicketState.ID,
	}
	rt := &ticket.RefreshToken{
		TicketState: ticket.NewState(ticket.KindRefreshToken, epoch),
		Policy:      expiration.NewRefreshToken(24 * time.Hour),
		ClientID:    "webapp",
		GrantingID:  tgt.TicketState.ID,
	}
	standalone := &ticket.RefreshToken{
		TicketState: ticket.NewState(ticket.KindRefreshToken, epoch),
		Policy:      expiration.NewStandaloneRefreshToken(24 * time.Hour),
		ClientID:    "webapp",
	}
	for _, tk := range []ticket.Ticket{st, rt, standalone} {
		if err := m.Put(ctx, tk); err != nil {
			t.Fatalf("Put child: %v", err)
		}
	}

	if err := m.Delete(ctx, tgt.TicketState.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, id := range []string{tgt.TicketState.ID, st.TicketState.ID, rt.TicketState.ID} {
		if _, err := m.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cascade missed %s: %v", id, err)
		}
	}
	if _, err := m.Get(ctx, standalone.TicketState.ID); err != nil {
		t.Fatalf("standalone token should survive the cascade: %v", err)
	}
}

func TestMemoryRehydratesGrantingReference(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testLogger())
	tgt := newGranting(epoch)
	if err := m.Put(ctx, tgt); err != nil {
		t.Fatalf("Put tgt: %v", err)
	}
	rt := &ticket.RefreshToken{
		TicketState: ticket.NewState(ticket.KindRefreshToken, epoch),
		Policy:      expiration.NewRefreshToken(24 * time.Hour),
		ClientID:    "webapp",
		GrantingID:  tgt.TicketState.ID,
	}
	if err := m.Put(ctx, rt); err != nil {
		t.Fatalf("Put rt: %v", err)
	}

	got, err := m.Get(ctx, rt.TicketState.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	out := got.(*ticket.RefreshToken)
	if out.Granting == nil {
		t.Fatalf("granting reference was not rehydrated")
	}
	if ticket.Expired(out, epoch.Add(time.Minute)) {
		t.Fatalf("rehydrated token should be live while its session is")
	}

	// Without the parent the dependent policy fails closed.
	if err := m.Delete(ctx, tgt.TicketState.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, rt.TicketState.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("dependent token should be gone with its session: %v", err)
	}
}

func TestMemoryCleanupReapsExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testLogger())

	live := newGranting(time.Now())
	stale := &ticket.ServiceTicket{
		TicketState: ticket.NewState(ticket.KindService, time.Now().Add(-time.Hour)),
		Policy:      expiration.Hard{HardTimeout: time.Minute},
	}
	for _, tk := range []ticket.Ticket{live, stale} {
		if err := m.Put(ctx, tk); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	n, err := m.Cleanup(ctx, time.Now())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d tickets, want 1", n)
	}
	if _, err := m.Get(ctx, stale.TicketState.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale ticket survived cleanup")
	}
	if _, err := m.Get(ctx, live.TicketState.ID); err != nil {
		t.Fatalf("live ticket reaped: %v", err)
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testLogger())
	tgt := newGranting(time.Now())
	if err := m.Put(ctx, tgt); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Update(ctx, tgt.TicketState.ID, func(t ticket.Ticket) error {
				return t.State().RecordUse(time.Now())
			})
		}()
	}
	wg.Wait()

	got, err := m.Get(ctx, tgt.TicketState.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State().UseCount != 32 {
		t.Fatalf("UseCount = %d, want 32", got.State().UseCount)
	}
}
