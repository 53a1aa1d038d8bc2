package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"ticketd/ticket"
	"ticketd/ticket/expiration"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, testLogger())
}

func TestRedisPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)
	tgt := newGranting(epoch)

	if err := r.Put(ctx, tgt); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := r.Get(ctx, tgt.TicketState.ID)
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

	if _, err := r.Get(ctx, "TGT-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing Get = %v, want ErrNotFound", err)
	}
}

func TestRedisUpdate(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)
	tgt := newGranting(epoch)
	if err := r.Put(ctx, tgt); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := r.Update(ctx, tgt.TicketState.ID, func(t ticket.Ticket) error {
		return t.State().RecordUse(epoch.Add(time.Minute))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.State().UseCount != 1 {
		t.Fatalf("returned ticket UseCount = %d, want 1", got.State().UseCount)
	}

	stored, _ := r.Get(ctx, tgt.TicketState.ID)
	if stored.State().UseCount != 1 {
		t.Fatalf("stored UseCount = %d, want 1", stored.State().UseCount)
	}

	if _, err := r.Update(ctx, "TGT-missing", func(ticket.Ticket) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update on missing id = %v, want ErrNotFound", err)
	}
}

func TestRedisDeleteCascades(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)
	tgt := newGranting(epoch)
	if err := r.Put(ctx, tgt); err != nil {
		t.Fatalf("Put tgt: %v", err)
	}
	st := &ticket.ServiceTicket{
		TicketState: ticket.NewState(ticket.KindService, epoch),
		Policy:      expiration.Hard{HardTimeout: time.Minute},
		Service:     "https://app.example.org",
		GrantingID:  tgt.TicketState.ID,
	}
	if err := r.Put(ctx, st); err != nil {
		t.Fatalf("Put st: %v", err)
	}

	if err := r.Delete(ctx, tgt.TicketState.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, id := range []string{tgt.TicketState.ID, st.TicketState.ID} {
		if _, err := r.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cascade missed %s: %v", id, err)
		}
	}
}

func TestRedisRehydratesGrantingReference(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)
	tgt := newGranting(epoch)
	if err := r.Put(ctx, tgt); err != nil {
		t.Fatalf("Put tgt: %v", err)
	}
	rt := &ticket.RefreshToken{
		TicketState: ticket.NewState(ticket.KindRefreshToken, epoch),
		Policy:      expiration.NewRefreshToken(24 * time.Hour),
		ClientID:    "webapp",
		GrantingID:  tgt.TicketState.ID,
	}
	if err := r.Put(ctx, rt); err != nil {
		t.Fatalf("Put rt: %v", err)
	}

	got, err := r.Get(ctx, rt.TicketState.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.(*ticket.RefreshToken).Granting == nil {
		t.Fatalf("granting reference was not rehydrated")
	}
}

func TestRedisCleanup(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)

	live := newGranting(time.Now())
	stale := &ticket.ServiceTicket{
		TicketState: ticket.NewState(ticket.KindService, time.Now().Add(-time.Hour)),
		Policy:      expiration.Hard{HardTimeout: time.Minute},
	}
	for _, tk := range []ticket.Ticket{live, stale} {
		if err := r.Put(ctx, tk); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	n, err := r.Cleanup(ctx, time.Now())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d tickets, want 1", n)
	}
	if _, err := r.Get(ctx, live.TicketState.ID); err != nil {
		t.Fatalf("live ticket reaped: %v", err)
	}
}
