package ciba

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"ticketd/store"
	"ticketd/ticket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFlow(t *testing.T) (*Flow, *store.Memory) {
	t.Helper()
	m := store.NewMemory(testLogger())
	f := &Flow{Store: m, Logger: testLogger(), RequestTTL: 2 * time.Minute}
	return f, m
}

func pollClient() Client {
	return Client{ID: "bank-app", SupportsCiba: true, DeliveryMode: ModePoll}
}

func validRequest() Request {
	return Request{Scopes: []string{"openid", "payments"}, LoginHint: "alice"}
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name    string
		client  Client
		mutate  func(*Request)
		wantErr string
	}{
		{"valid poll", pollClient(), nil, ""},
		{
			"ciba not granted",
			Client{ID: "bank-app", DeliveryMode: ModePoll},
			nil,
			"does not allow",
		},
		{
			"no hint",
			pollClient(),
			func(r *Request) { r.LoginHint = "" },
			"exactly one",
		},
		{
			"two hints",
			pollClient(),
			func(r *Request) { r.IDTokenHint = "eyJ..." },
			"exactly one",
		},
		{
			"missing openid scope",
			pollClient(),
			func(r *Request) { r.Scopes = []string{"payments"} },
			"openid scope",
		},
		{
			"user code unsupported",
			pollClient(),
			func(r *Request) { r.UserCode = "1234" },
			"user codes",
		},
		{
			"ping without notification token",
			Client{ID: "bank-app", SupportsCiba: true, DeliveryMode: ModePing, NotificationEndpoint: "https://bank.example.org/cb"},
			nil,
			"client_notification_token",
		},
		{
			"push with http endpoint",
			Client{ID: "bank-app", SupportsCiba: true, DeliveryMode: ModePush, NotificationEndpoint: "http://bank.example.org/cb"},
			func(r *Request) { r.ClientNotificationToken = "tok" },
			"must be https",
		},
		{
			"no delivery mode",
			Client{ID: "bank-app", SupportsCiba: true},
			nil,
			"delivery mode",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			if tc.mutate != nil {
				tc.mutate(&req)
			}
			err := ValidateRequest(tc.client, req)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateRequest: %v", err)
				}
				return
			}
			if err == nil || !errors.Is(err, ErrInvalidBackchannelRequest) {
				t.Fatalf("ValidateRequest = %v, want ErrInvalidBackchannelRequest", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestRecordAndLookup(t *testing.T) {
	f, _ := newTestFlow(t)
	ctx := context.Background()

	req, encoded, err := f.Record(ctx, pollClient(), validRequest())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if req.Ready {
		t.Fatalf("fresh request already ready")
	}
	if encoded == req.TicketState.ID {
		t.Fatalf("auth_req_id must not be the raw ticket id")
	}

	got, err := f.Lookup(ctx, encoded)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.TicketState.ID != req.TicketState.ID {
		t.Fatalf("Lookup resolved %q, want %q", got.TicketState.ID, req.TicketState.ID)
	}
}

func TestRecordPersistsNotificationToken(t *testing.T) {
	f, m := newTestFlow(t)
	ctx := context.Background()
	client := Client{ID: "bank-app", SupportsCiba: true, DeliveryMode: ModePing, NotificationEndpoint: "https://bank.example.org/cb"}
	r := validRequest()
	r.ClientNotificationToken = "8d67dc78"

	req, _, err := f.Record(ctx, client, r)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	stored, err := m.Get(ctx, req.TicketState.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := stored.(*ticket.CibaRequest).NotificationToken; got != "8d67dc78" {
		t.Fatalf("NotificationToken = %q, want %q", got, "8d67dc78")
	}
}

func TestRequestedExpiryOnlyShortens(t *testing.T) {
	f, _ := newTestFlow(t)
	ctx := context.Background()

	r := validRequest()
	r.RequestedExpiry = 10 * time.Second
	req, _, err := f.Record(ctx, pollClient(), r)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !ticket.Expired(req, req.TicketState.Created.Add(11*time.Second)) {
		t.Fatalf("requested expiry was not applied")
	}

	r.RequestedExpiry = time.Hour
	req, _, err = f.Record(ctx, pollClient(), r)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !ticket.Expired(req, req.TicketState.Created.Add(3*time.Minute)) {
		t.Fatalf("requested expiry extended the configured ttl")
	}
}

func TestDecodeRequestIDRejectsRawIDs(t *testing.T) {
	id := ticket.NewID(ticket.KindCiba)
	encoded := EncodeRequestID(id)
	decoded, err := DecodeRequestID(encoded)
	if err != nil {
		t.Fatalf("DecodeRequestID: %v", err)
	}
	if decoded != id {
		t.Fatalf("round trip = %q, want %q", decoded, id)
	}

	if _, err := DecodeRequestID(id); !errors.Is(err, ErrInvalidBackchannelRequest) {
		t.Fatalf("raw ticket id accepted: %v", err)
	}
	if _, err := DecodeRequestID("!!!"); !errors.Is(err, ErrInvalidBackchannelRequest) {
		t.Fatalf("garbage accepted: %v", err)
	}
	if _, err := DecodeRequestID(EncodeRequestID("TGT-notaciba")); !errors.Is(err, ErrInvalidBackchannelRequest) {
		t.Fatalf("foreign ticket id accepted: %v", err)
	}
}

func TestLookupExpired(t *testing.T) {
	f, _ := newTestFlow(t)
	ctx := context.Background()
	_, encoded, err := f.Record(ctx, pollClient(), validRequest())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	f.Now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := f.Lookup(ctx, encoded); !errors.Is(err, ticket.ErrExpired) {
		t.Fatalf("Lookup expired = %v, want ErrExpired", err)
	}
}

func TestMarkReady(t *testing.T) {
	f, m := newTestFlow(t)
	ctx := context.Background()
	req, _, err := f.Record(ctx, pollClient(), validRequest())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	authn := ticket.Authentication{PrincipalID: "alice", Handlers: []string{"backchannel-verify"}}
	got, err := f.MarkReady(ctx, req.TicketState.ID, authn)
	if err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if !got.Ready || got.Authn.PrincipalID != "alice" {
		t.Fatalf("MarkReady result: ready=%v authn=%+v", got.Ready, got.Authn)
	}

	stored, _ := m.Get(ctx, req.TicketState.ID)
	if !stored.(*ticket.CibaRequest).Ready {
		t.Fatalf("readiness was not persisted")
	}

	if _, err := f.MarkReady(ctx, "CIBA-missing", authn); !errors.Is(err, ErrInvalidBackchannelRequest) {
		t.Fatalf("MarkReady unknown id = %v", err)
	}

	f.Now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := f.MarkReady(ctx, req.TicketState.ID, authn); !errors.Is(err, ticket.ErrExpired) {
		t.Fatalf("MarkReady expired = %v, want ErrExpired", err)
	}
}
