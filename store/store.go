// Package store provides the keyed ticket store backing the credential
// engine, with in-memory and redis implementations. Stores guarantee per-key
// atomicity for read-modify-write mutations; two concurrent successful
// recordUse calls on the same ticket never lose an increment.
package store

import (
	"context"
	"errors"
	"time"

	"ticketd/ticket"
)

// ErrNotFound is returned when a ticket id has no record.
var ErrNotFound = errors.New("ticket not found")

// TicketStore is the keyed get/put/delete contract the flows build on.
type TicketStore interface {
	// Get returns the ticket for id, or ErrNotFound. Refresh tokens come
	// back with their granting ticket reference rehydrated when the parent
	// still exists.
	Get(ctx context.Context, id string) (ticket.Ticket, error)

	// Put stores or replaces a ticket and records it under its parent in
	// the children index.
	Put(ctx context.Context, t ticket.Ticket) error

	// Update applies fn to the current ticket under per-key serialization
	// and persists the result. fn returning an error aborts the write.
	Update(ctx context.Context, id string, fn func(ticket.Ticket) error) (ticket.Ticket, error)

	// Delete removes the ticket and cascades through its descendants.
	Delete(ctx context.Context, id string) error

	// Cleanup deletes every ticket whose policy reports it expired at now
	// and returns the number reaped.
	Cleanup(ctx context.Context, now time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
