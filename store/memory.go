package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ticketd/ticket"
)

// Memory keeps tickets in mutex-guarded maps. Tickets are persisted through
// the shared envelope codec so callers always work on their own copy; the
// mutex serializes Update per process, which is sufficient for a single-node
// deployment.
type Memory struct {
	mu       sync.RWMutex
	tickets  map[string][]byte
	children map[string][]string
	logger   *slog.Logger
}

// NewMemory constructs an empty in-memory store.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		tickets:  make(map[string][]byte),
		children: make(map[string][]string),
		logger:   logger,
	}
}

func (m *Memory) Get(ctx context.Context, id string) (ticket.Ticket, error) {
	m.mu.RLock()
	data, ok := m.tickets[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	t, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m.rehydrate(ctx, t)
	return t, nil
}

// rehydrate restores the in-memory granting reference a dependent refresh
// token needs for expiration evaluation.
func (m *Memory) rehydrate(ctx context.Context, t ticket.Ticket) {
	rt, ok := t.(*ticket.RefreshToken)
	if !ok || rt.GrantingID == "" {
		return
	}
	parent, err := m.Get(ctx, rt.GrantingID)
	if err != nil {
		return
	}
	if tgt, ok := parent.(*ticket.GrantingTicket); ok {
		rt.Granting = tgt
	}
}

func (m *Memory) Put(ctx context.Context, t ticket.Ticket) error {
	data, err := Marshal(t)
	if err != nil {
		return err
	}
	id := t.State().ID
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.tickets[id]
	m.tickets[id] = data
	if parent := t.ParentID(); parent != "" && !existed {
		m.children[parent] = append(m.children[parent], id)
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, id string, fn func(ticket.Ticket) error) (ticket.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	t, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	updated, err := Marshal(t)
	if err != nil {
		return nil, err
	}
	m.tickets[id] = updated
	return t, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCascade(id)
	return nil
}

func (m *Memory) deleteCascade(id string) {
	delete(m.tickets, id)
	for _, child := range m.children[id] {
		m.deleteCascade(child)
	}
	delete(m.children, id)
}

func (m *Memory) Cleanup(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tickets))
	for id := range m.tickets {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	reaped := 0
	for _, id := range ids {
		t, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		if ticket.Expired(t, now) {
			if err := m.Delete(ctx, id); err == nil {
				reaped++
			}
		}
	}
	if reaped > 0 && m.logger != nil {
		m.logger.Debug("reaped expired tickets", "count", reaped)
	}
	return reaped, nil
}

func (m *Memory) Close() error { return nil }
