package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"ticketd/ticket"
)

const (
	keyPrefix      = "ticket:"
	childrenPrefix = "ticket:children:"

	// updateRetries bounds optimistic Update attempts before giving up.
	updateRetries = 8
)

// ErrUpdateContention is returned when an Update could not be applied after
// repeated optimistic retries.
var ErrUpdateContention = errors.New("store: update contention")

// Redis persists tickets in a redis instance. Each ticket lives under
// "ticket:<id>"; the parent to child index lives in a set under
// "ticket:children:<id>". Update uses WATCH so concurrent read-modify-write
// cycles on the same ticket never lose increments.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis constructs a store backed by the given client.
func NewRedis(rdb *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{rdb: rdb, logger: logger}
}

func (r *Redis) Get(ctx context.Context, id string) (ticket.Ticket, error) {
	data, err := r.rdb.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	r.rehydrate(ctx, t)
	return t, nil
}

func (r *Redis) rehydrate(ctx context.Context, t ticket.Ticket) {
	rt, ok := t.(*ticket.RefreshToken)
	if !ok || rt.GrantingID == "" {
		return
	}
	parent, err := r.Get(ctx, rt.GrantingID)
	if err != nil {
		return
	}
	if tgt, ok := parent.(*ticket.GrantingTicket); ok {
		rt.Granting = tgt
	}
}

func (r *Redis) Put(ctx context.Context, t ticket.Ticket) error {
	data, err := Marshal(t)
	if err != nil {
		return err
	}
	id := t.State().ID
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, keyPrefix+id, data, 0)
	if parent := t.ParentID(); parent != "" {
		pipe.SAdd(ctx, childrenPrefix+parent, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Update(ctx context.Context, id string, fn func(ticket.Ticket) error) (ticket.Ticket, error) {
	key := keyPrefix + id
	var out ticket.Ticket
	for i := 0; i < updateRetries; i++ {
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			t, err := Unmarshal(data)
			if err != nil {
				return err
			}
			if err := fn(t); err != nil {
				return err
			}
			updated, err := Marshal(t)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			if err == nil {
				out = t
			}
			return err
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.rehydrate(ctx, out)
		return out, nil
	}
	return nil, ErrUpdateContention
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.deleteCascade(ctx, id)
}

func (r *Redis) deleteCascade(ctx context.Context, id string) error {
	children, err := r.rdb.SMembers(ctx, childrenPrefix+id).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, child := range children {
		if err := r.deleteCascade(ctx, child); err != nil {
			return err
		}
	}
	return r.rdb.Del(ctx, keyPrefix+id, childrenPrefix+id).Err()
}

func (r *Redis) Cleanup(ctx context.Context, now time.Time) (int, error) {
	reaped := 0
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > len(childrenPrefix) && key[:len(childrenPrefix)] == childrenPrefix {
			continue
		}
		id := key[len(keyPrefix):]
		t, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if ticket.Expired(t, now) {
			if err := r.Delete(ctx, id); err == nil {
				reaped++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return reaped, err
	}
	if reaped > 0 && r.logger != nil {
		r.logger.Debug("reaped expired tickets", "count", reaped)
	}
	return reaped, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
