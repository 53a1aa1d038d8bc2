package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner runs the store's Cleanup on a cron schedule so expired tickets do
// not accumulate between accesses.
type Cleaner struct {
	store   TicketStore
	logger  *slog.Logger
	cron    *cron.Cron
	reaped  func(int)
	timeout time.Duration
}

// NewCleaner builds a cleaner for the given store. The reaped callback, when
// non-nil, receives the number of tickets removed per sweep.
func NewCleaner(store TicketStore, logger *slog.Logger, reaped func(int)) *Cleaner {
	return &Cleaner{
		store:   store,
		logger:  logger,
		cron:    cron.New(),
		reaped:  reaped,
		timeout: 30 * time.Second,
	}
}

// Start registers the sweep under the given cron spec and begins scheduling.
func (c *Cleaner) Start(spec string) error {
	_, err := c.cron.AddFunc(spec, c.sweep)
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

func (c *Cleaner) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	n, err := c.store.Cleanup(ctx, time.Now())
	if err != nil {
		c.logger.Error("ticket cleanup failed", "err", err)
		return
	}
	if c.reaped != nil {
		c.reaped(n)
	}
	if n > 0 {
		c.logger.Info("ticket cleanup", "reaped", n)
	}
}

// Stop halts scheduling and waits for a running sweep to finish.
func (c *Cleaner) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}
