// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

// Package cleanup sweeps expired rows out of storage on a fixed interval.
package cleanup

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/xtr-dev/rondevu-server/rendezvous"
)

var (
	mon = monkit.Package()

	// Error is the cleanup error class.
	Error = errs.Class("cleanup")
)

// Chore periodically deletes expired offers, credentials, nonces and rate
// limit buckets. Offers cascade their ICE candidates at the storage layer.
type Chore struct {
	log      *zap.Logger
	store    rendezvous.DB
	interval time.Duration
	now      func() int64
}

// NewChore creates a Chore. nowFn supplies epoch milliseconds and defaults
// to the wall clock when nil.
func NewChore(log *zap.Logger, store rendezvous.DB, config rendezvous.Config, nowFn func() int64) *Chore {
	if nowFn == nil {
		nowFn = rendezvous.NowMillis
	}
	return &Chore{
		log:      log,
		store:    store,
		interval: time.Duration(config.CleanupInterval) * time.Millisecond,
		now:      nowFn,
	}
}

// Run sweeps until ctx is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ticker := time.NewTicker(chore.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := chore.Sweep(ctx); err != nil {
				chore.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass over every expirable table.
func (chore *Chore) Sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := chore.now()

	offers, err := chore.store.Offers().DeleteExpired(ctx, now)
	if err != nil {
		return Error.Wrap(err)
	}
	credentials, err := chore.store.Credentials().DeleteExpired(ctx, now)
	if err != nil {
		return Error.Wrap(err)
	}
	nonces, err := chore.store.Nonces().DeleteExpired(ctx, now)
	if err != nil {
		return Error.Wrap(err)
	}
	rateLimits, err := chore.store.RateLimits().DeleteExpired(ctx, now)
	if err != nil {
		return Error.Wrap(err)
	}

	if offers+credentials+nonces+rateLimits > 0 {
		chore.log.Debug("swept expired rows",
			zap.Int64("offers", offers),
			zap.Int64("credentials", credentials),
			zap.Int64("nonces", nonces),
			zap.Int64("rate_limits", rateLimits))
	}
	return nil
}
