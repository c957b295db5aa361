package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Expirer persists the expired status of overdue requests.
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// Locker elects one sweeper across replicas. TryLock reports false without
// error when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type Sweeper struct {
	Expirer  Expirer
	Locker   Locker
	Interval time.Duration
	Batch    int
	Logger   *zap.Logger
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return nil
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Info("expiry sweep started", zap.Duration("interval", s.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				log.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("expiry sweep", zap.Int("expired", n))
			}
		}
	}
}

// SweepOnce drains overdue requests in batches while holding the lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.Locker != nil {
		release, ok, err := s.Locker.TryLock(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer release()
	}
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	total := 0
	for {
		n, err := s.Expirer.ExpireOverdue(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}
		// Short batch: drained, or the rest could not be expired this round.
		if n < batch {
			return total, nil
		}
	}
}

// PGLocker holds a session-level advisory lock on a dedicated pool
// connection for the duration of a sweep.
type PGLocker struct {
	Pool *pgxpool.Pool
	Key  int64
}

const DefaultSweepLockKey int64 = 0x63737770

func (l *PGLocker) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.Key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", l.Key)
		conn.Release()
	}
	return release, true, nil
}
