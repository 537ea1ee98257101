package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/recurbill/internal/observability/metrics"
	"go.uber.org/zap"
)

const runLockPrefix = "recurbill:scheduler"

// RunLocker guards a run across processes. TryLock returns ok=false when
// another holder owns key.
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

func runLockKey(job string, ownerID snowflake.ID) string {
	scope := "all"
	if ownerID != 0 {
		scope = ownerID.String()
	}
	return fmt.Sprintf("%s:%s:%s", runLockPrefix, job, scope)
}

// acquireRunLock returns a release func. Without a locker, or when the lock
// backend is unreachable, the run proceeds unlocked; the per-template row
// lock and version guard still prevent duplicate invoices.
func (s *Scanner) acquireRunLock(ctx context.Context, ownerID snowflake.ID, ttl time.Duration) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}

	key := runLockKey(jobGenerateDue, ownerID)
	lockStart := time.Now()
	token, ok, err := s.locker.TryLock(ctx, key, ttl)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceScannerRunLock, time.Since(lockStart))
	if err != nil {
		s.logger(ctx).Warn("scheduler.run_lock.unavailable",
			zap.String("job", jobGenerateDue),
			zap.String("lock_key", key),
			zap.Error(err),
		)
		return noop, nil
	}
	if !ok {
		obsmetrics.Scheduler().IncRunLockContended(jobGenerateDue)
		s.logger(ctx).Info("scheduler.run_lock.contended",
			zap.String("job", jobGenerateDue),
			zap.String("lock_key", key),
		)
		return noop, ErrRunInProgress
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.logger(ctx).Warn("scheduler.run_lock.release_failed",
				zap.String("lock_key", key),
				zap.Error(err),
			)
		}
	}, nil
}
