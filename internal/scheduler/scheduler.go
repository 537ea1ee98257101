// Package scheduler scans for due recurring templates and materializes one
// invoice per template per run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurbill/internal/clock"
	"github.com/smallbiznis/recurbill/internal/config"
	"github.com/smallbiznis/recurbill/internal/lock"
	obsmetrics "github.com/smallbiznis/recurbill/internal/observability/metrics"
	"github.com/smallbiznis/recurbill/internal/observability/tracing"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobGenerateDue = "generate_due"

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrRunInProgress = errors.New("run_in_progress")
)

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    *config.RecurringConfigHolder
	Recurring domain.Service
	Locker    *lock.Locker `optional:"true"`
}

type Scanner struct {
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       *config.RecurringConfigHolder
	recurring domain.Service
	locker    RunLocker
}

func New(p Params) (*Scanner, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Recurring == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config
	if cfg == nil {
		cfg = config.NewStaticRecurringConfigHolder(config.DefaultRecurringConfig())
	}
	s := &Scanner{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       cfg,
		recurring: p.Recurring,
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

// Run materializes every template due on or before asOf. ownerID of zero
// scans all owners. Per-template failures are collected in the result; the
// returned error is reserved for failures that stop the scan itself.
func (s *Scanner) Run(ctx context.Context, asOf time.Time, ownerID snowflake.ID) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.cfg.Get()
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	asOf = recurrence.Truncate(asOf)

	ctx, _ = correlation.EnsureCorrelationID(ctx)
	ctx, span := tracing.Tracer("scheduler").Start(ctx, "scheduler.generate_due")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("as_of", asOf.Format(time.DateOnly)),
		attribute.String("owner_id", idString(ownerID)),
	)...)

	result := newRunResult(asOf, ownerID)

	release, err := s.acquireRunLock(ctx, ownerID, cfg.RunLockTTL)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	defer release()

	err = s.runJob(ctx, jobGenerateDue, cfg.ScanBatchSize, cfg.RunTimeout, func(ctx context.Context) error {
		if run := jobRunFromContext(ctx); run != nil {
			result.RunID = run.runID
		}
		return s.scan(ctx, asOf, ownerID, cfg.ScanBatchSize, &result)
	})

	span.SetAttributes(
		attribute.Int("generated", len(result.Generated)),
		attribute.Int("failures", len(result.Failures)),
		attribute.Int("skipped", result.Skipped),
		attribute.Int("deactivated", result.Deactivated),
	)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

func (s *Scanner) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft stop: the next run picks up what is left
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}
