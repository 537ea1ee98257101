package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/recurbill/internal/observability/context"
	obslogger "github.com/smallbiznis/recurbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recurbill/internal/observability/metrics"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scanner) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = s.withLogContext(ctx, 0)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scanner) withLogContext(ctx context.Context, ownerID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	if ownerID != 0 {
		ctx = obscontext.WithOwnerID(ctx, ownerID.String())
	}
	return ctx
}

func (s *Scanner) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scanner) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scanner) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scanner) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, ownerID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run != nil {
		run.IncError()
	}
	ctx = s.withLogContext(ctx, ownerID)
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("owner_id", idString(ownerID)),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.String("error", err.Error()),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func (s *Scanner) logTemplateDeactivated(ctx context.Context, tmpl *domain.RecurringTemplate, reason error) {
	s.logger(ctx).Info("scheduler.template.deactivated",
		zap.String("template_id", idString(tmpl.ID)),
		zap.String("owner_id", idString(tmpl.OwnerID)),
		zap.String("reason", reason.Error()),
	)
}

func (s *Scanner) logAlreadyProcessed(ctx context.Context, tmpl *domain.RecurringTemplate) {
	s.logger(ctx).Info("scheduler.template.already_processed",
		zap.String("template_id", idString(tmpl.ID)),
		zap.String("owner_id", idString(tmpl.OwnerID)),
	)
}

func (s *Scanner) logInvoiceGenerated(ctx context.Context, result *domain.MaterializeResult) {
	s.logger(ctx).Debug("scheduler.invoice.generated",
		zap.String("template_id", idString(result.Template.ID)),
		zap.String("invoice_id", idString(result.Invoice.ID)),
		zap.String("invoice_number", result.Invoice.InvoiceNumber),
		zap.String("next_due_date", result.Template.NextDueDate.Format(time.DateOnly)),
	)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
