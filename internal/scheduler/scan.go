package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/recurbill/internal/observability/context"
	obsmetrics "github.com/smallbiznis/recurbill/internal/observability/metrics"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/internal/scheduler/guard"
	"go.uber.org/zap"
)

const resourceTemplate = "recurring_template"

func (s *Scanner) scan(ctx context.Context, asOf time.Time, ownerID snowflake.ID, batchSize int, result *RunResult) error {
	run := jobRunFromContext(ctx)
	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.recurring.ListDue(ctx, domain.DueQuery{
			AsOf:    asOf,
			OwnerID: ownerID,
			AfterID: afterID,
			Limit:   batchSize,
		})
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.list_due_failed", jobGenerateDue, ownerID, err)
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for i := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.processTemplate(ctx, run, &batch[i], asOf, result)
			run.AddProcessed(1)
		}
		obsmetrics.Scheduler().AddBatchProcessed(jobGenerateDue, resourceTemplate, len(batch))

		afterID = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (s *Scanner) processTemplate(ctx context.Context, run *jobRun, tmpl *domain.RecurringTemplate, asOf time.Time, result *RunResult) {
	ctx = obscontext.WithTemplateID(s.withLogContext(ctx, tmpl.OwnerID), tmpl.ID.String())
	schedMetrics := obsmetrics.Scheduler()

	if err := guard.EnsureTemplateCanGenerate(tmpl, asOf); err != nil {
		if !guard.ShouldDeactivate(err) {
			result.Skipped++
			schedMetrics.IncTemplateOutcome(jobGenerateDue, obsmetrics.TemplateOutcomeSkipped)
			return
		}
		if deactivateErr := s.recurring.Deactivate(ctx, tmpl.ID); deactivateErr != nil {
			s.logSchedulerError(ctx, run, "scheduler.template.deactivate_failed", jobGenerateDue, tmpl.OwnerID, deactivateErr,
				zap.String("template_id", tmpl.ID.String()),
			)
			result.addFailure(tmpl, StageDeactivate, deactivateErr)
			schedMetrics.IncTemplateOutcome(jobGenerateDue, obsmetrics.TemplateOutcomeFailed)
			return
		}
		s.logTemplateDeactivated(ctx, tmpl, err)
		result.Deactivated++
		schedMetrics.IncTemplateOutcome(jobGenerateDue, obsmetrics.TemplateOutcomeDeactivated)
		return
	}

	materialized, err := s.recurring.Materialize(ctx, tmpl.ID, asOf)
	switch {
	case errors.Is(err, domain.ErrAlreadyProcessed):
		s.logAlreadyProcessed(ctx, tmpl)
		result.Skipped++
		schedMetrics.IncTemplateOutcome(jobGenerateDue, obsmetrics.TemplateOutcomeAlreadyProcessed)
		return
	case errors.Is(err, domain.ErrTemplateNotFound):
		result.Skipped++
		schedMetrics.IncTemplateOutcome(jobGenerateDue, obsmetrics.TemplateOutcomeSkipped)
		return
	case err != nil:
		s.logSchedulerError(ctx, run, "scheduler.template.generation_failed", jobGenerateDue, tmpl.OwnerID, err,
			zap.String("template_id", tmpl.ID.String()),
			zap.String("template_name", tmpl.Name),
		)
		if recordErr := s.recurring.RecordFailure(ctx, tmpl.ID); recordErr != nil {
			s.logger(ctx).Warn("scheduler.template.record_failure_failed",
				zap.String("template_id", tmpl.ID.String()),
				zap.Error(recordErr),
			)
		}
		result.addFailure(tmpl, StageMaterialize, err)
		schedMetrics.IncTemplateOutcome(jobGenerateDue, obsmetrics.TemplateOutcomeFailed)
		return
	}

	result.Generated = append(result.Generated, GeneratedInvoice{
		TemplateID:    materialized.Template.ID,
		TemplateName:  materialized.Template.Name,
		InvoiceID:     materialized.Invoice.ID,
		InvoiceNumber: materialized.Invoice.InvoiceNumber,
	})
	schedMetrics.IncTemplateOutcome(jobGenerateDue, obsmetrics.TemplateOutcomeGenerated)
	s.logInvoiceGenerated(ctx, materialized)

	notification := domain.NotificationResult{Status: domain.NotificationSkipped, Reason: "auto_send_disabled"}
	if materialized.Template.AutoSend {
		notification = s.recurring.Notify(ctx, materialized.Template, materialized.Invoice)
	}
	result.Notifications[notification.Status]++
	schedMetrics.IncNotification(string(notification.Status))
	if notification.Status == domain.NotificationFailed {
		err := notification.Err
		if err == nil {
			err = domain.ErrNotificationFailure
		}
		s.logSchedulerError(ctx, run, "scheduler.notification_failed", jobGenerateDue, tmpl.OwnerID, err,
			zap.String("template_id", tmpl.ID.String()),
			zap.String("invoice_id", materialized.Invoice.ID.String()),
		)
		result.addFailure(materialized.Template, StageNotify, err)
	}
}
