package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurbill/internal/config"
	invoicedomain "github.com/smallbiznis/recurbill/internal/invoice/domain"
	"github.com/smallbiznis/recurbill/internal/invoice/format"
	obscontext "github.com/smallbiznis/recurbill/internal/observability/context"
	"github.com/smallbiznis/recurbill/internal/observability/metrics"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	triggerScheduler = "scheduler"
	triggerManual    = "manual"
)

var hundred = decimal.NewFromInt(100)

type materializeOptions struct {
	trigger string
	// requireDue makes the run a no-op unless next_due_date <= asOf.
	requireDue bool
}

// Materialize generates the invoice for a due template as of asOf. The
// template row is locked for the whole transaction and its progress is
// written with a version guard, so a template that was already advanced by
// a concurrent run yields ErrAlreadyProcessed and nothing is written.
func (s *Service) Materialize(ctx context.Context, templateID snowflake.ID, asOf time.Time) (*domain.MaterializeResult, error) {
	return s.materialize(ctx, templateID, asOf, materializeOptions{trigger: triggerScheduler, requireDue: true})
}

// GenerateNow materializes one template as of today regardless of its due
// date, then notifies the client when auto_send is set.
func (s *Service) GenerateNow(ctx context.Context, id string) (*domain.GenerateResult, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	templateID, err := parseID(id)
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	tmpl, err := s.loadTemplate(ctx, ownerID, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive {
		return nil, domain.ErrTemplateInactive
	}

	today := recurrence.Truncate(s.clock.Now())
	result, err := s.materialize(ctx, tmpl.ID, today, materializeOptions{trigger: triggerManual})
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyProcessed) && !errors.Is(err, domain.ErrTemplateInactive) {
			if recordErr := s.RecordFailure(ctx, tmpl.ID); recordErr != nil {
				s.log.Warn("recurring.template.record_failure_failed",
					zap.String("template_id", tmpl.ID.String()),
					zap.Error(recordErr),
				)
			}
		}
		return nil, err
	}

	out := &domain.GenerateResult{
		Invoice:      result.Invoice,
		Template:     result.Template,
		Notification: domain.NotificationResult{Status: domain.NotificationSkipped, Reason: "auto_send_disabled"},
	}
	if result.Template.AutoSend {
		out.Notification = s.Notify(ctx, result.Template, result.Invoice)
	}
	return out, nil
}

func (s *Service) materialize(ctx context.Context, templateID snowflake.ID, asOf time.Time, opts materializeOptions) (*domain.MaterializeResult, error) {
	asOf = recurrence.Truncate(asOf)
	cfg := s.cfg.Get()
	ctx = obscontext.WithTemplateID(ctx, templateID.String())

	var result *domain.MaterializeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		tmpl, err := s.repo.FindForUpdate(ctx, tx, templateID)
		metrics.Scheduler().ObserveDBLockWait(metrics.LockResourceTemplateByID, time.Since(lockStart))
		if err != nil {
			return err
		}
		if tmpl == nil {
			return domain.ErrTemplateNotFound
		}
		if opts.requireDue {
			if !tmpl.IsDue(asOf) {
				return domain.ErrAlreadyProcessed
			}
		} else if !tmpl.IsActive {
			return domain.ErrTemplateInactive
		}
		if len(tmpl.Items) == 0 {
			return domain.ErrNoItems
		}

		now := s.clock.Now().UTC()
		lockStart = time.Now()
		seq, err := s.invoiceRepo.NextSequence(ctx, tx, tmpl.OwnerID, now)
		metrics.Scheduler().ObserveDBLockWait(metrics.LockResourceInvoiceSeq, time.Since(lockStart))
		if err != nil {
			return err
		}
		number, err := format.FormatInvoiceNumber(cfg.InvoiceNumberFormat, asOf, seq)
		if err != nil {
			return err
		}

		invoice := s.buildInvoice(tmpl, number, asOf, now, cfg)
		if err := s.invoiceRepo.Insert(ctx, tx, invoice); err != nil {
			return err
		}

		expectedVersion := tmpl.Version
		if err := tmpl.Advance(asOf, now); err != nil {
			return err
		}
		saved, err := s.repo.SaveProgress(ctx, tx, tmpl, expectedVersion)
		if err != nil {
			return err
		}
		if !saved {
			return domain.ErrAlreadyProcessed
		}

		result = &domain.MaterializeResult{Invoice: invoice, Template: tmpl}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			s.log.Info("recurring.invoice.already_processed",
				zap.String("template_id", templateID.String()),
				zap.Time("as_of", asOf),
			)
			return nil, err
		}
		s.metrics.RecordGenerationFailure(ctx, "materialize", metrics.ClassifySchedulerErrorType(err))
		s.log.Warn("recurring.invoice.generation_failed",
			zap.String("template_id", templateID.String()),
			zap.String("trigger", opts.trigger),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.RecordInvoiceGenerated(ctx, string(result.Template.Frequency), opts.trigger)
	s.log.Info("recurring.invoice.generated",
		zap.String("owner_id", result.Template.OwnerID.String()),
		zap.String("template_id", result.Template.ID.String()),
		zap.String("invoice_id", result.Invoice.ID.String()),
		zap.String("invoice_number", result.Invoice.InvoiceNumber),
		zap.String("trigger", opts.trigger),
		zap.Int("occurrence", result.Template.CurrentOccurrence),
		zap.Time("next_due_date", result.Template.NextDueDate),
		zap.Bool("is_active", result.Template.IsActive),
	)
	return result, nil
}

// buildInvoice prices the template items into a draft invoice issued on
// asOf. Generated invoices never carry a discount.
func (s *Service) buildInvoice(tmpl *domain.RecurringTemplate, number string, asOf, now time.Time, cfg config.RecurringConfig) *invoicedomain.Invoice {
	invoiceID := s.genID.Generate()
	templateID := tmpl.ID
	scheduledFor := recurrence.Truncate(tmpl.NextDueDate)

	items := make([]invoicedomain.InvoiceItem, 0, len(tmpl.Items))
	subtotal := decimal.Zero
	for i, item := range tmpl.Items {
		amount := item.Quantity.Mul(item.Rate)
		subtotal = subtotal.Add(amount)
		items = append(items, invoicedomain.InvoiceItem{
			ID:          s.genID.Generate(),
			OwnerID:     tmpl.OwnerID,
			InvoiceID:   invoiceID,
			Description: item.Description,
			Quantity:    item.Quantity,
			Rate:        item.Rate,
			Amount:      amount,
			SortOrder:   i,
			CreatedAt:   now,
		})
	}

	taxRate := cfg.TaxRate()
	taxAmount := subtotal.Mul(taxRate).Div(hundred)

	return &invoicedomain.Invoice{
		ID:                  invoiceID,
		OwnerID:             tmpl.OwnerID,
		ClientID:            tmpl.ClientID,
		InvoiceNumber:       number,
		TemplateID:          &templateID,
		GeneratedByTemplate: true,
		Status:              invoicedomain.InvoiceStatusDraft,
		PaymentStatus:       invoicedomain.PaymentStatusUnpaid,
		IssueDate:           asOf,
		DueDate:             asOf.AddDate(0, 0, cfg.PaymentTermsDays),
		ScheduledFor:        &scheduledFor,
		Subtotal:            subtotal,
		TaxRate:             taxRate,
		TaxAmount:           taxAmount,
		Discount:            decimal.Zero,
		TotalAmount:         subtotal.Add(taxAmount),
		Notes:               fmt.Sprintf("Generated from recurring template: %s", tmpl.Name),
		Terms:               fmt.Sprintf("Payment due within %d days.", cfg.PaymentTermsDays),
		Metadata: datatypes.JSONMap{
			"recurring_template_id": tmpl.ID.String(),
			"occurrence":            tmpl.CurrentOccurrence + 1,
			"frequency":             string(tmpl.Frequency),
		},
		CreatedAt: now,
		UpdatedAt: now,
		Items:     items,
	}
}
