package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	clientdomain "github.com/smallbiznis/recurbill/internal/client/domain"
	invoicedomain "github.com/smallbiznis/recurbill/internal/invoice/domain"
	"github.com/smallbiznis/recurbill/internal/invoice/render"
	"github.com/smallbiznis/recurbill/internal/providers/email"
	"github.com/smallbiznis/recurbill/internal/providers/pdf"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"go.uber.org/zap"
)

const (
	bodyPreviewLimit = 500
	trackingHeader   = "X-Tracking-Id"
)

// Notify emails the generated invoice to the client. It never touches the
// invoice itself; a failed send only bumps failed_generations.
func (s *Service) Notify(ctx context.Context, tmpl *domain.RecurringTemplate, invoice *invoicedomain.Invoice) domain.NotificationResult {
	if tmpl == nil || invoice == nil {
		return domain.NotificationResult{Status: domain.NotificationSkipped, Reason: "missing_invoice"}
	}
	if !tmpl.AutoSend {
		return s.notificationOutcome(ctx, domain.NotificationResult{Status: domain.NotificationSkipped, Reason: "auto_send_disabled"})
	}

	client, err := s.clientRepo.FindByID(ctx, s.db, tmpl.OwnerID, invoice.ClientID)
	if err != nil {
		return s.notificationFailed(ctx, tmpl, invoice, "", "", err)
	}
	if client == nil || strings.TrimSpace(client.Email) == "" {
		s.log.Warn("recurring.invoice.notification_skipped",
			zap.String("template_id", tmpl.ID.String()),
			zap.String("client_id", invoice.ClientID.String()),
			zap.String("reason", "no_recipient"),
		)
		return s.notificationOutcome(ctx, domain.NotificationResult{Status: domain.NotificationSkipped, Reason: "no_recipient"})
	}

	recipient := strings.TrimSpace(client.Email)
	subject := strings.TrimSpace(tmpl.EmailSubject)
	if subject == "" {
		subject = fmt.Sprintf("Invoice %s", invoice.InvoiceNumber)
	}
	trackingID := uuid.NewString()

	body, err := s.renderer.RenderEmail(emailInput(tmpl, invoice, client))
	if err != nil {
		return s.notificationFailed(ctx, tmpl, invoice, recipient, subject, err)
	}

	msg := email.Message{
		To:       []string{recipient},
		Subject:  subject,
		HTMLBody: body,
		Headers:  map[string]string{trackingHeader: trackingID},
	}
	if attachment, ok := s.renderAttachment(ctx, invoice, client); ok {
		msg.Attachments = append(msg.Attachments, attachment)
	}

	if err := s.email.Send(ctx, msg); err != nil {
		return s.notificationFailed(ctx, tmpl, invoice, recipient, subject, err)
	}

	sentAt := s.clock.Now().UTC()
	s.recordDelivery(ctx, &invoicedomain.EmailDelivery{
		ID:          s.genID.Generate(),
		OwnerID:     tmpl.OwnerID,
		InvoiceID:   invoice.ID,
		TemplateID:  &tmpl.ID,
		TrackingID:  trackingID,
		Recipient:   recipient,
		Subject:     subject,
		BodyPreview: preview(tmpl.EmailMessage),
		Status:      invoicedomain.DeliveryStatusSent,
		SentAt:      &sentAt,
		CreatedAt:   sentAt,
	})

	s.log.Info("recurring.invoice.notified",
		zap.String("template_id", tmpl.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("tracking_id", trackingID),
	)
	return s.notificationOutcome(ctx, domain.NotificationResult{
		Status:     domain.NotificationSent,
		Recipient:  recipient,
		TrackingID: trackingID,
	})
}

func (s *Service) notificationFailed(ctx context.Context, tmpl *domain.RecurringTemplate, invoice *invoicedomain.Invoice, recipient, subject string, cause error) domain.NotificationResult {
	now := s.clock.Now().UTC()
	if recipient != "" {
		s.recordDelivery(ctx, &invoicedomain.EmailDelivery{
			ID:          s.genID.Generate(),
			OwnerID:     tmpl.OwnerID,
			InvoiceID:   invoice.ID,
			TemplateID:  &tmpl.ID,
			TrackingID:  uuid.NewString(),
			Recipient:   recipient,
			Subject:     subject,
			BodyPreview: preview(tmpl.EmailMessage),
			Status:      invoicedomain.DeliveryStatusFailed,
			Error:       cause.Error(),
			CreatedAt:   now,
		})
	}
	if err := s.RecordFailure(ctx, tmpl.ID); err != nil {
		s.log.Warn("recurring.template.record_failure_failed",
			zap.String("template_id", tmpl.ID.String()),
			zap.Error(err),
		)
	}
	s.metrics.RecordGenerationFailure(ctx, "notify", "send_failed")
	s.log.Warn("recurring.invoice.notification_failed",
		zap.String("template_id", tmpl.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.Error(cause),
	)
	return s.notificationOutcome(ctx, domain.NotificationResult{
		Status:    domain.NotificationFailed,
		Recipient: recipient,
		Reason:    cause.Error(),
		Err:       fmt.Errorf("%w: %w", domain.ErrNotificationFailure, cause),
	})
}

func (s *Service) notificationOutcome(ctx context.Context, result domain.NotificationResult) domain.NotificationResult {
	s.metrics.RecordNotification(ctx, string(result.Status))
	return result
}

func (s *Service) recordDelivery(ctx context.Context, delivery *invoicedomain.EmailDelivery) {
	if err := s.invoiceRepo.InsertDelivery(ctx, s.db, delivery); err != nil {
		s.log.Warn("recurring.invoice.delivery_record_failed",
			zap.String("invoice_id", delivery.InvoiceID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) renderAttachment(ctx context.Context, invoice *invoicedomain.Invoice, client *clientdomain.Client) (email.Attachment, bool) {
	if s.pdf == nil {
		return email.Attachment{}, false
	}

	data := pdf.InvoiceData{
		InvoiceNumber: invoice.InvoiceNumber,
		IssueDate:     invoice.IssueDate.Format(time.DateOnly),
		DueDate:       invoice.DueDate.Format(time.DateOnly),
		BillToName:    client.Name,
		BillToEmail:   client.Email,
		Subtotal:      invoice.Subtotal.StringFixed(2),
		TaxLabel:      fmt.Sprintf("Tax (%s%%)", invoice.TaxRate.String()),
		Tax:           invoice.TaxAmount.StringFixed(2),
		Total:         invoice.TotalAmount.StringFixed(2),
		Notes:         invoice.Notes,
		Terms:         invoice.Terms,
	}
	for _, item := range invoice.Items {
		data.Items = append(data.Items, pdf.InvoiceItem{
			Description: item.Description,
			Qty:         item.Quantity.String(),
			UnitPrice:   item.Rate.StringFixed(2),
			Amount:      item.Amount.StringFixed(2),
		})
	}

	reader, err := s.pdf.GenerateInvoice(ctx, data)
	if err != nil {
		s.log.Warn("recurring.invoice.pdf_failed",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.Error(err),
		)
		return email.Attachment{}, false
	}
	if reader == nil {
		return email.Attachment{}, false
	}
	content, err := io.ReadAll(reader)
	if err != nil || len(content) == 0 {
		return email.Attachment{}, false
	}
	return email.Attachment{
		Filename:    attachmentFilename(invoice.InvoiceNumber),
		ContentType: "application/pdf",
		Content:     content,
	}, true
}

func emailInput(tmpl *domain.RecurringTemplate, invoice *invoicedomain.Invoice, client *clientdomain.Client) render.EmailInput {
	input := render.EmailInput{
		ClientName:    client.Name,
		InvoiceNumber: invoice.InvoiceNumber,
		IssueDate:     invoice.IssueDate,
		DueDate:       invoice.DueDate,
		Message:       tmpl.EmailMessage,
		Subtotal:      invoice.Subtotal,
		TaxRate:       invoice.TaxRate,
		TaxAmount:     invoice.TaxAmount,
		Total:         invoice.TotalAmount,
		Terms:         invoice.Terms,
	}
	for _, item := range invoice.Items {
		input.Items = append(input.Items, render.EmailItem{
			Description: item.Description,
			Quantity:    item.Quantity,
			Rate:        item.Rate,
			Amount:      item.Amount,
		})
	}
	return input
}

// attachmentFilename keeps number layouts like "{YY}/{SEQ}" out of the path.
func attachmentFilename(invoiceNumber string) string {
	name := slug.Make(invoiceNumber)
	if name == "" {
		name = "invoice"
	}
	return name + ".pdf"
}

func preview(message string) string {
	runes := []rune(message)
	if len(runes) <= bodyPreviewLimit {
		return message
	}
	return string(runes[:bodyPreviewLimit])
}
