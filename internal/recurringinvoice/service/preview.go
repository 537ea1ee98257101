package service

import (
	"context"

	"github.com/smallbiznis/recurbill/internal/recurrence"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
)

// Preview lists the upcoming due dates of a template starting from its
// start date. It never writes and works for inactive templates too.
func (s *Service) Preview(ctx context.Context, id string, count int) (*domain.PreviewResponse, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	templateID, err := parseID(id)
	if err != nil {
		return nil, domain.ErrInvalidID
	}
	count, err = s.previewCount(count)
	if err != nil {
		return nil, err
	}

	tmpl, err := s.loadTemplate(ctx, ownerID, templateID)
	if err != nil {
		return nil, err
	}

	dates, err := recurrence.NextDates(tmpl.StartDate, tmpl.Rule(), count, tmpl.EndDate, tmpl.OccurrencesLimit)
	if err != nil {
		return nil, &domain.RecurrenceError{Violations: []string{err.Error()}}
	}
	s.metrics.RecordPreview(ctx, "template")

	return &domain.PreviewResponse{
		TemplateID:  tmpl.ID.String(),
		Description: recurrence.Describe(tmpl.Rule()),
		Dates:       dates,
	}, nil
}

// PreviewRule previews a configuration that has not been saved yet.
func (s *Service) PreviewRule(ctx context.Context, req domain.PreviewRuleRequest) (*domain.PreviewResponse, error) {
	if _, err := s.ownerIDFromContext(ctx); err != nil {
		return nil, err
	}
	count, err := s.previewCount(req.Count)
	if err != nil {
		return nil, err
	}

	start := recurrence.Truncate(req.StartDate)
	end := truncatePtr(req.EndDate)
	if err := s.validateRule(req.Rule, start, end); err != nil {
		return nil, err
	}

	dates, err := recurrence.NextDates(start, req.Rule, count, end, req.OccurrencesLimit)
	if err != nil {
		return nil, &domain.RecurrenceError{Violations: []string{err.Error()}}
	}
	s.metrics.RecordPreview(ctx, "rule")

	return &domain.PreviewResponse{
		Description: recurrence.Describe(req.Rule),
		Dates:       dates,
	}, nil
}

func (s *Service) previewCount(count int) (int, error) {
	cfg := s.cfg.Get()
	if count == 0 {
		return cfg.PreviewDefaultCount, nil
	}
	if count < 1 || count > cfg.PreviewMaxCount {
		return 0, domain.ErrInvalidCount
	}
	return count, nil
}
