package service

import (
	"context"

	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
)

const defaultHistoryLimit = 50

func (s *Service) History(ctx context.Context, id string, req domain.HistoryRequest) (*domain.HistoryResponse, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	templateID, err := parseID(id)
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	limit := req.Limit
	if limit == 0 {
		limit = min(defaultHistoryLimit, s.cfg.Get().HistoryMaxLimit)
	}
	if limit < 1 || limit > s.cfg.Get().HistoryMaxLimit || req.Offset < 0 {
		return nil, domain.ErrInvalidPagination
	}

	tmpl, err := s.loadTemplate(ctx, ownerID, templateID)
	if err != nil {
		return nil, err
	}

	invoices, err := s.invoiceRepo.ListByTemplate(ctx, s.db, ownerID, tmpl.ID, limit, req.Offset)
	if err != nil {
		return nil, err
	}
	total, err := s.invoiceRepo.CountByTemplate(ctx, s.db, ownerID, tmpl.ID)
	if err != nil {
		return nil, err
	}

	return &domain.HistoryResponse{
		TemplateID: tmpl.ID.String(),
		Total:      total,
		Invoices:   invoices,
	}, nil
}
