package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	clientdomain "github.com/smallbiznis/recurbill/internal/client/domain"
	"github.com/smallbiznis/recurbill/internal/clock"
	"github.com/smallbiznis/recurbill/internal/config"
	invoicedomain "github.com/smallbiznis/recurbill/internal/invoice/domain"
	"github.com/smallbiznis/recurbill/internal/invoice/render"
	"github.com/smallbiznis/recurbill/internal/observability/metrics"
	"github.com/smallbiznis/recurbill/internal/ownercontext"
	"github.com/smallbiznis/recurbill/internal/providers/email"
	"github.com/smallbiznis/recurbill/internal/providers/pdf"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      *config.RecurringConfigHolder
	Repo        domain.Repository
	InvoiceRepo invoicedomain.Repository
	ClientRepo  clientdomain.Repository
	Email       email.Provider
	PDF         pdf.Provider
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   *config.RecurringConfigHolder

	repo        domain.Repository
	invoiceRepo invoicedomain.Repository
	clientRepo  clientdomain.Repository
	email       email.Provider
	pdf         pdf.Provider
	renderer    render.Renderer
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	cfg := p.Config
	if cfg == nil {
		cfg = config.NewStaticRecurringConfigHolder(config.DefaultRecurringConfig())
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("recurringinvoice.service"),
		genID: p.GenID,
		clock: p.Clock,
		cfg:   cfg,

		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		clientRepo:  p.ClientRepo,
		email:       p.Email,
		pdf:         p.PDF,
		renderer:    render.NewRenderer(),
		metrics:     p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.RecurringTemplate, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	clientID, err := parseID(req.ClientID)
	if err != nil {
		return nil, domain.ErrInvalidClient
	}

	rule := recurrence.Rule{
		Frequency:  recurrence.Frequency(strings.ToLower(strings.TrimSpace(req.Frequency))),
		Interval:   req.Interval,
		DayOfWeek:  req.DayOfWeek,
		DayOfMonth: req.DayOfMonth,
	}
	start := recurrence.Truncate(req.StartDate)
	end := truncatePtr(req.EndDate)
	if err := s.validateRule(rule, start, end); err != nil {
		return nil, err
	}
	if req.OccurrencesLimit != nil && *req.OccurrencesLimit <= 0 {
		req.OccurrencesLimit = nil
	}

	if err := s.ensureClient(ctx, ownerID, clientID); err != nil {
		return nil, err
	}

	next, err := recurrence.FirstDate(start, rule)
	if err != nil {
		return nil, &domain.RecurrenceError{Violations: []string{err.Error()}}
	}

	now := s.clock.Now().UTC()
	id := s.genID.Generate()
	items, err := s.buildItems(id, req.Items, now)
	if err != nil {
		return nil, err
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	tmpl := &domain.RecurringTemplate{
		ID:               id,
		OwnerID:          ownerID,
		ClientID:         clientID,
		Name:             name,
		Frequency:        rule.Frequency,
		Interval:         rule.Interval,
		DayOfWeek:        rule.DayOfWeek,
		DayOfMonth:       rule.DayOfMonth,
		StartDate:        start,
		EndDate:          end,
		OccurrencesLimit: req.OccurrencesLimit,
		NextDueDate:      next,
		IsActive:         isActive,
		AutoSend:         req.AutoSend,
		EmailSubject:     strings.TrimSpace(req.EmailSubject),
		EmailMessage:     req.EmailMessage,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
		Items:            items,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Insert(ctx, tx, tmpl)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("recurring.template.created",
		zap.String("owner_id", ownerID.String()),
		zap.String("template_id", tmpl.ID.String()),
		zap.String("frequency", string(tmpl.Frequency)),
		zap.Time("next_due_date", tmpl.NextDueDate),
	)
	return tmpl, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.RecurringTemplate, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	templateID, err := parseID(id)
	if err != nil {
		return nil, domain.ErrInvalidID
	}
	return s.loadTemplate(ctx, ownerID, templateID)
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return domain.ListResponse{}, err
	}

	pageSize := int(req.PageSize)
	switch {
	case pageSize == 0:
		pageSize = defaultPageSize
	case pageSize < 0 || pageSize > maxPageSize:
		return domain.ListResponse{}, domain.ErrInvalidPagination
	}

	filter := domain.ListTemplateFilter{IsActive: req.IsActive}
	if raw := strings.TrimSpace(req.ClientID); raw != "" {
		clientID, err := parseID(raw)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidClient
		}
		filter.ClientID = &clientID
	}
	if raw := strings.TrimSpace(req.Frequency); raw != "" {
		freq, err := recurrence.ParseFrequency(raw)
		if err != nil {
			return domain.ListResponse{}, &domain.RecurrenceError{Violations: []string{err.Error()}}
		}
		filter.Frequency = string(freq)
	}

	pageToken := strings.TrimSpace(req.PageToken)
	if pageToken != "" {
		cursor, err := pagination.DecodeCursor(pageToken)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPagination
		}
		if _, err := parseID(cursor.ID); err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPagination
		}
	}

	rows, err := s.repo.List(ctx, s.db, ownerID, filter, pagination.Pagination{
		PageToken: pageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	page, info := pagination.BuildCursorPageInfo(rows, pageSize, func(t *domain.RecurringTemplate) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: t.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	templates := make([]domain.RecurringTemplate, 0, len(page))
	for _, tmpl := range page {
		if tmpl == nil {
			continue
		}
		templates = append(templates, *tmpl)
	}
	return domain.ListResponse{PageInfo: info, Templates: templates}, nil
}

// Update applies the provided fields. The next due date is recomputed from
// the start date only when the frequency or start date change.
func (s *Service) Update(ctx context.Context, id string, req domain.UpdateRequest) (*domain.RecurringTemplate, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	templateID, err := parseID(id)
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	var updated *domain.RecurringTemplate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tmpl, err := s.repo.FindByID(ctx, tx, ownerID, templateID)
		if err != nil {
			return err
		}
		if tmpl == nil {
			return domain.ErrTemplateNotFound
		}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return domain.ErrInvalidName
			}
			tmpl.Name = name
		}
		if req.ClientID != nil {
			clientID, err := parseID(*req.ClientID)
			if err != nil {
				return domain.ErrInvalidClient
			}
			if err := s.ensureClientTx(ctx, tx, ownerID, clientID); err != nil {
				return err
			}
			tmpl.ClientID = clientID
		}

		// Any rule or end date change is validated; only frequency and
		// start changes move next_due_date.
		recompute, ruleChanged := false, false
		if req.Frequency != nil {
			tmpl.Frequency = recurrence.Frequency(strings.ToLower(strings.TrimSpace(*req.Frequency)))
			recompute, ruleChanged = true, true
		}
		if req.Interval != nil {
			tmpl.Interval = *req.Interval
			ruleChanged = true
		}
		if req.DayOfWeek != nil {
			tmpl.DayOfWeek = req.DayOfWeek
			ruleChanged = true
		}
		if req.DayOfMonth != nil {
			tmpl.DayOfMonth = req.DayOfMonth
			ruleChanged = true
		}
		if req.StartDate != nil {
			tmpl.StartDate = recurrence.Truncate(*req.StartDate)
			recompute, ruleChanged = true, true
		}
		if req.EndDate != nil {
			tmpl.EndDate = truncatePtr(req.EndDate)
			ruleChanged = true
		}
		if req.OccurrencesLimit != nil {
			if *req.OccurrencesLimit <= 0 {
				tmpl.OccurrencesLimit = nil
			} else {
				tmpl.OccurrencesLimit = req.OccurrencesLimit
			}
		}
		if req.IsActive != nil {
			tmpl.IsActive = *req.IsActive
		}
		if req.AutoSend != nil {
			tmpl.AutoSend = *req.AutoSend
		}
		if req.EmailSubject != nil {
			tmpl.EmailSubject = strings.TrimSpace(*req.EmailSubject)
		}
		if req.EmailMessage != nil {
			tmpl.EmailMessage = *req.EmailMessage
		}

		now := s.clock.Now().UTC()
		if req.Items != nil {
			items, err := s.buildItems(tmpl.ID, *req.Items, now)
			if err != nil {
				return err
			}
			if err := s.repo.ReplaceItems(ctx, tx, tmpl.ID, items); err != nil {
				return err
			}
			tmpl.Items = items
		}

		if ruleChanged {
			today := recurrence.Truncate(s.clock.Now())
			if req.StartDate == nil && tmpl.StartDate.Before(today) {
				// A stored start that has already passed stays valid.
				today = tmpl.StartDate
			}
			if err := validateRuleAsOf(tmpl.Rule(), tmpl.StartDate, tmpl.EndDate, today); err != nil {
				return err
			}
		}
		if recompute {
			next, err := recurrence.FirstDate(tmpl.StartDate, tmpl.Rule())
			if err != nil {
				return &domain.RecurrenceError{Violations: []string{err.Error()}}
			}
			tmpl.NextDueDate = next
		}

		tmpl.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, tmpl); err != nil {
			return err
		}
		updated = tmpl
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("recurring.template.updated",
		zap.String("owner_id", ownerID.String()),
		zap.String("template_id", updated.ID.String()),
	)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return err
	}
	templateID, err := parseID(id)
	if err != nil {
		return domain.ErrInvalidID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Delete(ctx, tx, ownerID, templateID)
	})
	if err != nil {
		return err
	}
	s.log.Info("recurring.template.deleted",
		zap.String("owner_id", ownerID.String()),
		zap.String("template_id", templateID.String()),
	)
	return nil
}

// Toggle flips the active flag and nothing else. Reactivating a template
// that already hit its limit does not reset its counters.
func (s *Service) Toggle(ctx context.Context, id string) (*domain.RecurringTemplate, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	templateID, err := parseID(id)
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	var toggled *domain.RecurringTemplate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tmpl, err := s.repo.FindByID(ctx, tx, ownerID, templateID)
		if err != nil {
			return err
		}
		if tmpl == nil {
			return domain.ErrTemplateNotFound
		}
		tmpl.Toggle()
		now := s.clock.Now().UTC()
		if err := s.repo.SetActive(ctx, tx, tmpl.ID, tmpl.IsActive, now); err != nil {
			return err
		}
		tmpl.Version++
		tmpl.UpdatedAt = now
		toggled = tmpl
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("recurring.template.toggled",
		zap.String("template_id", toggled.ID.String()),
		zap.String("status", string(toggled.Status())),
	)
	return toggled, nil
}

func (s *Service) Stats(ctx context.Context) (domain.TemplateStats, error) {
	ownerID, err := s.ownerIDFromContext(ctx)
	if err != nil {
		return domain.TemplateStats{}, err
	}
	return s.repo.Stats(ctx, s.db, ownerID)
}

func (s *Service) ListDue(ctx context.Context, query domain.DueQuery) ([]domain.RecurringTemplate, error) {
	query.AsOf = recurrence.Truncate(query.AsOf)
	return s.repo.ListDue(ctx, s.db, query)
}

func (s *Service) Deactivate(ctx context.Context, templateID snowflake.ID) error {
	return s.repo.SetActive(ctx, s.db, templateID, false, s.clock.Now().UTC())
}

// RecordFailure bumps failed_generations outside any generation transaction.
func (s *Service) RecordFailure(ctx context.Context, templateID snowflake.ID) error {
	return s.repo.IncrementFailed(ctx, s.db, templateID, s.clock.Now().UTC())
}

func (s *Service) loadTemplate(ctx context.Context, ownerID, templateID snowflake.ID) (*domain.RecurringTemplate, error) {
	tmpl, err := s.repo.FindByID(ctx, s.db, ownerID, templateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, domain.ErrTemplateNotFound
	}
	return tmpl, nil
}

func (s *Service) validateRule(rule recurrence.Rule, start time.Time, end *time.Time) error {
	return validateRuleAsOf(rule, start, end, recurrence.Truncate(s.clock.Now()))
}

func validateRuleAsOf(rule recurrence.Rule, start time.Time, end *time.Time, today time.Time) error {
	if violations := recurrence.Validate(rule, start, end, today); len(violations) > 0 {
		return &domain.RecurrenceError{Violations: violations}
	}
	return nil
}

func (s *Service) ensureClient(ctx context.Context, ownerID, clientID snowflake.ID) error {
	return s.ensureClientTx(ctx, s.db, ownerID, clientID)
}

func (s *Service) ensureClientTx(ctx context.Context, tx *gorm.DB, ownerID, clientID snowflake.ID) error {
	client, err := s.clientRepo.FindByID(ctx, tx, ownerID, clientID)
	if err != nil {
		return err
	}
	if client == nil {
		return domain.ErrClientNotFound
	}
	return nil
}

func (s *Service) buildItems(templateID snowflake.ID, inputs []domain.ItemInput, now time.Time) ([]domain.TemplateItem, error) {
	if len(inputs) == 0 {
		return nil, domain.ErrNoItems
	}
	items := make([]domain.TemplateItem, 0, len(inputs))
	for i, input := range inputs {
		description := strings.TrimSpace(input.Description)
		if description == "" || input.Quantity.LessThanOrEqual(decimal.Zero) || input.Rate.IsNegative() {
			return nil, domain.ErrInvalidItem
		}
		items = append(items, domain.TemplateItem{
			ID:          s.genID.Generate(),
			TemplateID:  templateID,
			Description: description,
			Quantity:    input.Quantity,
			Rate:        input.Rate,
			Amount:      input.Quantity.Mul(input.Rate),
			SortOrder:   i,
			CreatedAt:   now,
		})
	}
	return items, nil
}

func (s *Service) ownerIDFromContext(ctx context.Context) (snowflake.ID, error) {
	ownerID, ok := ownercontext.OwnerIDFromContext(ctx)
	if !ok || ownerID == 0 {
		return 0, domain.ErrInvalidOwner
	}
	return ownerID, nil
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}

func truncatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := recurrence.Truncate(*t)
	return &v
}
