package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func orderedItems(db *gorm.DB) *gorm.DB {
	return db.Order("sort_order asc, id asc")
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tmpl *domain.RecurringTemplate) error {
	if err := db.WithContext(ctx).Omit(clause.Associations).Create(tmpl).Error; err != nil {
		return err
	}
	if len(tmpl.Items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&tmpl.Items).Error
}

// Update writes the editable columns and bumps the version.
func (r *repo) Update(ctx context.Context, db *gorm.DB, tmpl *domain.RecurringTemplate) error {
	result := db.WithContext(ctx).
		Model(&domain.RecurringTemplate{}).
		Where("id = ? AND owner_id = ?", tmpl.ID, tmpl.OwnerID).
		Updates(map[string]any{
			"client_id":         tmpl.ClientID,
			"name":              tmpl.Name,
			"frequency":         tmpl.Frequency,
			"interval_value":    tmpl.Interval,
			"day_of_week":       tmpl.DayOfWeek,
			"day_of_month":      tmpl.DayOfMonth,
			"start_date":        tmpl.StartDate,
			"end_date":          tmpl.EndDate,
			"occurrences_limit": tmpl.OccurrencesLimit,
			"next_due_date":     tmpl.NextDueDate,
			"is_active":         tmpl.IsActive,
			"auto_send":         tmpl.AutoSend,
			"email_subject":     tmpl.EmailSubject,
			"email_message":     tmpl.EmailMessage,
			"version":           gorm.Expr("version + 1"),
			"updated_at":        tmpl.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrTemplateNotFound
	}
	tmpl.Version++
	return nil
}

func (r *repo) ReplaceItems(ctx context.Context, db *gorm.DB, templateID snowflake.ID, items []domain.TemplateItem) error {
	if err := db.WithContext(ctx).Where("template_id = ?", templateID).Delete(&domain.TemplateItem{}).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) error {
	if err := db.WithContext(ctx).Where("template_id = ?", id).Delete(&domain.TemplateItem{}).Error; err != nil {
		return err
	}
	result := db.WithContext(ctx).Where("owner_id = ? AND id = ?", ownerID, id).Delete(&domain.RecurringTemplate{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrTemplateNotFound
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*domain.RecurringTemplate, error) {
	var tmpl domain.RecurringTemplate
	err := db.WithContext(ctx).
		Preload("Items", orderedItems).
		Where("owner_id = ? AND id = ?", ownerID, id).
		Take(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// FindForUpdate loads the template with a row lock held until the
// surrounding transaction ends.
func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.RecurringTemplate, error) {
	var tmpl domain.RecurringTemplate
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := orderedItems(db.WithContext(ctx)).
		Where("template_id = ?", id).
		Find(&tmpl.Items).Error; err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, filter domain.ListTemplateFilter, page pagination.Pagination) ([]*domain.RecurringTemplate, error) {
	var templates []*domain.RecurringTemplate
	stmt := db.WithContext(ctx).
		Model(&domain.RecurringTemplate{}).
		Preload("Items", orderedItems).
		Where("owner_id = ?", ownerID)
	if filter.IsActive != nil {
		stmt = stmt.Where("is_active = ?", *filter.IsActive)
	}
	if filter.ClientID != nil {
		stmt = stmt.Where("client_id = ?", *filter.ClientID)
	}
	if filter.Frequency != "" {
		stmt = stmt.Where("frequency = ?", filter.Frequency)
	}

	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, err
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, err
		}
		stmt = stmt.Where("id < ?", cursorID)
	}
	if page.PageSize > 0 {
		stmt = stmt.Limit(page.PageSize + 1)
	}

	if err := stmt.Order("id desc").Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, query domain.DueQuery) ([]domain.RecurringTemplate, error) {
	var templates []domain.RecurringTemplate
	stmt := db.WithContext(ctx).
		Model(&domain.RecurringTemplate{}).
		Where("is_active = ? AND next_due_date <= ?", true, query.AsOf)
	if query.OwnerID != 0 {
		stmt = stmt.Where("owner_id = ?", query.OwnerID)
	}
	if query.AfterID != 0 {
		stmt = stmt.Where("id > ?", query.AfterID)
	}
	if query.Limit > 0 {
		stmt = stmt.Limit(query.Limit)
	}
	if err := stmt.Order("id asc").Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

// SaveProgress persists generation side effects only if nobody else wrote
// the row since it was read at expectedVersion.
func (r *repo) SaveProgress(ctx context.Context, db *gorm.DB, tmpl *domain.RecurringTemplate, expectedVersion int64) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.RecurringTemplate{}).
		Where("id = ? AND version = ?", tmpl.ID, expectedVersion).
		Updates(map[string]any{
			"current_occurrence": tmpl.CurrentOccurrence,
			"generation_count":   tmpl.GenerationCount,
			"last_generated_at":  tmpl.LastGeneratedAt,
			"next_due_date":      tmpl.NextDueDate,
			"is_active":          tmpl.IsActive,
			"version":            expectedVersion + 1,
			"updated_at":         tmpl.UpdatedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	tmpl.Version = expectedVersion + 1
	return true, nil
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.RecurringTemplate{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_active":  active,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}).Error
}

// IncrementFailed runs outside the materialization transaction so the
// counter survives its rollback.
func (r *repo) IncrementFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.RecurringTemplate{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"failed_generations": gorm.Expr("failed_generations + 1"),
			"updated_at":         now,
		}).Error
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (domain.TemplateStats, error) {
	var stats domain.TemplateStats
	err := db.WithContext(ctx).Raw(
		`SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN is_active THEN 0 ELSE 1 END), 0) AS inactive,
			COALESCE(SUM(generation_count), 0) AS total_generated,
			COALESCE(SUM(failed_generations), 0) AS total_failed,
			COALESCE(SUM(CASE WHEN auto_send THEN 1 ELSE 0 END), 0) AS auto_send
		 FROM recurring_templates WHERE owner_id = ?`,
		ownerID,
	).Scan(&stats).Error
	return stats, err
}
