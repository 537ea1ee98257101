package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListTemplateFilter struct {
	IsActive  *bool
	ClientID  *snowflake.ID
	Frequency string
}

// DueQuery selects active templates with next_due_date <= AsOf.
// OwnerID of zero means every owner. Results are ordered by id and start
// after AfterID so a scan can page without revisiting rows.
type DueQuery struct {
	AsOf    time.Time
	OwnerID snowflake.ID
	AfterID snowflake.ID
	Limit   int
}

type TemplateStats struct {
	Total          int64 `json:"total_templates"`
	Active         int64 `json:"active_templates"`
	Inactive       int64 `json:"inactive_templates"`
	TotalGenerated int64 `json:"total_generated"`
	TotalFailed    int64 `json:"total_failed"`
	AutoSend       int64 `json:"auto_send_templates"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tmpl *RecurringTemplate) error
	Update(ctx context.Context, db *gorm.DB, tmpl *RecurringTemplate) error
	ReplaceItems(ctx context.Context, db *gorm.DB, templateID snowflake.ID, items []TemplateItem) error
	Delete(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*RecurringTemplate, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RecurringTemplate, error)
	List(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, filter ListTemplateFilter, page pagination.Pagination) ([]*RecurringTemplate, error)
	ListDue(ctx context.Context, db *gorm.DB, query DueQuery) ([]RecurringTemplate, error)
	SaveProgress(ctx context.Context, db *gorm.DB, tmpl *RecurringTemplate, expectedVersion int64) (bool, error)
	SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, now time.Time) error
	IncrementFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	Stats(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (TemplateStats, error)
}
