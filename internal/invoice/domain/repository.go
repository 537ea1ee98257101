package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*Invoice, error)
	ListByTemplate(ctx context.Context, db *gorm.DB, ownerID, templateID snowflake.ID, limit, offset int) ([]Invoice, error)
	CountByTemplate(ctx context.Context, db *gorm.DB, ownerID, templateID snowflake.ID) (int64, error)
	NextSequence(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, now time.Time) (int64, error)
	InsertDelivery(ctx context.Context, db *gorm.DB, delivery *EmailDelivery) error
}

var (
	ErrNotFound               = errors.New("invoice_not_found")
	ErrDuplicateInvoiceNumber = errors.New("duplicate_invoice_number")
)
