package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurbill/internal/invoice/domain"
	"github.com/smallbiznis/recurbill/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice) error {
	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(invoice).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateInvoiceNumber, invoice.InvoiceNumber)
		}
		return err
	}
	if len(invoice.Items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&invoice.Items).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, ownerID, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := tx.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("sort_order asc, id asc")
		}).
		Where("owner_id = ? AND id = ?", ownerID, id).
		Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) ListByTemplate(ctx context.Context, tx *gorm.DB, ownerID, templateID snowflake.ID, limit, offset int) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := tx.WithContext(ctx).
		Where("owner_id = ? AND template_id = ?", ownerID, templateID).
		Order("created_at desc, id desc").
		Limit(limit).
		Offset(offset).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) CountByTemplate(ctx context.Context, tx *gorm.DB, ownerID, templateID snowflake.ID) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("owner_id = ? AND template_id = ?", ownerID, templateID).
		Count(&count).Error
	return count, err
}

// NextSequence allocates the next invoice sequence value for the owner. It must
// run inside the caller's transaction so the sequence row stays locked until commit.
func (r *repo) NextSequence(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, now time.Time) (int64, error) {
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.InvoiceSequence{OwnerID: ownerID, LastValue: 0, UpdatedAt: now}).Error
	if err != nil {
		return 0, err
	}

	var seq domain.InvoiceSequence
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", ownerID).
		Take(&seq).Error
	if err != nil {
		return 0, err
	}

	next := seq.LastValue + 1
	err = tx.WithContext(ctx).
		Model(&domain.InvoiceSequence{}).
		Where("owner_id = ?", ownerID).
		Updates(map[string]any{"last_value": next, "updated_at": now}).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r *repo) InsertDelivery(ctx context.Context, tx *gorm.DB, delivery *domain.EmailDelivery) error {
	return tx.WithContext(ctx).Create(delivery).Error
}
