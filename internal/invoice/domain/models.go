// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "DRAFT"
	InvoiceStatusSent  InvoiceStatus = "SENT"
	InvoiceStatusPaid  InvoiceStatus = "PAID"
	InvoiceStatusVoid  InvoiceStatus = "VOID"
)

// PaymentStatus tracks collection independently of the document lifecycle.
type PaymentStatus string

const (
	PaymentStatusUnpaid        PaymentStatus = "UNPAID"
	PaymentStatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentStatusPaid          PaymentStatus = "PAID"
)

// Invoice represents an issued or draft invoice.
// TemplateID is set when the invoice was materialized from a recurring template.
type Invoice struct {
	ID                  snowflake.ID      `gorm:"primaryKey" json:"id"`
	OwnerID             snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoices_owner_number,priority:1" json:"owner_id"`
	ClientID            snowflake.ID      `gorm:"not null;index" json:"client_id"`
	InvoiceNumber       string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_owner_number,priority:2" json:"invoice_number"`
	TemplateID          *snowflake.ID     `gorm:"index" json:"template_id,omitempty"`
	GeneratedByTemplate bool              `gorm:"not null" json:"generated_by_template"`
	Status              InvoiceStatus     `gorm:"type:text;not null;default:'DRAFT'" json:"status"`
	PaymentStatus       PaymentStatus     `gorm:"type:text;not null;default:'UNPAID'" json:"payment_status"`
	IssueDate           time.Time         `gorm:"type:date;not null" json:"issue_date"`
	DueDate             time.Time         `gorm:"type:date;not null" json:"due_date"`
	ScheduledFor        *time.Time        `gorm:"type:date" json:"scheduled_for,omitempty"`
	Subtotal            decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"subtotal"`
	TaxRate             decimal.Decimal   `gorm:"type:numeric(10,4);not null" json:"tax_rate"`
	TaxAmount           decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"tax_amount"`
	Discount            decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"discount"`
	TotalAmount         decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"total_amount"`
	Notes               string            `gorm:"type:text" json:"notes,omitempty"`
	Terms               string            `gorm:"type:text" json:"terms,omitempty"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	Items               []InvoiceItem     `gorm:"foreignKey:InvoiceID" json:"items,omitempty"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceItem represents a line on an invoice.
type InvoiceItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	OwnerID     snowflake.ID    `gorm:"not null;index" json:"owner_id"`
	InvoiceID   snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	Description string          `gorm:"type:text;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"quantity"`
	Rate        decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"rate"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"amount"`
	SortOrder   int             `gorm:"not null" json:"sort_order"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// InvoiceSequence holds the last allocated invoice number per owner.
type InvoiceSequence struct {
	OwnerID   snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	LastValue int64        `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

func (InvoiceSequence) TableName() string { return "invoice_sequences" }

type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "SENT"
	DeliveryStatusFailed DeliveryStatus = "FAILED"
)

// EmailDelivery records one outbound invoice notification attempt.
type EmailDelivery struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	OwnerID     snowflake.ID   `gorm:"not null;index" json:"owner_id"`
	InvoiceID   snowflake.ID   `gorm:"not null;index" json:"invoice_id"`
	TemplateID  *snowflake.ID  `gorm:"index" json:"template_id,omitempty"`
	TrackingID  string         `gorm:"type:text;not null;uniqueIndex" json:"tracking_id"`
	Recipient   string         `gorm:"type:text;not null" json:"recipient"`
	Subject     string         `gorm:"type:text;not null" json:"subject"`
	BodyPreview string         `gorm:"type:text" json:"body_preview,omitempty"`
	Status      DeliveryStatus `gorm:"type:text;not null" json:"status"`
	Error       string         `gorm:"type:text" json:"error,omitempty"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (EmailDelivery) TableName() string { return "invoice_email_deliveries" }
