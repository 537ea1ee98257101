package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/recurbill/internal/invoice/domain"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	"github.com/smallbiznis/recurbill/pkg/db/pagination"
)

type ItemInput struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Rate        decimal.Decimal `json:"rate"`
}

type CreateRequest struct {
	ClientID         string
	Name             string
	Frequency        string
	Interval         int
	DayOfWeek        *int
	DayOfMonth       *int
	StartDate        time.Time
	EndDate          *time.Time
	OccurrencesLimit *int
	IsActive         *bool
	AutoSend         bool
	EmailSubject     string
	EmailMessage     string
	Items            []ItemInput
}

// UpdateRequest carries partial updates; nil fields are left unchanged.
type UpdateRequest struct {
	ClientID         *string
	Name             *string
	Frequency        *string
	Interval         *int
	DayOfWeek        *int
	DayOfMonth       *int
	StartDate        *time.Time
	EndDate          *time.Time
	OccurrencesLimit *int
	IsActive         *bool
	AutoSend         *bool
	EmailSubject     *string
	EmailMessage     *string
	Items            *[]ItemInput
}

type ListRequest struct {
	PageToken string
	PageSize  int32
	IsActive  *bool
	ClientID  string
	Frequency string
}

type ListResponse struct {
	pagination.PageInfo
	Templates []RecurringTemplate `json:"templates"`
}

type PreviewRuleRequest struct {
	Rule             recurrence.Rule
	StartDate        time.Time
	EndDate          *time.Time
	OccurrencesLimit *int
	Count            int
}

type PreviewResponse struct {
	TemplateID  string      `json:"template_id,omitempty"`
	Description string      `json:"description"`
	Dates       []time.Time `json:"dates"`
}

type HistoryRequest struct {
	Limit  int
	Offset int
}

type HistoryResponse struct {
	TemplateID string                  `json:"template_id"`
	Total      int64                   `json:"total"`
	Invoices   []invoicedomain.Invoice `json:"invoices"`
}

// NotificationStatus tags the outcome of the notification step, which is
// independent of materialization.
type NotificationStatus string

const (
	NotificationSent    NotificationStatus = "sent"
	NotificationSkipped NotificationStatus = "skipped"
	NotificationFailed  NotificationStatus = "failed"
)

type NotificationResult struct {
	Status     NotificationStatus `json:"status"`
	Recipient  string             `json:"recipient,omitempty"`
	TrackingID string             `json:"tracking_id,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Err        error              `json:"-"`
}

type MaterializeResult struct {
	Invoice  *invoicedomain.Invoice
	Template *RecurringTemplate
}

type GenerateResult struct {
	Invoice      *invoicedomain.Invoice `json:"invoice"`
	Template     *RecurringTemplate     `json:"template"`
	Notification NotificationResult     `json:"notification"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*RecurringTemplate, error)
	Get(ctx context.Context, id string) (*RecurringTemplate, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Update(ctx context.Context, id string, req UpdateRequest) (*RecurringTemplate, error)
	Delete(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string) (*RecurringTemplate, error)
	Preview(ctx context.Context, id string, count int) (*PreviewResponse, error)
	PreviewRule(ctx context.Context, req PreviewRuleRequest) (*PreviewResponse, error)
	History(ctx context.Context, id string, req HistoryRequest) (*HistoryResponse, error)
	Stats(ctx context.Context) (TemplateStats, error)
	GenerateNow(ctx context.Context, id string) (*GenerateResult, error)

	ListDue(ctx context.Context, query DueQuery) ([]RecurringTemplate, error)
	Materialize(ctx context.Context, templateID snowflake.ID, asOf time.Time) (*MaterializeResult, error)
	Deactivate(ctx context.Context, templateID snowflake.ID) error
	RecordFailure(ctx context.Context, templateID snowflake.ID) error
	Notify(ctx context.Context, tmpl *RecurringTemplate, invoice *invoicedomain.Invoice) NotificationResult
}

var (
	ErrInvalidOwner        = errors.New("invalid_owner")
	ErrInvalidID           = errors.New("invalid_id")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidClient       = errors.New("invalid_client")
	ErrInvalidItem         = errors.New("invalid_item")
	ErrInvalidCount        = errors.New("invalid_count")
	ErrInvalidPagination   = errors.New("invalid_pagination")
	ErrNoItems             = errors.New("no_items")
	ErrClientNotFound      = errors.New("client_not_found")
	ErrTemplateNotFound    = errors.New("template_not_found")
	ErrTemplateInactive    = errors.New("template_inactive")
	ErrAlreadyProcessed    = errors.New("already_processed")
	ErrInvalidRecurrence   = errors.New("invalid_recurrence")
	ErrNotificationFailure = errors.New("notification_failed")
)

// RecurrenceError carries every validation violation of a rule.
type RecurrenceError struct {
	Violations []string
}

func (e *RecurrenceError) Error() string {
	return fmt.Sprintf("invalid recurrence configuration: %s", strings.Join(e.Violations, "; "))
}

func (e *RecurrenceError) Unwrap() error {
	return ErrInvalidRecurrence
}
