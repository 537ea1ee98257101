// Package render builds the HTML body of invoice notification emails.
package render

import (
	"time"

	"github.com/shopspring/decimal"
)

type Renderer interface {
	RenderEmail(input EmailInput) (string, error)
}

type EmailInput struct {
	ClientName    string
	CompanyName   string
	InvoiceNumber string
	IssueDate     time.Time
	DueDate       time.Time
	Message       string
	Items         []EmailItem
	Subtotal      decimal.Decimal
	TaxRate       decimal.Decimal
	TaxAmount     decimal.Decimal
	Total         decimal.Decimal
	Terms         string
}

type EmailItem struct {
	Description string
	Quantity    decimal.Decimal
	Rate        decimal.Decimal
	Amount      decimal.Decimal
}
