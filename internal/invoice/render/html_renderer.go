package render

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const emailHTMLTemplate = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Invoice {{.InvoiceNumber}}</title>
</head>
<body style="margin: 0; padding: 24px; font-family: Arial, Helvetica, sans-serif; color: #1a1f36; background: #f7f9fc;">
  <div style="max-width: 640px; margin: 0 auto; padding: 32px; background: #ffffff; border-radius: 4px;">
    <p>Dear {{.ClientName}},</p>
    {{range paragraphs .Message}}<p>{{.}}</p>
    {{end}}
    <table cellpadding="4" style="border-collapse: collapse; margin: 16px 0;">
      <tr><td style="color: #697386;">Invoice number</td><td><strong>{{.InvoiceNumber}}</strong></td></tr>
      <tr><td style="color: #697386;">Date issued</td><td>{{formatDate .IssueDate}}</td></tr>
      <tr><td style="color: #697386;">Amount due</td><td><strong>{{formatMoney .Total}}</strong></td></tr>
      <tr><td style="color: #697386;">Due date</td><td>{{formatDate .DueDate}}</td></tr>
    </table>
    {{if .Items}}
    <table cellpadding="6" style="width: 100%; border-collapse: collapse; font-size: 14px;">
      <thead>
        <tr style="text-align: left; color: #8792a2; font-size: 11px; text-transform: uppercase;">
          <th>Description</th><th style="text-align: right;">Qty</th><th style="text-align: right;">Rate</th><th style="text-align: right;">Amount</th>
        </tr>
      </thead>
      <tbody>
        {{range .Items}}
        <tr style="border-top: 1px solid #e3e8ee;">
          <td>{{.Description}}</td>
          <td style="text-align: right;">{{formatQuantity .Quantity}}</td>
          <td style="text-align: right;">{{formatMoney .Rate}}</td>
          <td style="text-align: right;">{{formatMoney .Amount}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    <table cellpadding="4" style="margin-left: auto; font-size: 14px;">
      <tr><td style="color: #697386;">Subtotal</td><td style="text-align: right;">{{formatMoney .Subtotal}}</td></tr>
      <tr><td style="color: #697386;">Tax ({{.TaxRate.String}}%)</td><td style="text-align: right;">{{formatMoney .TaxAmount}}</td></tr>
      <tr><td><strong>Total</strong></td><td style="text-align: right;"><strong>{{formatMoney .Total}}</strong></td></tr>
    </table>
    {{end}}
    {{if .Terms}}<p style="font-size: 12px; color: #8792a2;">{{.Terms}}</p>{{end}}
    <p>{{.CompanyName}}</p>
  </div>
</body>
</html>
`

const defaultCompanyName = "Accounts team"

type HTMLRenderer struct {
	tpl *template.Template
}

func NewRenderer() Renderer {
	funcs := template.FuncMap{
		"formatMoney":    formatMoney,
		"formatDate":     formatDate,
		"formatQuantity": formatQuantity,
		"paragraphs":     Paragraphs,
	}
	return &HTMLRenderer{
		tpl: template.Must(template.New("invoice_email").Funcs(funcs).Parse(emailHTMLTemplate)),
	}
}

func (r *HTMLRenderer) RenderEmail(input EmailInput) (string, error) {
	if strings.TrimSpace(input.CompanyName) == "" {
		input.CompanyName = defaultCompanyName
	}

	var buf bytes.Buffer
	if err := r.tpl.Execute(&buf, input); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Paragraphs splits a free-text message on blank lines.
func Paragraphs(message string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(message, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatMoney(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// Dates go out as dd/mm/yyyy.
func formatDate(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format("02/01/2006")
}

func formatQuantity(value decimal.Decimal) string {
	return value.String()
}
