package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
)

// Stage names where a template failed during a run.
const (
	StageDeactivate  = "deactivate"
	StageMaterialize = "materialize"
	StageNotify      = "notify"
)

type GeneratedInvoice struct {
	TemplateID    snowflake.ID `json:"template_id"`
	TemplateName  string       `json:"template_name"`
	InvoiceID     snowflake.ID `json:"invoice_id"`
	InvoiceNumber string       `json:"invoice_number"`
}

type Failure struct {
	TemplateID   snowflake.ID
	TemplateName string
	Stage        string
	Err          error
}

func (f Failure) Error() string {
	return fmt.Sprintf("template %s (%s) failed at %s: %v", f.TemplateID, f.TemplateName, f.Stage, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		TemplateID   string `json:"template_id"`
		TemplateName string `json:"template_name"`
		Stage        string `json:"stage"`
		Error        string `json:"error"`
	}{
		TemplateID:   f.TemplateID.String(),
		TemplateName: f.TemplateName,
		Stage:        f.Stage,
		Error:        msg,
	})
}

type RunResult struct {
	RunID         string                            `json:"run_id"`
	AsOf          time.Time                         `json:"as_of"`
	OwnerID       snowflake.ID                      `json:"owner_id,omitempty"`
	Generated     []GeneratedInvoice                `json:"generated"`
	Failures      []Failure                         `json:"failures"`
	Skipped       int                               `json:"skipped"`
	Deactivated   int                               `json:"deactivated"`
	Notifications map[domain.NotificationStatus]int `json:"notifications"`
}

func newRunResult(asOf time.Time, ownerID snowflake.ID) RunResult {
	return RunResult{
		AsOf:          asOf,
		OwnerID:       ownerID,
		Generated:     []GeneratedInvoice{},
		Failures:      []Failure{},
		Notifications: map[domain.NotificationStatus]int{},
	}
}

func (r *RunResult) addFailure(tmpl *domain.RecurringTemplate, stage string, err error) {
	r.Failures = append(r.Failures, Failure{
		TemplateID:   tmpl.ID,
		TemplateName: tmpl.Name,
		Stage:        stage,
		Err:          err,
	})
}

func (r RunResult) Summary() string {
	return fmt.Sprintf("Generated %d invoices, %d failures", len(r.Generated), len(r.Failures))
}
