// Package validate ships the default domain validator wired behind the
// pipeline's Validator interface. The rules here are the baseline checks a
// compliance record must pass before review; deployments substitute their
// own implementation without touching the pipeline.
package validate

import (
	"context"
	"fmt"

	"github.com/meridianhq/ingest/internal/ingest"
)

// Rules is the baseline record validator.
type Rules struct {
	// CashFollowupAmount is the cash-operation amount above which a record
	// requires manual followup.
	CashFollowupAmount float64
}

// New creates the validator with its default thresholds.
func New() *Rules {
	return &Rules{CashFollowupAmount: 10000}
}

// Validate checks one canonical record. Field-level problems make the row
// invalid; a row whose client cannot be identified at all is blocked, the
// stricter bucket.
func (r *Rules) Validate(_ context.Context, rec ingest.Record, _ int) (ingest.Verdict, error) {
	var v ingest.Verdict

	if rec.Client.DocumentID == "" {
		v.IsBlocked = true
		v.Errors = append(v.Errors, "client document number is required")
	}
	if rec.Client.FullName == "" {
		v.Errors = append(v.Errors, "client name is required")
	}
	if rec.Operation.Type == "" {
		v.Errors = append(v.Errors, "operation type is required")
	}
	if rec.Operation.Amount <= 0 {
		v.Errors = append(v.Errors, fmt.Sprintf("operation amount must be positive, got %v", rec.Operation.Amount))
	}
	if len(rec.Operation.Currency) != 3 {
		v.Errors = append(v.Errors, fmt.Sprintf("currency must be a 3-letter code, got %q", rec.Operation.Currency))
	}
	if rec.Operation.Date == "" {
		v.Errors = append(v.Errors, "operation date is missing or unparseable")
	}

	if rec.Client.PEP {
		v.RequiresFollowup = true
		v.Warnings = append(v.Warnings, "client is a politically exposed person")
	}
	if rec.Operation.Cash && rec.Operation.Amount > r.CashFollowupAmount {
		v.RequiresFollowup = true
		v.Warnings = append(v.Warnings, fmt.Sprintf("cash operation above %v requires followup", r.CashFollowupAmount))
	}
	if rec.Counterparty != nil && rec.Counterparty.DocumentID == "" && rec.Counterparty.FullName == "" {
		v.Warnings = append(v.Warnings, "counterparty present but unidentified")
	}

	v.IsValid = len(v.Errors) == 0 && !v.IsBlocked
	v.HasWarnings = len(v.Warnings) > 0
	return v, nil
}
