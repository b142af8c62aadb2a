package ingest

// validate.go is the thin adapter between the pipeline and the external
// domain validator: it runs the validator per row and folds the verdict
// into the pipeline's row outcome taxonomy.

import "context"

// RowOutcome is the pipeline's classification of one validated row.
type RowOutcome int

const (
	OutcomeValid RowOutcome = iota
	OutcomeInvalid
	OutcomeBlocked
)

// validatorAdapter wraps the external Validator. Its only responsibilities
// are shape translation and outcome classification; the business rules stay
// inside the validator.
type validatorAdapter struct {
	v Validator
}

// validateRow returns the row's outcome plus the verdict it derives from.
// A validator transport error is returned as-is and aborts the job; row
// rejections are outcomes, not errors.
func (a validatorAdapter) validateRow(ctx context.Context, rr RowRecord) (RowOutcome, Verdict, error) {
	verdict, err := a.v.Validate(ctx, rr.Record, rr.Row)
	if err != nil {
		return OutcomeInvalid, Verdict{}, err
	}
	return classify(verdict), verdict, nil
}

// classify folds a verdict into the outcome taxonomy. Blocked is the
// stricter bucket and wins over plain invalidity.
func classify(v Verdict) RowOutcome {
	if v.IsBlocked {
		return OutcomeBlocked
	}
	if !v.IsValid {
		return OutcomeInvalid
	}
	return OutcomeValid
}
