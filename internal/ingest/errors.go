package ingest

// errors.go defines the pipeline error taxonomy and the mapping from
// technical errors to user-facing messages with support codes.
//
// Per-row validation failures are not errors: they accumulate on the job
// record as RowError entries and never abort a job. Everything here aborts
// the job (status failed) or rejects an API call.

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned for extensions outside the allowed
	// set (.xlsx, .xls, .csv).
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrFileTooLarge is returned before any parsing when the upload
	// exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrEmptyInput is returned when a file yields zero data rows.
	ErrEmptyInput = errors.New("no data rows in file")

	// ErrTargetNotFound is returned when the upload path names a workspace
	// that does not exist.
	ErrTargetNotFound = errors.New("target workspace not found")

	// ErrInvalidPath is returned for upload paths that do not follow the
	// uploads/{tenant}/{workspace}/{job}_{timestamp}.{ext} convention.
	ErrInvalidPath = errors.New("malformed upload path")

	// ErrNotFound is returned for lookups of unknown jobs.
	ErrNotFound = errors.New("job not found")

	// ErrPermissionDenied is returned when the caller's tenant does not
	// match the job's tenant and the caller is not an operator.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrFailedPrecondition is returned for state transitions the job's
	// current status does not allow, e.g. cancelling a completed job.
	ErrFailedPrecondition = errors.New("job status does not allow this operation")
)

// PartitionWriteError is fatal to the whole partitioning attempt: a single
// chunk that cannot be spilled to blob storage aborts the job, and already
// written chunks are cleaned up best-effort.
type PartitionWriteError struct {
	PartitionID string
	Err         error
}

func (e *PartitionWriteError) Error() string {
	return fmt.Sprintf("write partition %s: %v", e.PartitionID, e.Err)
}

func (e *PartitionWriteError) Unwrap() error { return e.Err }

// WriteGroupError is fatal to the remaining job: a commit failure aborts
// processing rather than silently dropping rows.
type WriteGroupError struct {
	Group int
	Err   error
}

func (e *WriteGroupError) Error() string {
	return fmt.Sprintf("commit write group %d: %v", e.Group, e.Err)
}

func (e *WriteGroupError) Unwrap() error { return e.Err }

// UserMessage is a user-facing error with a support code clients can quote.
type UserMessage struct {
	Code    string
	Message string
	Action  string
}

// MapError translates a pipeline error into a user-facing message.
// Unrecognized errors get a generic internal message; the technical detail
// stays in the server logs.
func MapError(err error) UserMessage {
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		return UserMessage{
			Code:    "ING001",
			Message: "The file format is not supported.",
			Action:  "Upload an .xlsx, .xls or .csv file.",
		}
	case errors.Is(err, ErrFileTooLarge):
		return UserMessage{
			Code:    "ING002",
			Message: "The file exceeds the maximum allowed size.",
			Action:  "Split the file into smaller uploads.",
		}
	case errors.Is(err, ErrEmptyInput):
		return UserMessage{
			Code:    "ING003",
			Message: "The file contains no data rows.",
			Action:  "Check that the file has a header row followed by data.",
		}
	case errors.Is(err, ErrTargetNotFound):
		return UserMessage{
			Code:    "ING004",
			Message: "The target workspace does not exist.",
			Action:  "Verify the workspace before uploading again.",
		}
	case errors.Is(err, ErrInvalidPath):
		return UserMessage{
			Code:    "ING005",
			Message: "The upload path is malformed.",
			Action:  "Expected uploads/{tenant}/{workspace}/{job}_{timestamp}.{ext}.",
		}
	case errors.Is(err, ErrNotFound):
		return UserMessage{
			Code:    "ING006",
			Message: "No such job.",
			Action:  "Check the job ID.",
		}
	case errors.Is(err, ErrPermissionDenied):
		return UserMessage{
			Code:    "ING007",
			Message: "You do not have access to this job.",
		}
	case errors.Is(err, ErrFailedPrecondition):
		return UserMessage{
			Code:    "ING008",
			Message: "The job is in a state that does not allow this operation.",
			Action:  "Check the job status and retry if appropriate.",
		}
	case errors.Is(err, ErrTooManyJobs):
		return UserMessage{
			Code:    "ING009",
			Message: "Too many ingestion jobs are running.",
			Action:  "Try again in a few moments.",
		}
	default:
		return UserMessage{
			Code:    "ING999",
			Message: "An internal error occurred.",
			Action:  "Try again; quote this code to support if it persists.",
		}
	}
}
