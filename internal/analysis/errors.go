package analysis

import (
	"fmt"
	"time"
)

// Stage names a step of a pipeline run.
type Stage string

const (
	StageRasterize        Stage = "rasterize"
	StageStagePages       Stage = "stage_pages"
	StageOCR              Stage = "ocr"
	StageExtractJob       Stage = "extract_job"
	StageExtractCandidate Stage = "extract_candidate"
	StageReconcile        Stage = "reconcile"
)

// ExtractStage returns the stage that extracts a record for the role.
func ExtractStage(role Role) Stage {
	if role == RoleJobDescription {
		return StageExtractJob
	}
	return StageExtractCandidate
}

// StageError annotates a fatal error with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// DocumentFormatError means the input could not be parsed as a paginated
// document. Page is zero when the whole document is unreadable.
type DocumentFormatError struct {
	Page int
	Err  error
}

func (e *DocumentFormatError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("document format: page %d: %v", e.Page, e.Err)
	}
	return fmt.Sprintf("document format: %v", e.Err)
}

func (e *DocumentFormatError) Unwrap() error { return e.Err }

// RecognitionError means one page could not be recognized.
type RecognitionError struct {
	Page int
	Err  error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition failed on page %d: %v", e.Page, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// ExtractionSchemaError means the model output did not conform to the record
// schema. Raw holds the offending output.
type ExtractionSchemaError struct {
	Role   Role
	Reason string
	Raw    string
	Err    error
}

func (e *ExtractionSchemaError) Error() string {
	msg := fmt.Sprintf("extraction schema (%s): %s", e.Role, e.Reason)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ExtractionSchemaError) Unwrap() error { return e.Err }

// ReconciliationError means the equivalence oracle failed for a category.
type ReconciliationError struct {
	Category Category
	Err      error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation of %s: %v", e.Category, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// TimeoutError means an external call exceeded its bound.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
