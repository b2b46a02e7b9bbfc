package alloclog

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/report"
)

// Error kinds shared by every package. Use errors.Is to test for them.
var (
	ErrIO                 = model.ErrIO
	ErrSerialization      = model.ErrSerialization
	ErrCompression        = model.ErrCompression
	ErrCorruptedData      = model.ErrCorruptedData
	ErrValidationFailed   = model.ErrValidationFailed
	ErrUnsupportedFeature = model.ErrUnsupportedFeature
)

var (
	// ErrTimeout is returned when an export exceeds its wall-clock budget.
	ErrTimeout = errors.New("export timed out")

	// ErrAllReportsFailed is returned when recovery could not write a single report.
	ErrAllReportsFailed = errors.New("all reports failed")

	// ErrClosed is returned by an Exporter after Close.
	ErrClosed = errors.New("exporter closed")
)

// TimeoutError reports an export that exceeded its budget.
//
// errors.Is(err, ErrTimeout) holds, and the context error can be reached via
// errors.Unwrap.
type TimeoutError struct {
	Path    string
	Timeout time.Duration
	Elapsed time.Duration
	cause   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("export of %s timed out after %s (budget %s)", e.Path, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

func (e *TimeoutError) Unwrap() []error { return []error{ErrTimeout, e.cause} }

// ReportError is the failure of a single report.
type ReportError struct {
	Report report.Type
	Err    error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("report %s: %v", e.Report, e.Err)
}

func (e *ReportError) Unwrap() error { return e.Err }

// RecoveryError is returned when recovery failed for every report.
// errors.Is(err, ErrAllReportsFailed) holds, as does errors.Is against the
// cause of any individual failure.
type RecoveryError struct {
	// Primary is the failure that triggered recovery.
	Primary  error
	Failures []*ReportError
}

func (e *RecoveryError) Error() string {
	if e.Primary == nil {
		return fmt.Sprintf("%v: %d report(s) failed, first: %v", ErrAllReportsFailed, len(e.Failures), e.Failures[0])
	}
	return fmt.Sprintf("%v after %v: %d report(s) failed, first: %v", ErrAllReportsFailed, e.Primary, len(e.Failures), e.Failures[0])
}

func (e *RecoveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrAllReportsFailed)
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
