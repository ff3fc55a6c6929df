package pipeline

import (
	"context"
	"errors"

	"github.com/smukkama/ecostress-pipeline/internal/appeears"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/filter"
	"github.com/smukkama/ecostress-pipeline/internal/raster"
	"github.com/smukkama/ecostress-pipeline/internal/storage"
)

var (
	ErrUnmappedRegion    = errors.New("region id not in region list")
	ErrTaskReportedError = errors.New("provider reported task error")
	ErrPollExhausted     = errors.New("task polling exhausted")
	ErrManifestFetch     = errors.New("manifest fetch failed")
	ErrDispatch          = errors.New("scene dispatch failed")
	ErrDownload          = errors.New("scene download failed")
	ErrInvalidWindow     = errors.New("invalid date window")
)

// Ledger error codes
const (
	CodeAuthFailure         = "auth_failure"
	CodeSubmissionFailure   = "task_submission_failure"
	CodeTaskReportedError   = "task_reported_error"
	CodePollExhausted       = "poll_exhausted"
	CodeManifestFetch       = "manifest_fetch_failure"
	CodeDispatch            = "dispatch_failure"
	CodeDownload            = "download_failure"
	CodeUnknownRegion       = "unknown_region"
	CodeMissingLayer        = "missing_layer"
	CodeShapeMismatch       = "shape_mismatch"
	CodeMissingGeoreference = "missing_georeference"
	CodeRasterRead          = "raster_read_failure"
	CodeSparseRaw           = "skipped_too_sparse_raw"
	CodeSparseFiltered      = "skipped_too_sparse_filtered"
	CodeStorageWrite        = "storage_write_failure"
	CodeLedger              = "ledger_failure"
	CodeCancelled           = "cancelled"
	CodeInternal            = "internal_error"
)

// CodeOf maps an error to its stable ledger code
func CodeOf(err error) string {
	var sparse *filter.SparseError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sparse):
		if sparse.Stage == filter.StageRaw {
			return CodeSparseRaw
		}
		return CodeSparseFiltered
	case errors.Is(err, appeears.ErrAuthentication):
		return CodeAuthFailure
	case errors.Is(err, appeears.ErrTaskSubmission):
		return CodeSubmissionFailure
	case errors.Is(err, ErrTaskReportedError):
		return CodeTaskReportedError
	case errors.Is(err, ErrPollExhausted):
		return CodePollExhausted
	case errors.Is(err, ErrManifestFetch):
		return CodeManifestFetch
	case errors.Is(err, ErrDispatch):
		return CodeDispatch
	case errors.Is(err, ErrDownload):
		return CodeDownload
	case errors.Is(err, ErrUnmappedRegion):
		return CodeUnknownRegion
	case errors.Is(err, filter.ErrMissingLayer):
		return CodeMissingLayer
	case errors.Is(err, filter.ErrShapeMismatch):
		return CodeShapeMismatch
	case errors.Is(err, filter.ErrNoGeoreference):
		return CodeMissingGeoreference
	case errors.Is(err, raster.ErrNotRaster), errors.Is(err, raster.ErrUnsupported):
		return CodeRasterRead
	case errors.Is(err, storage.ErrStorageWrite):
		return CodeStorageWrite
	case errors.Is(err, database.ErrFeatureMissing),
		errors.Is(err, database.ErrJobConflict),
		errors.Is(err, database.ErrJobNotStarted):
		return CodeLedger
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
