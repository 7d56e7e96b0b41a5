package app

import (
	"errors"
	"fmt"
	"net/http"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/engine"
	"chronicle/changerequest/internal/export"
	"chronicle/changerequest/internal/version"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates engine and store errors into HTTP responses. The
// order matters: conflict errors also match ErrMergeRequired.
func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr  *DomainError
		unresolved *changerequest.UnresolvedConflictError
		required   *changerequest.MergeRequiredError
		concurrent *changerequest.ConcurrentModificationError
		malformed  *version.MalformedTokenError
		storeIO    *changerequest.StoreIOError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.As(err, &unresolved):
		return http.StatusConflict, "UNRESOLVED_CONFLICTS", "File change has unresolved conflicts", map[string]any{
			"fileChangeId": unresolved.FileChangeID,
			"references":   unresolved.References,
		}
	case errors.As(err, &required):
		return http.StatusConflict, "MERGE_REQUIRED", "File change must be rebased before commit", map[string]any{
			"fileChangeId": required.Cause.FileChangeID,
			"baseline":     required.Cause.Baseline,
			"published":    required.Cause.Published,
		}
	case errors.As(err, &concurrent):
		return http.StatusConflict, "CONCURRENT_MODIFICATION", "Document changed during commit", map[string]any{
			"target":   concurrent.Target,
			"expected": concurrent.Expected,
			"actual":   concurrent.Actual,
		}
	case errors.Is(err, changerequest.ErrSupersededFileChange):
		return http.StatusGone, "SUPERSEDED", "File change is superseded by a later file change", nil
	case errors.Is(err, changerequest.ErrChangeRequestNotFound),
		errors.Is(err, changerequest.ErrFileChangeNotFound),
		errors.Is(err, document.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, changerequest.ErrChangeRequestClosed):
		return http.StatusConflict, "CHANGE_REQUEST_CLOSED", "Change request is closed", nil
	case errors.Is(err, changerequest.ErrInvalidStatusTransition):
		return http.StatusConflict, "INVALID_STATUS_TRANSITION", err.Error(), nil
	case errors.Is(err, changerequest.ErrFileChangeImmutable):
		return http.StatusConflict, "FILE_CHANGE_IMMUTABLE", "File change already saved", nil
	case errors.Is(err, engine.ErrInvalidInput), errors.As(err, &malformed), errors.Is(err, version.ErrNotPublished):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "INVALID_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available", nil
	case errors.As(err, &storeIO):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
