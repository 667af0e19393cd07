package storage

import (
	"fmt"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
)

type StorageErrorCause string

const (
	ErrCauseOpenFailed       StorageErrorCause = "failed to open database"
	ErrCauseSchemaFailed     StorageErrorCause = "failed to apply schema"
	ErrCauseWriteFailure     StorageErrorCause = "write failed"
	ErrCauseConstraintViolated StorageErrorCause = "constraint violated"
	ErrCauseQueryFailed      StorageErrorCause = "query failed"
)

type StorageError struct {
	Message   string
	Retryable bool
	Cause     StorageErrorCause
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %s", e.Cause, e.Message)
}

func (e *StorageError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// mapStorageErrorToMetadataCause maps storage-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapStorageErrorToMetadataCause(err *StorageError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseOpenFailed, ErrCauseSchemaFailed, ErrCauseWriteFailure, ErrCauseQueryFailed:
		return metadata.CauseStorageFailure
	case ErrCauseConstraintViolated:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
