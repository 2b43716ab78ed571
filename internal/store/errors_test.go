package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreErrorSentinelMatching(t *testing.T) {
	err := NewDataError("get_document", "document not found", nil).WithCode("DOCUMENT_NOT_FOUND")

	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.NotErrorIs(t, err, ErrExtractionNotFound)
	assert.True(t, IsNotFound(err))

	dup := NewConstraintError("save_extraction", "duplicate", nil).WithCode("DUPLICATE_EXTERNAL_ID")
	assert.ErrorIs(t, dup, ErrDuplicateExternalID)
	assert.True(t, IsConstraintError(dup))
	assert.False(t, IsNotFound(dup))
}

func TestStoreErrorWrapsCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := NewQueryError("upsert_cache", "failed to upsert", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upsert_cache")
	assert.Contains(t, err.Error(), "disk I/O error")

	wrapped := fmt.Errorf("sync: %w", err)
	var se *StoreError
	require.True(t, errors.As(wrapped, &se))
	assert.Equal(t, ErrorTypeQuery, se.Type)
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, NewConnectionError("open", "refused", nil).IsRetryable())
	assert.False(t, NewDataError("get", "gone", nil).IsRetryable())
	assert.False(t, NewConstraintError("save", "dup", nil).IsRetryable())

	locked := NewQueryError("exec", "failed", errors.New("database is locked (5) (SQLITE_BUSY)"))
	assert.True(t, locked.IsRetryable())

	syntax := NewQueryError("exec", "failed", errors.New("near \"SELEC\": syntax error"))
	assert.False(t, syntax.IsRetryable())

	// Bare errors fall back to pattern matching.
	assert.True(t, IsRetryable(errors.New("connection refused")))
	assert.False(t, IsRetryable(errors.New("no such table")))
}

func TestWithDetail(t *testing.T) {
	err := NewConstraintError("schedule_job", "busy", nil).
		WithCode("JOB_ALREADY_QUEUED").
		WithDetail("document_id", int64(12345))

	assert.Equal(t, int64(12345), err.Details["document_id"])
	assert.ErrorIs(t, err, ErrJobAlreadyQueued)
}
