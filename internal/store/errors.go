package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors grouped by concern.
var (
	// Configuration errors
	ErrMissingPath         = errors.New("database path is required")
	ErrMissingHost         = errors.New("database host is required")
	ErrMissingDatabase     = errors.New("database name is required")
	ErrMissingUsername     = errors.New("database username is required")
	ErrInvalidPort         = errors.New("invalid database port")
	ErrInvalidDriver       = errors.New("invalid database driver")
	ErrInvalidMaxConns     = errors.New("max open connections must be >= 0")
	ErrInvalidTimeout      = errors.New("timeout must be positive")
	ErrInvalidMaxRetries   = errors.New("max retries must be >= 0")
	ErrInvalidRetryDelay   = errors.New("retry delay must be >= 0")
	ErrInvalidRetryMaxWait = errors.New("retry max delay must be >= retry delay")

	// Connection errors
	ErrDatabaseClosed   = errors.New("database connection is closed")
	ErrConnectionFailed = errors.New("failed to connect to database")

	// Transaction errors
	ErrTransactionClosed = errors.New("transaction is closed")

	// Data errors
	ErrDocumentNotFound    = errors.New("document not found")
	ErrExtractionNotFound  = errors.New("extraction not found")
	ErrImportNotFound      = errors.New("import not found")
	ErrTransactionNotFound = errors.New("cached transaction not found")
	ErrProposalNotFound    = errors.New("proposal not found")
	ErrRunNotFound         = errors.New("interpretation run not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrMappingNotFound     = errors.New("vendor mapping not found")

	// Constraint errors
	ErrDuplicateExternalID = errors.New("external id already exists")
	ErrDuplicateProposal   = errors.New("active proposal already exists for pair")
	ErrJobAlreadyQueued    = errors.New("document already has a non-terminal job")
	ErrJobNotPending       = errors.New("job is not in pending state")
	ErrJobTerminal         = errors.New("job is in a terminal state")
	ErrConstraintViolation = errors.New("database constraint violation")

	// Schema errors
	ErrMigrationFailed = errors.New("database migration failed")
)

// ErrorType categorises store errors.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeData
	ErrorTypeConstraint
	ErrorTypeQuery
	ErrorTypeSchema
)

// StoreError carries a categorised error with the failing operation.
type StoreError struct {
	Type      ErrorType              `json:"type"`
	Operation string                 `json:"operation"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"cause,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is matches either another StoreError with the same type and message,
// or a known sentinel by code.
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(*StoreError); ok {
		return e.Message == se.Message && e.Type == se.Type
	}

	switch target {
	case ErrDocumentNotFound:
		return e.Type == ErrorTypeData && e.Code == "DOCUMENT_NOT_FOUND"
	case ErrExtractionNotFound:
		return e.Type == ErrorTypeData && e.Code == "EXTRACTION_NOT_FOUND"
	case ErrImportNotFound:
		return e.Type == ErrorTypeData && e.Code == "IMPORT_NOT_FOUND"
	case ErrTransactionNotFound:
		return e.Type == ErrorTypeData && e.Code == "TRANSACTION_NOT_FOUND"
	case ErrProposalNotFound:
		return e.Type == ErrorTypeData && e.Code == "PROPOSAL_NOT_FOUND"
	case ErrJobNotFound:
		return e.Type == ErrorTypeData && e.Code == "JOB_NOT_FOUND"
	case ErrDuplicateExternalID:
		return e.Type == ErrorTypeConstraint && e.Code == "DUPLICATE_EXTERNAL_ID"
	case ErrJobAlreadyQueued:
		return e.Type == ErrorTypeConstraint && e.Code == "JOB_ALREADY_QUEUED"
	case ErrJobNotPending:
		return e.Type == ErrorTypeConstraint && e.Code == "JOB_NOT_PENDING"
	case ErrJobTerminal:
		return e.Type == ErrorTypeConstraint && e.Code == "JOB_TERMINAL"
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection && e.Code == "CONNECTION_FAILED"
	case ErrTransactionClosed:
		return e.Type == ErrorTypeTransaction && e.Code == "TRANSACTION_CLOSED"
	}

	return false
}

// WithDetail adds a detail entry to the error.
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCode sets the error code.
func (e *StoreError) WithCode(code string) *StoreError {
	e.Code = code
	return e
}

// IsRetryable returns whether the error is retryable.
func (e *StoreError) IsRetryable() bool {
	return e.Retryable
}

// NewStoreError creates a StoreError.
func NewStoreError(errorType ErrorType, operation, message string, cause error) *StoreError {
	return &StoreError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: retryableForType(errorType, cause),
	}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConfiguration, operation, message, cause)
}

// NewConnectionError creates a connection error.
func NewConnectionError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConnection, operation, message, cause)
}

// NewTransactionError creates a transaction error.
func NewTransactionError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeTransaction, operation, message, cause)
}

// NewDataError creates a data error.
func NewDataError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeData, operation, message, cause)
}

// NewConstraintError creates a constraint error.
func NewConstraintError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConstraint, operation, message, cause)
}

// NewQueryError creates a query error.
func NewQueryError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeQuery, operation, message, cause)
}

// NewSchemaError creates a schema error.
func NewSchemaError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeSchema, operation, message, cause)
}

func retryableForType(errorType ErrorType, cause error) bool {
	switch errorType {
	case ErrorTypeConnection:
		return true
	case ErrorTypeTransaction, ErrorTypeQuery:
		if cause == nil {
			return false
		}
		s := strings.ToLower(cause.Error())
		return strings.Contains(s, "locked") ||
			strings.Contains(s, "busy") ||
			strings.Contains(s, "deadlock") ||
			strings.Contains(s, "timeout")
	default:
		return false
	}
}

// IsNotFound reports whether err resolves to any of the not-found
// sentinels.
func IsNotFound(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Type == ErrorTypeData && strings.HasSuffix(se.Code, "_NOT_FOUND")
	}
	for _, sentinel := range []error{
		ErrDocumentNotFound, ErrExtractionNotFound, ErrImportNotFound,
		ErrTransactionNotFound, ErrProposalNotFound, ErrRunNotFound,
		ErrJobNotFound, ErrMappingNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsConstraintError checks if an error is a constraint error.
func IsConstraintError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Type == ErrorTypeConstraint
}

// IsConnectionError checks if an error is a connection error.
func IsConnectionError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Type == ErrorTypeConnection
}

// IsTransactionError checks if an error is a transaction error.
func IsTransactionError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Type == ErrorTypeTransaction
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}

	if err != nil {
		s := strings.ToLower(err.Error())
		for _, pattern := range []string{
			"connection refused",
			"connection reset",
			"database is locked",
			"database table is locked",
			"deadlock",
			"busy",
			"timeout",
		} {
			if strings.Contains(s, pattern) {
				return true
			}
		}
	}

	return false
}

// WrapError classifies err by message and wraps it with the operation.
func WrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var se *StoreError
	if errors.As(err, &se) {
		wrapped := *se
		wrapped.Operation = operation
		return &wrapped
	}

	s := strings.ToLower(err.Error())
	var errorType ErrorType
	var retryable bool

	switch {
	case strings.Contains(s, "connection") || strings.Contains(s, "connect"):
		errorType = ErrorTypeConnection
		retryable = true
	case strings.Contains(s, "deadlock") || strings.Contains(s, "locked") || strings.Contains(s, "busy"):
		errorType = ErrorTypeTransaction
		retryable = true
	case strings.Contains(s, "constraint") || strings.Contains(s, "duplicate") || strings.Contains(s, "unique"):
		errorType = ErrorTypeConstraint
	case strings.Contains(s, "not found") || strings.Contains(s, "no rows"):
		errorType = ErrorTypeData
	case strings.Contains(s, "syntax") || strings.Contains(s, "invalid"):
		errorType = ErrorTypeQuery
	case strings.Contains(s, "table") || strings.Contains(s, "column") || strings.Contains(s, "schema") || strings.Contains(s, "migration"):
		errorType = ErrorTypeSchema
	default:
		errorType = ErrorTypeUnknown
	}

	return &StoreError{
		Type:      errorType,
		Operation: operation,
		Message:   err.Error(),
		Cause:     err,
		Retryable: retryable,
	}
}
