// Package errs defines the structured error model shared by every component.
//
// Errors carry a stable code of the form <COMPONENT>_<CATEGORY>_<NNN>.
// Retryability and recovery behaviour are properties of the code, not of the
// call site, so retry policies can be attached uniformly.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies an error by origin.
type Category string

const (
	CategoryValidation Category = "validation" // caller input or config
	CategoryBusiness   Category = "business"   // rule not found, duplicate key, corrupt data
	CategorySystem     Category = "system"     // memory, timeout, rate limit
	CategoryExternal   Category = "external"   // cache/DB/provider/network
)

// Component prefixes used in error codes.
const (
	ComponentStorage     = "STORAGE"
	ComponentDataMapper  = "DATA_MAPPER"
	ComponentSymbolTrans = "SYMBOL_TRANSFORMER"
	ComponentSmartCache  = "SMART_CACHE"
	ComponentStreamCache = "STREAM_CACHE"
)

// Well-known codes referenced across packages.
const (
	CodeStorageTimeout        = "STORAGE_SYSTEM_001"
	CodeStorageUnavailable    = "STORAGE_EXTERNAL_001"
	CodeStorageSerialization  = "STORAGE_SYSTEM_002"
	CodeStorageKeyTooLong     = "STORAGE_VALIDATION_001"
	CodeStorageScanFailed     = "STORAGE_EXTERNAL_002"
	CodeMapperRuleNotFound    = "DATA_MAPPER_BUSINESS_001"
	CodeMapperInvalidFormat   = "DATA_MAPPER_VALIDATION_001"
	CodeMapperDangerousPath   = "DATA_MAPPER_VALIDATION_002"
	CodeMapperBatchExceeded   = "DATA_MAPPER_VALIDATION_003"
	CodeMapperCustomTransform = "DATA_MAPPER_VALIDATION_004"
	CodeSymbolInvalidFormat   = "SYMBOL_TRANSFORMER_VALIDATION_001"
	CodeSymbolNotMapped       = "SYMBOL_TRANSFORMER_BUSINESS_001"
	CodeSymbolStoreFailed     = "SYMBOL_TRANSFORMER_EXTERNAL_001"
	CodeSmartCacheTimeout     = "SMART_CACHE_SYSTEM_001"
	CodeSmartCacheFetchFailed = "SMART_CACHE_EXTERNAL_001"
	CodeSmartCacheOverloaded  = "SMART_CACHE_SYSTEM_002"
	CodeStreamSubInvalid      = "STREAM_CACHE_VALIDATION_001"
	CodeStreamRecoveryWindow  = "STREAM_CACHE_VALIDATION_002"
	CodeStreamDispatchFailed  = "STREAM_CACHE_EXTERNAL_001"
	CodeStreamCircuitOpen     = "STREAM_CACHE_SYSTEM_001"
	CodeStreamProviderError   = "STREAM_CACHE_EXTERNAL_002"
	CodeDataCorrupted         = "STORAGE_BUSINESS_001"
)

// fatal codes are never retried and require alerting regardless of category.
var fatalCodes = map[string]bool{
	CodeDataCorrupted:       true,
	CodeMapperDangerousPath: true,
}

// AppError is the structured error returned by every failed operation.
type AppError struct {
	Code      string         `json:"code"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`

	cause error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// WithContext attaches a key/value pair for diagnostics. Returns the receiver
// for chaining.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an AppError; category and retryability derive from the code.
func New(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Retryable: retryableByCode(code),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code, message string) *AppError {
	e := New(code, message)
	e.cause = err
	return e
}

func categoryOf(code string) Category {
	switch {
	case strings.Contains(code, "_VALIDATION_"):
		return CategoryValidation
	case strings.Contains(code, "_BUSINESS_"):
		return CategoryBusiness
	case strings.Contains(code, "_SYSTEM_"):
		return CategorySystem
	case strings.Contains(code, "_EXTERNAL_"):
		return CategoryExternal
	default:
		return CategorySystem
	}
}

func retryableByCode(code string) bool {
	if fatalCodes[code] {
		return false
	}
	switch categoryOf(code) {
	case CategoryExternal:
		return true
	case CategorySystem:
		// Timeouts, rate limits and connection loss are transient.
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err (or any wrapped AppError) may be retried.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// CodeOf extracts the stable code from err, or "" if it carries none.
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsFatal reports whether err requires immediate alerting and must not be
// retried or absorbed by fallbacks.
func IsFatal(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return fatalCodes[ae.Code]
	}
	return false
}
