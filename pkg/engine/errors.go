package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nixh/nixh/pkg/nixos"
)

// ErrorKind classifies a failed execution for retry and reporting.
type ErrorKind string

const (
	// KindValidation means the operation failed the parameter or policy
	// checks. Nothing was dispatched.
	KindValidation ErrorKind = "validation"

	// KindTimeout means a suspension point exceeded its budget, or the
	// caller stopped waiting.
	KindTimeout ErrorKind = "timeout"

	// KindUnavailable means the tier in use could not be used. It feeds the
	// re-probe heuristic.
	KindUnavailable ErrorKind = "unavailable"

	// KindTool means the configuration tool ran and rejected the change.
	// Never retried.
	KindTool ErrorKind = "tool"

	// KindAmbiguous signals that disambiguation is needed. Not a failure.
	KindAmbiguous ErrorKind = "ambiguous"

	// KindBusy means another session holds the privilege lock.
	KindBusy ErrorKind = "busy"

	// KindConfiguration means the tier registry itself is defective.
	KindConfiguration ErrorKind = "configuration"
)

// ErrorRecord is the error attached to a failed ExecutionResult. It always
// says which tier was in use and whether system state changed.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Code is an optional code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Tier is the execution tier in use when the error happened.
	Tier string `json:"tier"`

	StateChanged bool `json:"state_changed"`

	// StateUnknown is set when the call was abandoned before it reported
	// back, so state may have changed.
	StateUnknown bool `json:"state_unknown,omitempty"`

	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorRecord) Error() string {
	msg := fmt.Sprintf("[%s] %s (tier=%s, %s)", e.Kind, e.Message, e.tierName(), e.StateSummary())
	if e.Err != nil && e.Err.Error() != e.Message {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ErrorRecord) tierName() string {
	if e.Tier == "" {
		return "none"
	}
	return e.Tier
}

// StateSummary renders the state-change part of the report.
func (e *ErrorRecord) StateSummary() string {
	switch {
	case e.StateChanged:
		return "system state changed"
	case e.StateUnknown:
		return "system state may have changed"
	default:
		return "no system state changed"
	}
}

func (e *ErrorRecord) Unwrap() error {
	return e.Err
}

// Is matches another *ErrorRecord of the same kind and code.
func (e *ErrorRecord) Is(target error) bool {
	t, ok := target.(*ErrorRecord)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func newRecord(kind ErrorKind, code, message string, err error) *ErrorRecord {
	return &ErrorRecord{Kind: kind, Code: code, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *ErrorRecord {
	return newRecord(KindValidation, ErrCodeValidation, message, err)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, err error) *ErrorRecord {
	return newRecord(KindTimeout, ErrCodeTimeout, message, err)
}

// NewUnavailableError creates an unavailable error.
func NewUnavailableError(message string, err error) *ErrorRecord {
	return newRecord(KindUnavailable, ErrCodeUnavailable, message, err)
}

// NewToolError creates a tool error.
func NewToolError(message string, err error) *ErrorRecord {
	return newRecord(KindTool, ErrCodeToolFailed, message, err)
}

// NewBusyError creates a busy error.
func NewBusyError(message string) *ErrorRecord {
	return newRecord(KindBusy, ErrCodeBusy, message, ErrBusy)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *ErrorRecord {
	return newRecord(KindConfiguration, ErrCodeConfiguration, message, err)
}

// WithTier records the tier in use.
func (e *ErrorRecord) WithTier(tier string) *ErrorRecord {
	e.Tier = tier
	return e
}

// WithCode overrides the error code.
func (e *ErrorRecord) WithCode(code string) *ErrorRecord {
	e.Code = code
	return e
}

// WithStateChanged records whether state changed.
func (e *ErrorRecord) WithStateChanged(changed bool) *ErrorRecord {
	e.StateChanged = changed
	return e
}

// WithStateUnknown marks the state as possibly changed.
func (e *ErrorRecord) WithStateUnknown() *ErrorRecord {
	e.StateUnknown = !e.StateChanged
	return e
}

// WithDetail adds a detail field.
func (e *ErrorRecord) WithDetail(key string, value any) *ErrorRecord {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func kindOf(err error) ErrorKind {
	var e *ErrorRecord
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

// IsUnavailable reports whether err is an unavailable error.
func IsUnavailable(err error) bool { return kindOf(err) == KindUnavailable }

// IsTool reports whether err is a tool error.
func IsTool(err error) bool { return kindOf(err) == KindTool }

// IsBusy reports whether err is a busy error.
func IsBusy(err error) bool { return kindOf(err) == KindBusy }

// IsRetryable reports whether err may be retried once on a lower tier.
func IsRetryable(err error) bool {
	k := kindOf(err)
	return k == KindTimeout || k == KindUnavailable
}

// Error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodePolicy        = "POLICY_DENIED"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeNoTier        = "NO_EXECUTION_TIER"
	ErrCodeToolFailed    = "TOOL_FAILED"
	ErrCodeBusy          = "BUSY"
	ErrCodeConfiguration = "REGISTRY_DEFECT"
	ErrCodeBadToken      = "BAD_ROLLBACK_TOKEN"
)

// ErrBusy is returned by a Locker when another holder has the lock.
var ErrBusy = errors.New("another privileged operation is in progress")

// classify maps an error from the nixos boundary onto an ErrorRecord.
func classify(err error, tierName string) *ErrorRecord {
	var rec *ErrorRecord
	if errors.As(err, &rec) {
		if rec.Tier == "" {
			rec.Tier = tierName
		}
		return rec
	}

	var te *nixos.ToolError
	switch {
	case errors.As(err, &te):
		rec = NewToolError(te.Error(), err).WithStateChanged(te.StateChanged)
	case errors.Is(err, context.DeadlineExceeded):
		rec = NewTimeoutError("the call did not finish in time", err)
	case errors.Is(err, context.Canceled):
		rec = NewTimeoutError("the call was cancelled", err).WithCode(ErrCodeCancelled)
	case errors.Is(err, nixos.ErrInvalidArgument):
		rec = NewValidationError(err.Error(), err)
	case errors.Is(err, nixos.ErrUnavailable):
		rec = NewUnavailableError(err.Error(), err)
	default:
		rec = NewUnavailableError(err.Error(), err)
	}
	return rec.WithTier(tierName)
}
