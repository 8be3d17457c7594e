package errors

import (
	"fmt"
	"runtime"
	"strings"
)

type ErrorCode string

const (
	// System errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrDatabase      ErrorCode = "DATABASE_ERROR"
	ErrRedis         ErrorCode = "REDIS_ERROR"
	ErrConfiguration ErrorCode = "CONFIG_ERROR"

	// Business logic errors
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCallNotFound ErrorCode = "CALL_NOT_FOUND"
	ErrAuthFailed   ErrorCode = "AUTH_FAILED"
	ErrTokenRevoked ErrorCode = "TOKEN_REVOKED"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
	ErrLockedOut    ErrorCode = "LOCKED_OUT"
	ErrDBDisabled   ErrorCode = "DB_DISABLED"

	// PBX errors
	ErrARI         ErrorCode = "ARI_ERROR"
	ErrARITimeout  ErrorCode = "ARI_TIMEOUT"
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	ErrLeaseBusy   ErrorCode = "LEASE_BUSY"
)

// statusByCode maps each error code onto the HTTP status the API surface
// reports for it. Codes without an entry are unexpected and map to 500.
var statusByCode = map[ErrorCode]int{
	ErrValidation:   400,
	ErrAuthFailed:   401,
	ErrTokenRevoked: 401,
	ErrCallNotFound: 404,
	ErrRateLimited:  429,
	ErrLockedOut:    429,
	ErrARI:          502,
	ErrARITimeout:   504,
	ErrDBDisabled:   503,
	ErrCircuitOpen:  503,
	ErrLeaseBusy:    503,
}

// serverSide reports whether a code indicates a fault in this process or
// its dependencies, as opposed to a client mistake. Only server-side
// errors are worth the cost of a stack capture.
func serverSide(code ErrorCode) bool {
	return StatusFor(code) >= 500
}

// StatusFor returns the HTTP status for a code
func StatusFor(code ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return 500
}

type AppError struct {
	Code       ErrorCode
	Message    string
	Err        error
	StatusCode int
	Context    map[string]interface{}
	Stack      string
}

func New(code ErrorCode, message string) *AppError {
	e := &AppError{
		Code:       code,
		Message:    message,
		StatusCode: StatusFor(code),
		Context:    make(map[string]interface{}),
	}
	if serverSide(code) {
		e.Stack = getStack()
	}
	return e
}

// Wrap annotates err with a code and message. An inner AppError keeps its
// own code and status so the original classification survives layered
// wrapping; only the message chain grows.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		wrapped := *appErr
		wrapped.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return &wrapped
	}

	e := &AppError{
		Code:       code,
		Message:    message,
		Err:        err,
		StatusCode: StatusFor(code),
		Context:    make(map[string]interface{}),
	}
	if serverSide(code) {
		e.Stack = getStack()
	}
	return e
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

func (e *AppError) WithStatusCode(code int) *AppError {
	e.StatusCode = code
	return e
}

// IsRetryable mirrors the retry policy of the outbound paths: transient
// store and coordination failures may be retried, and a PBX error is
// retryable only when the controller itself failed (5xx or timeout) — a
// 4xx from the PBX is a final answer, exactly as the originate RPC
// treats it.
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrDatabase, ErrRedis, ErrARITimeout, ErrLeaseBusy:
		return true
	case ErrARI:
		return e.StatusCode >= 500
	default:
		return false
	}
}

func getStack() string {
	var pcs [16]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.HasSuffix(frame.Function, ".getStack") {
			builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return builder.String()
}

// Error checking helpers
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Code == code
}

// StatusOf returns the HTTP status carried by err, 500 for anything that
// is not an AppError
func StatusOf(err error) int {
	if appErr, ok := err.(*AppError); ok && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return 500
}

// CodeOf returns the code carried by err, ErrInternal otherwise
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
