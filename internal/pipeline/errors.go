package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/zombor/irys/internal/export"
	"github.com/zombor/irys/internal/normalize"
	"github.com/zombor/irys/internal/ocr"
	"github.com/zombor/irys/internal/readiness"
	"github.com/zombor/irys/internal/reconcile"
	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/session"
	"github.com/zombor/irys/internal/store"
)

// Code is the machine-readable kind of a user-visible error
type Code string

const (
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyExists       Code = "ALREADY_EXISTS"
	CodeEngineNotReady      Code = "ENGINE_NOT_READY"
	CodeOCRTimeout          Code = "OCR_TIMEOUT"
	CodeOCRProviderError    Code = "OCR_PROVIDER_ERROR"
	CodeUnreadableImage     Code = "UNREADABLE_IMAGE"
	CodeUnrecognizedFormat  Code = "UNRECOGNIZED_FORMAT"
	CodeCancelled           Code = "CANCELLED"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeInvalidState        Code = "INVALID_STATE"
	CodePersistenceFailed   Code = "PERSISTENCE_FAILED"
	CodeInternal            Code = "INTERNAL"
)

// ErrInvalidInput marks malformed requests rejected before any state change
var ErrInvalidInput = errors.New("invalid input")

// Error is a classified failure safe to show a user. Err keeps the
// diagnostic cause for logs.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps err onto the error taxonomy. sessionID is attached when the
// failure belongs to a session.
func Classify(err error, sessionID string) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.SessionID == "" {
			perr.SessionID = sessionID
		}
		return perr
	}

	e := &Error{SessionID: sessionID, Err: err}
	var verr *export.ValidationError
	var xerr *export.PersistenceError
	switch {
	case errors.As(err, &verr):
		e.Code, e.Message = CodeValidationFailed, verr.Error()
		if len(verr.Violations) > 0 {
			e.Details = verr.Violations
		}
	case errors.As(err, &xerr):
		e.Code, e.Retryable = CodePersistenceFailed, true
		e.SessionID = xerr.SessionID
		e.Message = "the export could not be saved; quote the session id when reporting this"
	case errors.Is(err, readiness.ErrNotReady):
		e.Code, e.Retryable = CodeEngineNotReady, true
		e.Message = "the OCR engine is still starting; try again shortly"
	case errors.Is(err, ocr.ErrInvalidImage):
		e.Code = CodeInvalidInput
		e.Message = "the image is empty, too large or not a supported type"
	case errors.Is(err, schema.ErrInvalidSchema):
		e.Code = CodeInvalidInput
		e.Message = "the column definitions are invalid; names must be unique and types text, number or date"
	case errors.Is(err, export.ErrInvalidRequest):
		e.Code = CodeInvalidInput
		e.Message = "the export needs an event name, a session id, an idempotency key and at least one row"
	case errors.Is(err, ErrInvalidInput):
		e.Code, e.Message = CodeInvalidInput, "the request is invalid"
	case errors.Is(err, store.ErrNotFound):
		e.Code, e.Message = CodeNotFound, "not found"
	case errors.Is(err, store.ErrDuplicate):
		e.Code, e.Message = CodeAlreadyExists, "already exists"
	case errors.Is(err, ocr.ErrTimeout), errors.Is(err, reconcile.ErrTimeout):
		e.Code, e.Retryable = CodeOCRTimeout, true
		e.Message = "reading the image took too long; try again"
	case errors.Is(err, ocr.ErrUnreadableImage):
		e.Code, e.Retryable = CodeUnreadableImage, true
		e.Message = "the image could not be decoded; retake the photo"
	case errors.Is(err, ocr.ErrProvider), errors.Is(err, reconcile.ErrProvider):
		e.Code, e.Retryable = CodeOCRProviderError, true
		e.Message = "the OCR service failed; try again"
	case errors.Is(err, normalize.ErrUnrecognizedFormat):
		e.Code, e.Retryable = CodeUnrecognizedFormat, true
		e.Message = "could not read image; retake the photo"
	case errors.Is(err, context.Canceled):
		e.Code, e.Retryable = CodeCancelled, true
		e.Message = "the request was cancelled"
	case errors.Is(err, export.ErrIdempotencyConflict):
		e.Code = CodeIdempotencyConflict
		e.Message = "this idempotency key was already used for different rows"
	case errors.Is(err, export.ErrAlreadyExported):
		e.Code, e.Message = CodeInvalidState, "this session was already exported"
	case errors.Is(err, export.ErrInvalidState),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, store.ErrStaleStatus):
		e.Code, e.Message = CodeInvalidState, "the session is not in a state that allows this"
	case errors.Is(err, export.ErrPersistence):
		e.Code, e.Retryable = CodePersistenceFailed, true
		e.Message = "the export could not be saved"
	default:
		e.Code, e.Message = CodeInternal, "internal error"
	}
	return e
}

// invalid rejects a request with a message written for the caller
func invalid(format string, args ...any) error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...), Err: ErrInvalidInput}
}
