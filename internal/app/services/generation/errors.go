package generation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/inkframe/backend/internal/app/providers"
)

// Kind classifies a service error.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindInsufficientCredit Kind = "insufficient_credit"
	KindModeration         Kind = "moderation_rejected"
	KindMaintenance        Kind = "maintenance"
	KindBusy               Kind = "busy"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
)

var kindStatus = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindInsufficientCredit: http.StatusPaymentRequired,
	KindModeration:         http.StatusUnprocessableEntity,
	KindMaintenance:        http.StatusServiceUnavailable,
	KindBusy:               http.StatusServiceUnavailable,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
}

// Error is returned by the service for every caller-visible failure. Two
// errors match under errors.Is when their kinds match.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Status: kindStatus[kind], Message: message, Err: err}
}

var (
	ErrValidation         = newError(KindValidation, "invalid request", nil)
	ErrInsufficientCredit = newError(KindInsufficientCredit, "insufficient ink", nil)
	ErrModerationRejected = newError(KindModeration, "prompt rejected by moderation", nil)
	ErrMaintenance        = newError(KindMaintenance, "generation is temporarily disabled for maintenance", nil)
	ErrBusy               = newError(KindBusy, "generation capacity exhausted, retry shortly", nil)
	ErrNotFound           = newError(KindNotFound, "not found", nil)
	ErrConflict           = newError(KindConflict, "request is already finished", nil)
)

// invalidParameters turns a limit violation into a validation error that
// carries the violated limit as its message.
func invalidParameters(err error) *Error {
	msg := err.Error()
	for _, prefix := range []string{providers.ErrInvalidParameters.Error() + ": ", "provider: "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return newError(KindValidation, msg, nil)
}

// ErrAlreadyFinalized is returned by Finalize when another finalizer won.
var ErrAlreadyFinalized = errors.New("generation: request already finalized")

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
