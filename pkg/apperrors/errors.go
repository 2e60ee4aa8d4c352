package apperrors

import "errors"

var (
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("authentication required")
	ErrForbidden          = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAllocationConflict = errors.New("serial allocation conflict")
	ErrStorage            = errors.New("storage failure")
	ErrStaleState         = errors.New("stale state")
	ErrUnknownPermission  = errors.New("unknown permission")
	ErrInvalidRole        = errors.New("invalid role")
	ErrLastAdmin          = errors.New("cannot remove last admin")
)

// Error pairs one of the sentinel kinds above with a message safe to show to
// API clients. The optional Err is the underlying cause and is never exposed.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Wrap returns an *Error of the given kind with a client-facing message.
func Wrap(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}

// WrapCause is like Wrap but keeps the underlying cause for logging.
func WrapCause(kind error, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// codes lists kinds in precedence order. The first match wins when a chain
// carries more than one kind.
var codes = []struct {
	kind error
	code string
}{
	{ErrValidation, "validation_error"},
	{ErrUnknownPermission, "unknown_permission"},
	{ErrInvalidRole, "invalid_role"},
	{ErrUnauthorized, "unauthorized"},
	{ErrForbidden, "forbidden"},
	{ErrNotFound, "not_found"},
	{ErrLastAdmin, "last_admin"},
	{ErrConflict, "conflict"},
	{ErrAllocationConflict, "allocation_conflict"},
	{ErrStorage, "storage_error"},
	{ErrStaleState, "stale_state"},
}

// Code returns the stable error code for err, or "internal_error" when err
// does not carry any known kind.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return "internal_error"
}

// Message returns the client-facing message of the outermost *Error in the
// chain, falling back to the kind's own text.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.kind.Error()
		}
	}
	return "internal server error"
}
