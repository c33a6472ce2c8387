package calls

import "errors"

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
	// ErrInvalidTransition means the requested status change is not legal from the current status.
	ErrInvalidTransition = errors.New("calls: invalid status transition")
	// ErrAlreadyAnswered means another responder won the accept race.
	ErrAlreadyAnswered = errors.New("call already answered")
	ErrForbidden       = errors.New("calls: actor is not a party to this call")
	ErrVoiceNoteExists = errors.New("calls: voice note already attached")

	// errStatusConflict is returned by repositories when the conditional update lost.
	errStatusConflict = errors.New("calls: status changed concurrently")
)

// StatusConflictError is returned by Repository.Transition when the stored status
// no longer matches the expected one.
type StatusConflictError struct {
	Current Status
}

func (e *StatusConflictError) Error() string {
	return errStatusConflict.Error() + " (now " + string(e.Current) + ")"
}

func (e *StatusConflictError) Unwrap() error { return errStatusConflict }

// IsStatusConflict reports whether err came from a lost conditional update.
func IsStatusConflict(err error) (Status, bool) {
	var sc *StatusConflictError
	if errors.As(err, &sc) {
		return sc.Current, true
	}
	return "", false
}

// ErrorKind maps errors to stable labels for logs and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrAlreadyAnswered):
		return "already_answered"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrVoiceNoteExists):
		return "voice_note_exists"
	default:
		return "internal"
	}
}
