package types

import "fmt"

// ErrorKind tags every error the core propagates. The job engine converts
// each kind into a matching JobResult; fatal kinds panic and rely on
// recovery after restart.
type ErrorKind string

const (
	ErrInvalidName    ErrorKind = "invalid-name"
	ErrInvalidData    ErrorKind = "invalid-data"
	ErrNotFound       ErrorKind = "not-found"
	ErrLoad           ErrorKind = "load-error"
	ErrConfigure      ErrorKind = "configure-error"
	ErrIo             ErrorKind = "io"
	ErrSpawn          ErrorKind = "spawn-error"
	ErrNoCmdFound     ErrorKind = "no-cmd-found"
	ErrTimeout        ErrorKind = "timeout"
	ErrEvent          ErrorKind = "event-error"
	ErrStore          ErrorKind = "store-error"
	ErrJobConflict    ErrorKind = "job-conflict"
	ErrJobDestructive ErrorKind = "job-destructive"

	// Per-kind action rejections.
	ErrActionEInval            ErrorKind = "action-einval"
	ErrActionEBusy             ErrorKind = "action-ebusy"
	ErrActionENoExec           ErrorKind = "action-enoexec"
	ErrActionEBadR             ErrorKind = "action-ebadr"
	ErrActionEProto            ErrorKind = "action-eproto"
	ErrActionEOpNotSupp        ErrorKind = "action-eopnotsupp"
	ErrActionEStale            ErrorKind = "action-estale"
	ErrActionEFailed           ErrorKind = "action-efailed"
	ErrActionECanceled         ErrorKind = "action-ecanceled"
	ErrActionEAgain            ErrorKind = "action-eagain"
	ErrActionEAlready          ErrorKind = "action-ealready"
	ErrActionEComm             ErrorKind = "action-ecomm"
	ErrActionENoLink           ErrorKind = "action-enolink"
	ErrActionENoent            ErrorKind = "action-enoent"
	ErrRefuseManualStart       ErrorKind = "refuse-manual-start"
	ErrRefuseManualStop        ErrorKind = "refuse-manual-stop"
	ErrConditionFailed         ErrorKind = "condition-failed"
	ErrAssertFailed            ErrorKind = "assert-failed"
)

// Error is the tagged error variant used across the core.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// NewError builds an error with a kind and message.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError builds an error with a kind wrapping an underlying cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind so callers can use errors.Is with a bare
// NewError(kind, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the ErrorKind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return ""
	}
	return e.Kind
}

// JobResultFor maps an error kind onto the job result the engine records.
func JobResultFor(kind ErrorKind) JobResult {
	switch kind {
	case ErrConditionFailed:
		return JobSkipped
	case ErrAssertFailed:
		return JobAssert
	case ErrActionEAgain, ErrActionEBusy:
		return JobSkipped
	case ErrActionEAlready:
		return JobDone
	case ErrActionECanceled:
		return JobCancelled
	case ErrTimeout:
		return JobTimedOut
	case ErrActionEOpNotSupp:
		return JobUnsupported
	case ErrActionEInval, ErrInvalidName, ErrInvalidData, ErrActionEBadR:
		return JobInvalid
	case ErrNotFound, ErrActionENoent:
		return JobInvalid
	default:
		return JobFailed
	}
}
