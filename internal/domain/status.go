package domain

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Status is the closed opcode/status byte enumeration from spec.md §6. It
// doubles as a response status (master/chunkserver framing) and as a
// dataplane opcode (client<->chunkserver framing) depending on context.
type Status uint8

const (
	Success             Status = 0
	Failure             Status = 1
	NoSuchFile          Status = 20
	FileAlreadyExisted  Status = 21
	FileInCreating      Status = 22
	Exist               Status = 23
	NotExist            Status = 24
	SafeMode            Status = 30
	Copy                Status = 40
	NoBlkTask           Status = 41
	OpRead              Status = 60
	OpWrite             Status = 61
	OpCreate            Status = 80
	OpMkdir             Status = 81
	OpRemove            Status = 82
	OpLogFailure        Status = 90
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	case NoSuchFile:
		return "NO_SUCH_FILE"
	case FileAlreadyExisted:
		return "FILE_ALREADY_EXISTED"
	case FileInCreating:
		return "FILE_IN_CREATING"
	case Exist:
		return "EXIST"
	case NotExist:
		return "NOT_EXIST"
	case SafeMode:
		return "SAFE_MODE"
	case Copy:
		return "COPY"
	case NoBlkTask:
		return "NO_BLK_TASK"
	case OpRead:
		return "OP_READ"
	case OpWrite:
		return "OP_WRITE"
	case OpCreate:
		return "OP_CREATE"
	case OpMkdir:
		return "OP_MKDIR"
	case OpRemove:
		return "OP_REMOVE"
	case OpLogFailure:
		return "OP_LOG_FAILURE"
	default:
		return "UNKNOWN_STATUS"
	}
}

// Error is a status classified failure, optionally wrapping a cause (an
// underlying os/net error). Handlers return *Error instead of panicking
// across an RPC boundary (spec.md §7).
type Error struct {
	Status Status
	cause  error
}

// NewError classifies a bare status with no underlying cause.
func NewError(status Status) *Error {
	return &Error{Status: status}
}

// WrapError classifies an underlying error under the given status.
func WrapError(status Status, cause error) *Error {
	return &Error{Status: status, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the deepest wrapped error, or nil if this Error carries no
// underlying cause.
func (e *Error) Cause() error {
	if e.cause == nil {
		return nil
	}
	return errors.Cause(e.cause)
}

// StatusOf extracts the Status from err, defaulting to Failure for
// unclassified errors so that a handler can always write a status byte.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var de *Error
	if stderrors.As(err, &de) {
		return de.Status
	}
	return Failure
}
