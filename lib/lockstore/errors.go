package lockstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess            RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                     // 1: Operation failed due to an internal error (bad payload, driver misuse, ...).
	RetCInvalidArgument                   // 2: Empty key/owner or non-positive ttl.
	RetCTimeout                           // 3: Acquire did not obtain the lock before its deadline.
	RetCNotOwner                          // 4: Renew/Release by a caller that does not hold the lease.
	RetCNotFound                          // 5: Renew/Release on a key without a record.
	RetCBackendUnavailable                // 6: Transport or connection failure, retryable.
	RetCSchemaProvision                   // 7: Lazy provisioning of the backend schema failed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidArgument:
		return "InvalidArgument"
	case RetCTimeout:
		return "Timeout"
	case RetCNotOwner:
		return "NotOwner"
	case RetCNotFound:
		return "NotFound"
	case RetCBackendUnavailable:
		return "BackendUnavailable"
	case RetCSchemaProvision:
		return "SchemaProvisionFailure"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(c))
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code, a message and an optional cause.
// Two errors match with errors.Is when their codes are equal, so
// errors.Is(err, ErrBackendUnavailable) holds for every wrapped transport failure.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
	Err  error   // The underlying cause (may be nil)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lockstore (code %s): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("lockstore (code %s): %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

var (
	ErrTimeout            = NewError(RetCTimeout, "lock not acquired before deadline")
	ErrNotOwner           = NewError(RetCNotOwner, "lease is held by another owner")
	ErrNotFound           = NewError(RetCNotFound, "no lock record for key")
	ErrBackendUnavailable = NewError(RetCBackendUnavailable, "backend unavailable")
	ErrSchemaProvision    = NewError(RetCSchemaProvision, "schema provisioning failed")
	ErrInvalidArgument    = NewError(RetCInvalidArgument, "invalid argument")
	ErrInternal           = NewError(RetCInternalError, "internal error")
)

// Unavailable wraps a transport/connection failure of operation op.
func Unavailable(op string, err error) error {
	return &Error{Code: RetCBackendUnavailable, Msg: op, Err: err}
}

// SchemaProvision wraps a failure of the lazy schema/table/collection creation.
func SchemaProvision(op string, err error) error {
	return &Error{Code: RetCSchemaProvision, Msg: op, Err: err}
}

// Internal wraps a non-transport failure of operation op.
func Internal(op string, err error) error {
	return &Error{Code: RetCInternalError, Msg: op, Err: err}
}

// IsRetryable reports whether err may be retried by the acquire loop.
// Only backend unavailability is retryable, logical results are never errors.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// --------------------------------------------------------------------------
// Classification Helpers (used by the backends)
// --------------------------------------------------------------------------

// IsTransportError reports whether err looks like a network or connection
// failure independent of the driver that produced it.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Wrap classifies a driver error of operation op. Errors that already carry a
// return code are passed through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if IsTransportError(err) {
		return Unavailable(op, err)
	}
	return Internal(op, err)
}

// ValidateKey checks the key of a read.
func ValidateKey(key string) error {
	if key == "" {
		return &Error{Code: RetCInvalidArgument, Msg: "key must not be empty"}
	}
	return nil
}

// ValidateOwner checks key and owner of a delete or release.
func ValidateOwner(key, owner string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if owner == "" {
		return &Error{Code: RetCInvalidArgument, Msg: "owner must not be empty"}
	}
	return nil
}

// Validate checks the arguments shared by all lease writing operations.
func Validate(key, owner string, ttl time.Duration) error {
	if err := ValidateOwner(key, owner); err != nil {
		return err
	}
	if ttl <= 0 {
		return &Error{Code: RetCInvalidArgument, Msg: fmt.Sprintf("ttl must be positive, got %s", ttl)}
	}
	return nil
}
