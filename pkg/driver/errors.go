// pkg/driver/errors.go
package driver

import (
	"errors"
	"fmt"
)

// ErrorCode distinguishes the kinds of device failures
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeInvalidState    ErrorCode = "INVALID_STATE"
	CodeNotScanning     ErrorCode = "NOT_SCANNING"
	CodeProtocol        ErrorCode = "PROTOCOL"
	CodeTransport       ErrorCode = "TRANSPORT"
	CodeFaulted         ErrorCode = "FAULTED"
)

// Sentinels for errors.Is. Any *DeviceError with the same code matches.
var (
	ErrInvalidArgument = &DeviceError{Code: CodeInvalidArgument}
	ErrInvalidState    = &DeviceError{Code: CodeInvalidState}
	ErrNotScanning     = &DeviceError{Code: CodeNotScanning}
	ErrProtocol        = &DeviceError{Code: CodeProtocol}
	ErrTransport       = &DeviceError{Code: CodeTransport}
	ErrFaulted         = &DeviceError{Code: CodeFaulted}
)

// DeviceError is the single error kind surfaced by device drivers
type DeviceError struct {
	Code ErrorCode
	Op   string
	Err  error
}

// NewError creates a device error for an operation
func NewError(code ErrorCode, op string, err error) *DeviceError {
	return &DeviceError{Code: code, Op: op, Err: err}
}

// Errorf creates a device error with a formatted cause
func Errorf(code ErrorCode, op string, format string, args ...interface{}) *DeviceError {
	return &DeviceError{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *DeviceError) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is matches on the error code
func (e *DeviceError) Is(target error) bool {
	var t *DeviceError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of a device error, or "" for other errors
func CodeOf(err error) ErrorCode {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsFatal reports whether the error moves a session to FAULTED
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeProtocol, CodeTransport:
		return true
	}
	return false
}
