package htun

import (
	"errors"
	"fmt"
)

// FatalError wraps an error that invalidates a core precondition of the
// server -- a working local side or a working event source. The server loop
// never retries past one of these; it propagates out of Server.Run and the
// process terminates. Everything else is recoverable at the session or
// accept boundary.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError. It returns nil if err is nil, and does
// not double-wrap.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err is classified process-terminating.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// DeviceOpenError reports a failure to open the local device endpoint,
// carrying the path and the underlying OS error.
type DeviceOpenError struct {
	Path string
	Err  error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("couldn't open %s: %s", e.Path, e.Err)
}

func (e *DeviceOpenError) Unwrap() error {
	return e.Err
}

// ConnectError reports a failure to establish the forwarded TCP connection,
// carrying the target and the underlying OS error.
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("couldn't connect to %s:%d: %s", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
