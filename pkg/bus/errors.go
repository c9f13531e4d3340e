package bus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

var (
	ErrConnection      = errors.New("bus connection failed")
	ErrServiceNotFound = errors.New("service not registered on bus")
	ErrRemoteCall      = errors.New("remote call failed")
)

const errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"

// ConnectionError is returned when no bus can be reached.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("cannot connect to session bus: %v", e.Err)
	}
	return fmt.Sprintf("cannot connect to bus %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error        { return e.Err }
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ServiceNotFoundError is returned when a well-known name has no owner.
type ServiceNotFoundError struct {
	Service string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service %s is not registered on the bus", e.Service)
}

func (e *ServiceNotFoundError) Is(target error) bool { return target == ErrServiceNotFound }

// RemoteCallError wraps a failed method invocation or an error reply.
type RemoteCallError struct {
	Service string
	Method  string // fully qualified, interface.Method
	Err     error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Method, e.Service, e.Err)
}

func (e *RemoteCallError) Unwrap() error        { return e.Err }
func (e *RemoteCallError) Is(target error) bool { return target == ErrRemoteCall }

// Kind classifies err for reporting at the process boundary.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrServiceNotFound):
		return "service_not_found"
	case errors.Is(err, ErrRemoteCall):
		return "remote_call"
	default:
		return "unknown"
	}
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr != nil {
		return dbusErrPtr.Name
	}
	return ""
}
