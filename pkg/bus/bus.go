// Package bus resolves named objects on the D-Bus session bus and exposes
// them as proxies restricted to one interface.
package bus

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"
)

const nameHasOwner = "org.freedesktop.DBus.NameHasOwner"

// Object is the subset of dbus.BusObject used by proxies.
type Object interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Session is a connection to a message bus.
type Session struct {
	conn   *dbus.Conn
	daemon Object
	object func(service string, path dbus.ObjectPath) Object
	logger log.FieldLogger
}

// Connect opens a private connection to the session bus.
func Connect(ctx context.Context, logger log.FieldLogger) (*Session, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	logger.Debug("Connected to session bus")
	return newSession(conn, logger), nil
}

// ConnectAddress opens a connection to the bus listening at address.
func ConnectAddress(ctx context.Context, address string, logger log.FieldLogger) (*Session, error) {
	conn, err := dbus.Connect(address, dbus.WithContext(ctx))
	if err != nil {
		return nil, &ConnectionError{Address: address, Err: err}
	}
	logger.Debugf("Connected to bus %s", address)
	return newSession(conn, logger), nil
}

func newSession(conn *dbus.Conn, logger log.FieldLogger) *Session {
	return &Session{
		conn:   conn,
		daemon: conn.BusObject(),
		object: func(service string, path dbus.ObjectPath) Object {
			return conn.Object(service, path)
		},
		logger: logger,
	}
}

// Conn returns the underlying connection.
func (s *Session) Conn() *dbus.Conn {
	return s.conn
}

func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Resolve returns a proxy to the object at path owned by service, restricted
// to iface. The service must currently own its name on the bus.
func (s *Session) Resolve(ctx context.Context, service, path, iface string) (*Proxy, error) {
	if !dbus.ObjectPath(path).IsValid() {
		return nil, fmt.Errorf("invalid object path %q", path)
	}

	var owned bool
	if err := s.daemon.CallWithContext(ctx, nameHasOwner, 0, service).Store(&owned); err != nil {
		return nil, &ConnectionError{Err: fmt.Errorf("name lookup for %s: %w", service, err)}
	}
	if !owned {
		return nil, &ServiceNotFoundError{Service: service}
	}

	s.logger.Debugf("Resolved %s at %s", service, path)
	return NewProxy(s.object(service, dbus.ObjectPath(path)), service, iface), nil
}
