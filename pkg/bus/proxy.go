package bus

import (
	"context"
)

// Proxy invokes methods of a single interface on a remote object.
type Proxy struct {
	obj     Object
	service string
	iface   string
}

func NewProxy(obj Object, service, iface string) *Proxy {
	return &Proxy{obj: obj, service: service, iface: iface}
}

func (p *Proxy) Service() string {
	return p.service
}

func (p *Proxy) Interface() string {
	return p.iface
}

// Call invokes method synchronously and returns the reply body.
func (p *Proxy) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	member := p.iface + "." + method

	call := p.obj.CallWithContext(ctx, member, 0, args...)
	if call.Err != nil {
		if errorName(call.Err) == errServiceUnknown {
			return nil, &ServiceNotFoundError{Service: p.service}
		}
		return nil, &RemoteCallError{Service: p.service, Method: member, Err: call.Err}
	}
	return call.Body, nil
}
