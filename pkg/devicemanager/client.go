// Package devicemanager is a client for the AGILE Device Manager bus service.
package devicemanager

import (
	"agile/pkg/agile"
	"agile/pkg/bus"
	"context"
	"fmt"
)

const (
	ServiceName   = "iot.agile.DeviceManager"
	ObjectPath    = "/iot/agile/DeviceManager"
	InterfaceName = ServiceName
)

// DeviceManager keeps the registry of logical devices.
type DeviceManager interface {
	Devices(ctx context.Context) (agile.List, error)
	Create(ctx context.Context, def agile.DeviceDefinition) (interface{}, error)
}

// Client calls the Device Manager through a bus proxy.
type Client struct {
	proxy *bus.Proxy
}

func NewClient(proxy *bus.Proxy) *Client {
	return &Client{proxy: proxy}
}

// Devices returns the registered devices. The remote method is "devices".
func (c *Client) Devices(ctx context.Context) (agile.List, error) {
	body, err := c.proxy.Call(ctx, "devices")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if len(body) == 0 {
		return agile.List{}, nil
	}
	return agile.ToList(body[0]), nil
}

// Create registers def as a new device and returns whatever the service
// replies with. def is sent as a single struct argument.
func (c *Client) Create(ctx context.Context, def agile.DeviceDefinition) (interface{}, error) {
	body, err := c.proxy.Call(ctx, "Create", def)
	if err != nil {
		return nil, fmt.Errorf("create device %s: %w", def.Address, err)
	}

	switch len(body) {
	case 0:
		return nil, nil
	case 1:
		return body[0], nil
	default:
		return body, nil
	}
}
