// Package protocolmanager is a client for the AGILE Protocol Manager bus service.
package protocolmanager

import (
	"agile/pkg/agile"
	"agile/pkg/bus"
	"context"
	"fmt"
)

const (
	ServiceName   = "iot.agile.ProtocolManager"
	ObjectPath    = "/iot/agile/ProtocolManager"
	InterfaceName = ServiceName
)

// ProtocolManager discovers devices over the gateway's wire protocols.
type ProtocolManager interface {
	StartDiscovery(ctx context.Context) error
	Devices(ctx context.Context) (agile.List, error)
}

// Client calls the Protocol Manager through a bus proxy.
type Client struct {
	proxy *bus.Proxy
}

func NewClient(proxy *bus.Proxy) *Client {
	return &Client{proxy: proxy}
}

// StartDiscovery triggers a scan for new devices. The reply is ignored.
func (c *Client) StartDiscovery(ctx context.Context) error {
	if _, err := c.proxy.Call(ctx, "StartDiscovery"); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	return nil
}

// Devices returns the protocol-level devices currently known.
func (c *Client) Devices(ctx context.Context) (agile.List, error) {
	body, err := c.proxy.Call(ctx, "Devices")
	if err != nil {
		return nil, fmt.Errorf("list protocol devices: %w", err)
	}
	if len(body) == 0 {
		return agile.List{}, nil
	}
	return agile.ToList(body[0]), nil
}
