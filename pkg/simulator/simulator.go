// Package simulator exports in-memory Protocol Manager and Device Manager
// objects on a bus connection, for exercising the smoke test without a
// gateway.
package simulator

import (
	"agile/pkg/agile"
	"agile/pkg/devicemanager"
	"agile/pkg/protocolmanager"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	log "github.com/sirupsen/logrus"
)

const (
	statusAvailable    = "AVAILABLE"
	statusDisconnected = "DISCONNECTED"

	errAlreadyExists   = devicemanager.InterfaceName + ".Error.AlreadyExists"
	errInvalidArgument = devicemanager.InterfaceName + ".Error.InvalidArgument"
)

// DefaultDiscoverable is what the simulated Protocol Manager finds on
// StartDiscovery.
var DefaultDiscoverable = []agile.DeviceOverview{
	{
		ID:       agile.SmokeTestDevice.Address,
		Protocol: agile.SmokeTestDevice.Protocol,
		Name:     agile.SmokeTestDevice.Name,
		Status:   statusAvailable,
	},
}

// ProtocolManager simulates iot.agile.ProtocolManager.
type ProtocolManager struct {
	mu           sync.Mutex
	discovering  bool
	discoverable []agile.DeviceOverview
	found        []agile.DeviceOverview
	logger       log.FieldLogger
}

func NewProtocolManager(discoverable []agile.DeviceOverview, logger log.FieldLogger) *ProtocolManager {
	return &ProtocolManager{
		discoverable: discoverable,
		found:        []agile.DeviceOverview{},
		logger:       logger,
	}
}

// StartDiscovery marks discovery as running and adds every discoverable
// device not seen before.
func (p *ProtocolManager) StartDiscovery() *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discovering = true
	for _, d := range p.discoverable {
		if !containsID(p.found, d.ID) {
			p.found = append(p.found, d)
		}
	}
	p.logger.Infof("Discovery started, %d devices found", len(p.found))
	return nil
}

func (p *ProtocolManager) StopDiscovery() *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discovering = false
	p.logger.Info("Discovery stopped")
	return nil
}

func (p *ProtocolManager) IsDiscovering() (bool, *dbus.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discovering, nil
}

func (p *ProtocolManager) Devices() ([]agile.DeviceOverview, *dbus.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agile.DeviceOverview{}, p.found...), nil
}

// DeviceManager simulates iot.agile.DeviceManager. List is exported under
// the remote name "devices".
type DeviceManager struct {
	mu          sync.Mutex
	devices     []agile.DeviceOverview
	definitions map[string]agile.DeviceDefinition
	logger      log.FieldLogger
}

func NewDeviceManager(logger log.FieldLogger) *DeviceManager {
	return &DeviceManager{
		devices:     []agile.DeviceOverview{},
		definitions: make(map[string]agile.DeviceDefinition),
		logger:      logger,
	}
}

func (d *DeviceManager) List() ([]agile.DeviceOverview, *dbus.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agile.DeviceOverview{}, d.devices...), nil
}

// Create registers def. A second registration of the same address is rejected.
func (d *DeviceManager) Create(def agile.DeviceDefinition) (agile.DeviceOverview, *dbus.Error) {
	if def.Address == "" {
		return agile.DeviceOverview{}, dbus.NewError(errInvalidArgument, []interface{}{"device address cannot be empty"})
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := DeviceID(def)
	if _, ok := d.definitions[id]; ok {
		return agile.DeviceOverview{}, dbus.NewError(errAlreadyExists, []interface{}{fmt.Sprintf("device %s already registered", id)})
	}

	overview := agile.DeviceOverview{
		ID:       id,
		Protocol: def.Protocol,
		Name:     def.Name,
		Status:   statusDisconnected,
	}
	d.definitions[id] = def
	d.devices = append(d.devices, overview)

	d.logger.Infof("Registered device %s (%s) with %d streams", id, def.Name, len(def.Streams))
	return overview, nil
}

// DeviceID derives the registry id from the last element of the protocol
// name and the address without separators, e.g. ble78C5E56EE4CF.
func DeviceID(def agile.DeviceDefinition) string {
	proto := def.Protocol
	if i := strings.LastIndex(proto, "."); i >= 0 {
		proto = proto[i+1:]
	}
	return strings.ToLower(proto) + strings.ReplaceAll(def.Address, ":", "")
}

func containsID(devices []agile.DeviceOverview, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Simulator owns both simulated services on one connection.
type Simulator struct {
	conn   *dbus.Conn
	pm     *ProtocolManager
	dm     *DeviceManager
	logger log.FieldLogger
}

func New(conn *dbus.Conn, discoverable []agile.DeviceOverview, logger log.FieldLogger) *Simulator {
	return &Simulator{
		conn:   conn,
		pm:     NewProtocolManager(discoverable, logger.WithField("service", protocolmanager.ServiceName)),
		dm:     NewDeviceManager(logger.WithField("service", devicemanager.ServiceName)),
		logger: logger,
	}
}

// Serve exports both objects and requests their well-known names.
func (s *Simulator) Serve() error {
	pmPath := dbus.ObjectPath(protocolmanager.ObjectPath)
	if err := s.conn.Export(s.pm, pmPath, protocolmanager.InterfaceName); err != nil {
		return fmt.Errorf("export protocol manager: %v", err)
	}
	if err := s.exportIntrospection(s.pm, nil, pmPath, protocolmanager.InterfaceName); err != nil {
		return err
	}

	dmPath := dbus.ObjectPath(devicemanager.ObjectPath)
	dmNames := map[string]string{"List": "devices"}
	if err := s.conn.ExportWithMap(s.dm, dmNames, dmPath, devicemanager.InterfaceName); err != nil {
		return fmt.Errorf("export device manager: %v", err)
	}
	if err := s.exportIntrospection(s.dm, dmNames, dmPath, devicemanager.InterfaceName); err != nil {
		return err
	}

	for _, name := range []string{protocolmanager.ServiceName, devicemanager.ServiceName} {
		reply, err := s.conn.RequestName(name, dbus.NameFlagDoNotQueue)
		if err != nil {
			return fmt.Errorf("request name %s: %v", name, err)
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			return fmt.Errorf("name %s already taken", name)
		}
		s.logger.Infof("Serving %s", name)
	}
	return nil
}

func (s *Simulator) exportIntrospection(obj interface{}, names map[string]string, path dbus.ObjectPath, iface string) error {
	methods := introspect.Methods(obj)
	for i := range methods {
		if alias, ok := names[methods[i].Name]; ok {
			methods[i].Name = alias
		}
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: iface, Methods: methods},
		},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection for %s: %v", path, err)
	}
	return nil
}

// Close releases the well-known names.
func (s *Simulator) Close() {
	for _, name := range []string{protocolmanager.ServiceName, devicemanager.ServiceName} {
		if _, err := s.conn.ReleaseName(name); err != nil {
			s.logger.Errorf("Failed to release %s: %v", name, err)
		}
	}
}
