package devicemanager

import (
	"agile/pkg/agile"
	"agile/pkg/bus"
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	calls []string
	args  [][]interface{}
	body  []interface{}
	err   error
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.calls = append(o.calls, method)
	o.args = append(o.args, args)
	return &dbus.Call{Body: o.body, Err: o.err}
}

func TestDevicesUsesLowercaseMethod(t *testing.T) {
	obj := &fakeObject{body: []interface{}{[]interface{}{}}}
	c := NewClient(bus.NewProxy(obj, ServiceName, InterfaceName))

	devices, err := c.Devices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, []string{"iot.agile.DeviceManager.devices"}, obj.calls)
}

func TestCreatePassesDescriptorUnchanged(t *testing.T) {
	obj := &fakeObject{body: []interface{}{"bleB0B448BE5084"}}
	c := NewClient(bus.NewProxy(obj, ServiceName, InterfaceName))

	result, err := c.Create(context.Background(), agile.SmokeTestDevice)
	require.NoError(t, err)
	assert.Equal(t, "bleB0B448BE5084", result)

	require.Len(t, obj.args, 1)
	require.Len(t, obj.args[0], 1)
	def, ok := obj.args[0][0].(agile.DeviceDefinition)
	require.True(t, ok)
	assert.Equal(t, "78:C5:E5:6E:E4:CF", def.Address)
	assert.Equal(t, "iot.agile.protocol.BLE", def.Protocol)
	assert.Equal(t, "SensorTag", def.Name)
	assert.Equal(t, "", def.Extra)
	assert.Equal(t, []agile.DeviceComponent{{ID: "Temperature", Unit: "celsius"}}, def.Streams)
	assert.Equal(t, []string{"iot.agile.DeviceManager.Create"}, obj.calls)
}

func TestCreateSignature(t *testing.T) {
	sig := dbus.SignatureOf(agile.SmokeTestDevice)
	assert.Equal(t, "(ssssa(ss))", sig.String())
}

func TestCreateResult(t *testing.T) {
	tests := []struct {
		name     string
		body     []interface{}
		expected interface{}
	}{
		{name: "no reply", expected: nil},
		{name: "single value", body: []interface{}{"id"}, expected: "id"},
		{name: "multiple values", body: []interface{}{"id", "path"}, expected: []interface{}{"id", "path"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClient(bus.NewProxy(&fakeObject{body: tc.body}, ServiceName, InterfaceName))
			result, err := c.Create(context.Background(), agile.SmokeTestDevice)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestCreateRejected(t *testing.T) {
	obj := &fakeObject{err: dbus.Error{Name: "iot.agile.DeviceManager.Error.AlreadyExists"}}
	c := NewClient(bus.NewProxy(obj, ServiceName, InterfaceName))

	_, err := c.Create(context.Background(), agile.SmokeTestDevice)
	assert.ErrorIs(t, err, bus.ErrRemoteCall)
	assert.Contains(t, err.Error(), "78:C5:E5:6E:E4:CF")
}
