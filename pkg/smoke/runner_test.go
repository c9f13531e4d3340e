package smoke

import (
	"agile/pkg/agile"
	"agile/pkg/bus"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is shared by all fake objects so that call order across
// services can be asserted.
type recorder struct {
	calls []string
	args  map[string][]interface{}
}

type fakeObject struct {
	rec     *recorder
	replies map[string]func() *dbus.Call
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.rec.calls = append(o.rec.calls, method)
	o.rec.args[method] = args
	if reply, ok := o.replies[method]; ok {
		return reply()
	}
	return &dbus.Call{}
}

type fakeBus struct {
	objects map[string]*fakeObject
	closed  bool
}

func (b *fakeBus) Resolve(ctx context.Context, service, path, iface string) (*bus.Proxy, error) {
	obj, ok := b.objects[service]
	if !ok {
		return nil, &bus.ServiceNotFoundError{Service: service}
	}
	return bus.NewProxy(obj, service, iface), nil
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

// newStubServices returns a bus whose Device Manager lists no devices until
// Create has been called, and one device afterwards. Replies use the shapes
// godbus produces when decoding a(ssss): each struct arrives as []interface{}.
func newStubServices() (*fakeBus, *recorder) {
	rec := &recorder{args: map[string][]interface{}{}}
	created := false

	pm := &fakeObject{rec: rec, replies: map[string]func() *dbus.Call{
		"iot.agile.ProtocolManager.Devices": func() *dbus.Call {
			return &dbus.Call{Body: []interface{}{[][]interface{}{}}}
		},
	}}

	dm := &fakeObject{rec: rec, replies: map[string]func() *dbus.Call{
		"iot.agile.DeviceManager.devices": func() *dbus.Call {
			if !created {
				return &dbus.Call{Body: []interface{}{[][]interface{}{}}}
			}
			return &dbus.Call{Body: []interface{}{[][]interface{}{
				{"ble78C5E56EE4CF", "iot.agile.protocol.BLE", "SensorTag", "DISCONNECTED"},
			}}}
		},
		"iot.agile.DeviceManager.Create": func() *dbus.Call {
			created = true
			return &dbus.Call{Body: []interface{}{"ble78C5E56EE4CF"}}
		},
	}}

	return &fakeBus{objects: map[string]*fakeObject{
		"iot.agile.ProtocolManager": pm,
		"iot.agile.DeviceManager":   dm,
	}}, rec
}

func dialTo(b Bus) DialFunc {
	return func(ctx context.Context) (Bus, error) {
		return b, nil
	}
}

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetLevel(log.DebugLevel)
	return logger.WithField("component", "smoke")
}

func TestRunCallOrder(t *testing.T) {
	b, rec := newStubServices()
	var out bytes.Buffer

	runner := NewRunner(dialTo(b), DefaultConfig(), &out, testLogger(), nil)
	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"iot.agile.ProtocolManager.StartDiscovery",
		"iot.agile.ProtocolManager.Devices",
		"iot.agile.DeviceManager.devices",
		"iot.agile.DeviceManager.Create",
		"iot.agile.DeviceManager.devices",
	}, rec.calls)
	assert.Equal(t, []string{"StartDiscovery", "Devices", "devices", "Create", "devices"}, report.Methods())
	assert.True(t, report.OK())
	assert.True(t, b.closed)
}

func TestRunCreateArguments(t *testing.T) {
	b, rec := newStubServices()

	runner := NewRunner(dialTo(b), DefaultConfig(), &bytes.Buffer{}, testLogger(), nil)
	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	args := rec.args["iot.agile.DeviceManager.Create"]
	require.Len(t, args, 1)
	assert.Equal(t, agile.DeviceDefinition{
		Address:  "78:C5:E5:6E:E4:CF",
		Protocol: "iot.agile.protocol.BLE",
		Name:     "SensorTag",
		Extra:    "",
		Streams:  []agile.DeviceComponent{{ID: "Temperature", Unit: "celsius"}},
	}, args[0])
}

func TestRunOutput(t *testing.T) {
	b, _ := newStubServices()
	var out bytes.Buffer

	runner := NewRunner(dialTo(b), DefaultConfig(), &out, testLogger(), nil)
	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	expected := "[]\n" +
		"[]\n" +
		"ble78C5E56EE4CF\n" +
		"[[ble78C5E56EE4CF iot.agile.protocol.BLE SensorTag DISCONNECTED]]\n"
	assert.Equal(t, expected, out.String())
}

func TestRunDialFailure(t *testing.T) {
	dial := func(ctx context.Context) (Bus, error) {
		return nil, &bus.ConnectionError{Err: errors.New("no session bus")}
	}
	var out bytes.Buffer

	report, err := NewRunner(dial, DefaultConfig(), &out, testLogger(), nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrConnection)
	assert.Empty(t, report.Steps)
	assert.Equal(t, "connection", report.Kind)
	assert.Empty(t, out.String())
}

func TestRunProtocolManagerMissing(t *testing.T) {
	b, rec := newStubServices()
	delete(b.objects, "iot.agile.ProtocolManager")

	report, err := NewRunner(dialTo(b), DefaultConfig(), &bytes.Buffer{}, testLogger(), nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrServiceNotFound)
	assert.Empty(t, rec.calls)
	assert.Empty(t, report.Steps)
	assert.Equal(t, "service_not_found", report.Kind)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	tests := []struct {
		name      string
		failing   string
		wantCalls int
	}{
		{name: "start discovery", failing: "iot.agile.ProtocolManager.StartDiscovery", wantCalls: 1},
		{name: "protocol devices", failing: "iot.agile.ProtocolManager.Devices", wantCalls: 2},
		{name: "create", failing: "iot.agile.DeviceManager.Create", wantCalls: 4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, rec := newStubServices()
			for _, obj := range b.objects {
				obj.replies[tc.failing] = func() *dbus.Call {
					return &dbus.Call{Err: dbus.Error{Name: "iot.agile.Error.Failed", Body: []interface{}{"failed"}}}
				}
			}

			report, err := NewRunner(dialTo(b), DefaultConfig(), &bytes.Buffer{}, testLogger(), nil).Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, bus.ErrRemoteCall)
			assert.Len(t, rec.calls, tc.wantCalls)
			assert.Equal(t, tc.failing, rec.calls[len(rec.calls)-1])
			assert.False(t, report.OK())
			assert.Equal(t, "remote_call", report.Kind)
			assert.NotEmpty(t, report.Steps[len(report.Steps)-1].Error)
		})
	}
}

func TestRunNotIdempotent(t *testing.T) {
	b, rec := newStubServices()
	runner := NewRunner(dialTo(b), DefaultConfig(), &bytes.Buffer{}, testLogger(), nil)

	_, err := runner.Run(context.Background())
	require.NoError(t, err)
	_, err = runner.Run(context.Background())
	require.NoError(t, err)

	creates := 0
	for _, c := range rec.calls {
		if c == "iot.agile.DeviceManager.Create" {
			creates++
		}
	}
	assert.Equal(t, 2, creates)
}

func TestRunMetrics(t *testing.T) {
	b, _ := newStubServices()
	b.objects["iot.agile.DeviceManager"].replies["iot.agile.DeviceManager.Create"] = func() *dbus.Call {
		return &dbus.Call{Err: dbus.Error{Name: "iot.agile.DeviceManager.Error.AlreadyExists"}}
	}
	metrics := NewMetrics()

	_, err := NewRunner(dialTo(b), DefaultConfig(), &bytes.Buffer{}, testLogger(), metrics).Run(context.Background())
	require.Error(t, err)

	failures := metrics.callFailures.WithLabelValues("iot.agile.DeviceManager", "Create", "remote_call")
	assert.Equal(t, 1.0, testutil.ToFloat64(failures))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.lastSuccess))
	assert.Equal(t, 4, testutil.CollectAndCount(metrics.callDuration))

	count, err := testutil.GatherAndCount(metrics.Registry(),
		"agile_smoke_call_duration_seconds",
		"agile_smoke_call_failures_total",
		"agile_smoke_last_run_success",
		"agile_smoke_last_run_timestamp_seconds",
	)
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	path := filepath.Join(t.TempDir(), "agile_smoke.prom")
	require.NoError(t, metrics.WriteTextfile(path))
	assert.FileExists(t, path)
}
