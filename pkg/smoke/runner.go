// Package smoke runs the fixed Protocol Manager / Device Manager call
// sequence against a live bus and reports each result.
package smoke

import (
	"agile/pkg/agile"
	"agile/pkg/bus"
	"agile/pkg/devicemanager"
	"agile/pkg/protocolmanager"
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// Bus resolves remote objects. *bus.Session implements it.
type Bus interface {
	Resolve(ctx context.Context, service, path, iface string) (*bus.Proxy, error)
	Close() error
}

// DialFunc opens the bus connection used for one run.
type DialFunc func(ctx context.Context) (Bus, error)

// Endpoint names a remote object. Its interface name is the service name.
type Endpoint struct {
	Service string `json:"service"`
	Path    string `json:"path"`
}

type Config struct {
	ProtocolManager Endpoint
	DeviceManager   Endpoint
	Device          agile.DeviceDefinition
}

// DefaultConfig targets the standard AGILE gateway services.
func DefaultConfig() Config {
	return Config{
		ProtocolManager: Endpoint{Service: protocolmanager.ServiceName, Path: protocolmanager.ObjectPath},
		DeviceManager:   Endpoint{Service: devicemanager.ServiceName, Path: devicemanager.ObjectPath},
		Device:          agile.SmokeTestDevice,
	}
}

// Runner executes the smoke sequence. Each run uses its own bus connection.
type Runner struct {
	dial    DialFunc
	config  Config
	out     io.Writer
	logger  log.FieldLogger
	metrics *Metrics
}

func NewRunner(dial DialFunc, config Config, out io.Writer, logger log.FieldLogger, metrics *Metrics) *Runner {
	return &Runner{
		dial:    dial,
		config:  config,
		out:     out,
		logger:  logger,
		metrics: metrics,
	}
}

// Run issues StartDiscovery, Devices, devices, Create and devices, in that
// order, and stops at the first failure. The returned report is never nil.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{Started: time.Now()}

	err := r.run(ctx, report)
	report.finish(time.Now(), err)
	if r.metrics != nil {
		r.metrics.observeRun(report.Finished, err == nil)
	}

	return report, err
}

func (r *Runner) run(ctx context.Context, report *Report) error {
	session, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	defer session.Close()

	pmProxy, err := r.resolve(ctx, session, r.config.ProtocolManager)
	if err != nil {
		return err
	}
	pm := protocolmanager.NewClient(pmProxy)
	pmService := r.config.ProtocolManager.Service

	if err := r.step(report, pmService, "StartDiscovery", false, func() (interface{}, error) {
		return nil, pm.StartDiscovery(ctx)
	}); err != nil {
		return err
	}

	if err := r.step(report, pmService, "Devices", true, func() (interface{}, error) {
		return pm.Devices(ctx)
	}); err != nil {
		return err
	}

	dmProxy, err := r.resolve(ctx, session, r.config.DeviceManager)
	if err != nil {
		return err
	}
	dm := devicemanager.NewClient(dmProxy)
	dmService := r.config.DeviceManager.Service

	if err := r.step(report, dmService, "devices", true, func() (interface{}, error) {
		return dm.Devices(ctx)
	}); err != nil {
		return err
	}

	if err := r.step(report, dmService, "Create", true, func() (interface{}, error) {
		return dm.Create(ctx, r.config.Device)
	}); err != nil {
		return err
	}

	return r.step(report, dmService, "devices", true, func() (interface{}, error) {
		return dm.Devices(ctx)
	})
}

func (r *Runner) resolve(ctx context.Context, session Bus, ep Endpoint) (*bus.Proxy, error) {
	proxy, err := session.Resolve(ctx, ep.Service, ep.Path, ep.Service)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ep.Service, err)
	}
	return proxy, nil
}

// step invokes call, records it in the report and, if echo is set, writes
// its result as one line of output.
func (r *Runner) step(report *Report, service, method string, echo bool, call func() (interface{}, error)) error {
	logger := r.logger.WithFields(log.Fields{"service": service, "method": method})
	logger.Debug("Calling")

	start := time.Now()
	result, err := call()
	elapsed := time.Since(start)

	st := Step{
		Service:  service,
		Method:   method,
		Duration: elapsed,
	}
	if r.metrics != nil {
		r.metrics.observeCall(service, method, elapsed, bus.Kind(err))
	}

	if err != nil {
		st.Error = err.Error()
		report.Steps = append(report.Steps, st)
		logger.Errorf("Call failed after %s: %v", elapsed, err)
		return err
	}

	st.Result = formatResult(result)
	report.Steps = append(report.Steps, st)
	logger.Debugf("Call returned in %s", elapsed)

	if echo {
		if _, err := fmt.Fprintln(r.out, st.Result); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return nil
}

func formatResult(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return "(no result)"
	case fmt.Stringer:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}
