package main

import (
	"agile/pkg/bus"
	"agile/pkg/report"
	"agile/pkg/simulator"
	"agile/pkg/smoke"
	"agile/pkg/store"
	"agile/templates"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
)

func connect(ctx context.Context, address string) (*bus.Session, error) {
	logger := log.WithField("component", "bus")
	if address == "" {
		return bus.Connect(ctx, logger)
	}
	return bus.ConnectAddress(ctx, address, logger)
}

// dialer connects to the bus at address, or to the session bus if address is empty.
func dialer(address string) smoke.DialFunc {
	return func(ctx context.Context) (smoke.Bus, error) {
		session, err := connect(ctx, address)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func openStore(c *cli.Context) (*bolt.DB, *store.Store, error) {
	db, err := bolt.Open(c.String("db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %v", err)
	}

	st, err := store.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create store: %v", err)
	}
	return db, st, nil
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if timeout := c.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cfg := smoke.DefaultConfig()
	mqttCfg := store.MQTTConfig{Topic: store.DefaultMQTTTopic}

	// The store only tunes the run; the bus calls go ahead without it.
	db, st, err := openStore(c)
	if err != nil {
		log.Warnf("Running with default settings: %v", err)
	} else {
		defer db.Close()
		if eps, err := st.GetEndpoints(); err != nil {
			log.Warnf("Failed to get endpoints, using defaults: %v", err)
		} else {
			cfg.ProtocolManager = eps.ProtocolManager
			cfg.DeviceManager = eps.DeviceManager
		}
		if stored, err := st.GetMQTTConfig(); err != nil {
			log.Warnf("Failed to get MQTT config: %v", err)
		} else {
			mqttCfg = stored
		}
	}

	metrics := smoke.NewMetrics()
	runner := smoke.NewRunner(dialer(c.String("bus-address")), cfg, c.App.Writer, log.WithField("component", "smoke"), metrics)

	rep, runErr := runner.Run(ctx)

	if st != nil && !c.Bool("no-history") {
		if err := st.SaveRun(rep); err != nil {
			log.Errorf("Failed to save run: %v", err)
		}
	}

	publishReport(c, mqttCfg, rep)

	if path := c.String("metrics-file"); path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			log.Errorf("Failed to write metrics to %s: %v", path, err)
		}
	}

	return runErr
}

// publishReport sends rep to the configured broker, with flags taking
// precedence over mqttCfg. Failures are logged only.
func publishReport(c *cli.Context, mqttCfg store.MQTTConfig, rep *smoke.Report) {
	if c.IsSet("mqtt-broker") {
		mqttCfg.Broker = c.String("mqtt-broker")
	}
	if c.IsSet("mqtt-topic") {
		mqttCfg.Topic = c.String("mqtt-topic")
	}
	if mqttCfg.Broker == "" {
		return
	}
	if mqttCfg.Topic == "" {
		mqttCfg.Topic = store.DefaultMQTTTopic
	}

	pub, err := report.NewPublisher(report.Config{
		Broker:   mqttCfg.Broker,
		Topic:    mqttCfg.Topic,
		Username: mqttCfg.Username,
		Password: mqttCfg.Password,
	}, log.WithField("component", "report"))
	if err != nil {
		log.Errorf("Failed to create MQTT publisher: %v", err)
		return
	}
	defer pub.Close()

	if err := pub.Publish(rep); err != nil {
		log.Errorf("Failed to publish report: %v", err)
	}
}

func history(c *cli.Context) error {
	db, st, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := st.Runs(c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to read history: %v", err)
	}

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}
	return tmpl.ExecuteTemplate(c.App.Writer, "history", runs)
}

func showConfig(c *cli.Context) error {
	db, st, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	eps, err := st.GetEndpoints()
	if err != nil {
		return err
	}
	mqttCfg, err := st.GetMQTTConfig()
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "protocol manager: %s %s\n", eps.ProtocolManager.Service, eps.ProtocolManager.Path)
	fmt.Fprintf(w, "device manager:   %s %s\n", eps.DeviceManager.Service, eps.DeviceManager.Path)
	fmt.Fprintf(w, "mqtt broker:      %s\n", mqttCfg.Broker)
	fmt.Fprintf(w, "mqtt topic:       %s\n", mqttCfg.Topic)
	return nil
}

func setEndpoint(c *cli.Context) error {
	if c.NArg() != 3 {
		return fmt.Errorf("expected <pm|dm> <service> <path>")
	}

	db, st, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	eps, err := st.GetEndpoints()
	if err != nil {
		return err
	}

	ep := smoke.Endpoint{Service: c.Args().Get(1), Path: c.Args().Get(2)}
	switch c.Args().Get(0) {
	case "pm":
		eps.ProtocolManager = ep
	case "dm":
		eps.DeviceManager = ep
	default:
		return fmt.Errorf("unknown endpoint %q, expected pm or dm", c.Args().Get(0))
	}

	log.Infof("Setting endpoints: %+v", eps)
	return st.SetEndpoints(eps)
}

func setMQTT(c *cli.Context) error {
	db, st, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	cfg := store.MQTTConfig{
		Broker:   c.String("broker"),
		Topic:    c.String("topic"),
		Username: c.String("username"),
		Password: c.String("password"),
	}
	log.Infof("Setting MQTT broker %q topic %q", cfg.Broker, cfg.Topic)
	return st.SetMQTTConfig(cfg)
}

func simulate(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithField("component", "simulator")

	session, err := connect(ctx, c.String("bus-address"))
	if err != nil {
		return err
	}
	defer session.Close()

	sim := simulator.New(session.Conn(), simulator.DefaultDiscoverable, logger)
	if err := sim.Serve(); err != nil {
		return fmt.Errorf("failed to start simulator: %v", err)
	}
	defer sim.Close()

	<-ctx.Done()
	logger.Info("Shutting down simulator...")
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "agile-smoke",
		Usage: "Smoke test the AGILE Protocol Manager and Device Manager bus services",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "bus-address",
				Usage:   "Bus address to connect to instead of the session bus",
				EnvVars: []string{"AGILE_BUS_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path of the settings and history database",
				Value:   "agile-smoke.db",
				EnvVars: []string{"AGILE_SMOKE_DB"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "Abort the run after this long (0 waits forever)",
				Value:   0,
				EnvVars: []string{"AGILE_SMOKE_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "mqtt-broker",
				Usage:   "Publish the run report to this MQTT broker",
				EnvVars: []string{"AGILE_MQTT_BROKER"},
			},
			&cli.StringFlag{
				Name:    "mqtt-topic",
				Usage:   "Topic prefix for the run report",
				EnvVars: []string{"AGILE_MQTT_TOPIC"},
			},
			&cli.StringFlag{
				Name:    "metrics-file",
				Usage:   "Write call metrics to this file in Prometheus text format",
				EnvVars: []string{"AGILE_SMOKE_METRICS_FILE"},
			},
			&cli.BoolFlag{
				Name:  "no-history",
				Usage: "Do not record the run in the database",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the smoke sequence (default)",
				Action: run,
			},
			{
				Name:  "history",
				Usage: "Show recorded runs, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of runs to show (0 for all)",
						Value: 10,
					},
				},
				Action: history,
			},
			{
				Name:  "config",
				Usage: "Show or change stored settings",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Print stored settings",
						Action: showConfig,
					},
					{
						Name:      "set-endpoint",
						Usage:     "Change the service name and object path of a manager",
						ArgsUsage: "<pm|dm> <service> <path>",
						Action:    setEndpoint,
					},
					{
						Name:  "set-mqtt",
						Usage: "Change where run reports are published",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "broker", Usage: "Broker URL, e.g. tcp://localhost:1883 (empty disables)"},
							&cli.StringFlag{Name: "topic", Value: store.DefaultMQTTTopic, Usage: "Topic prefix"},
							&cli.StringFlag{Name: "username"},
							&cli.StringFlag{Name: "password"},
						},
						Action: setMQTT,
					},
				},
			},
			{
				Name:   "simulate",
				Usage:  "Serve simulated Protocol Manager and Device Manager objects on the bus",
				Action: simulate,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.WithField("kind", bus.Kind(err)).Fatalf("Error: %v", err)
	}
}
