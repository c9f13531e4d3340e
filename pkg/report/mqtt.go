// Package report publishes smoke run reports to an MQTT broker.
package report

import (
	"agile/pkg/smoke"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	clientID       = "agile-smoke"
	qos            = 1
	publishTimeout = 5 * time.Second
	disconnectMs   = 250
)

type Config struct {
	Broker   string
	Topic    string
	Username string
	Password string
}

// client is the subset of mqtt.Client used by the publisher.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends run reports to <topic>/report.
type Publisher struct {
	client client
	topic  string
	logger log.FieldLogger
}

// createMQTTClient connects to the broker named in cfg.
func createMQTTClient(cfg Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(clientID)
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetConnectTimeout(publishTimeout)

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return mqttClient, nil
}

// NewPublisher connects to the broker in cfg.
func NewPublisher(cfg Config, logger log.FieldLogger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("broker cannot be empty")
	}

	c, err := createMQTTClient(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Connected to MQTT broker %s", cfg.Broker)

	return newPublisher(c, cfg.Topic, logger), nil
}

func newPublisher(c client, topic string, logger log.FieldLogger) *Publisher {
	return &Publisher{client: c, topic: topic, logger: logger}
}

// Publish sends r as JSON and waits for the broker to acknowledge it.
func (p *Publisher) Publish(r *smoke.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %v", err)
	}

	topic := p.topic + "/report"
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %v", topic, err)
	}

	p.logger.Debugf("Published report to %s", topic)
	return nil
}

func (p *Publisher) Close() {
	p.client.Disconnect(disconnectMs)
}
