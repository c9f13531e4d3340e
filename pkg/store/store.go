package store

import (
	"agile/pkg/devicemanager"
	"agile/pkg/protocolmanager"
	"agile/pkg/smoke"
	"encoding/json"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	configBucket = "agile"
	runsBucket   = "runs"

	endpointsKey = "endpoints"
	mqttKey      = "mqtt_config"
)

// DefaultMQTTTopic is the report topic prefix used when none is configured.
const DefaultMQTTTopic = "agile/smoke"

// Endpoints are the bus objects targeted by a smoke run.
type Endpoints struct {
	ProtocolManager smoke.Endpoint `json:"protocol_manager"`
	DeviceManager   smoke.Endpoint `json:"device_manager"`
}

// MQTTConfig is where run reports are published. An empty Broker disables publishing.
type MQTTConfig struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	Username string `json:"username"`
	Password string `json:"password"`
}

var defaultEndpoints = Endpoints{
	ProtocolManager: smoke.Endpoint{Service: protocolmanager.ServiceName, Path: protocolmanager.ObjectPath},
	DeviceManager:   smoke.Endpoint{Service: devicemanager.ServiceName, Path: devicemanager.ObjectPath},
}

type Store struct {
	db *bolt.DB
}

// NewStore wraps db and writes default settings that are not already set.
func NewStore(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults() error {
	if _, err := s.GetEndpoints(); err != nil {
		log.Infof("Setting default endpoints")
		if err := s.SetEndpoints(defaultEndpoints); err != nil {
			return err
		}
	}

	if _, err := s.GetMQTTConfig(); err != nil {
		log.Infof("Setting default MQTT config")
		if err := s.SetMQTTConfig(MQTTConfig{Topic: DefaultMQTTTopic}); err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(runsBucket))
		return err
	})
}

// SetEndpoints saves the target endpoints as a json string in the database.
func (s *Store) SetEndpoints(eps Endpoints) error {
	for _, ep := range []smoke.Endpoint{eps.ProtocolManager, eps.DeviceManager} {
		if ep.Service == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		if !dbus.ObjectPath(ep.Path).IsValid() {
			return fmt.Errorf("invalid object path: %q", ep.Path)
		}
	}
	return s.put(endpointsKey, eps)
}

// GetEndpoints retrieves the target endpoints from the database.
func (s *Store) GetEndpoints() (Endpoints, error) {
	var eps Endpoints
	err := s.get(endpointsKey, &eps)
	return eps, err
}

// SetMQTTConfig saves the MQTT configuration as a json string in the database.
func (s *Store) SetMQTTConfig(cfg MQTTConfig) error {
	if cfg.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	return s.put(mqttKey, cfg)
}

// GetMQTTConfig retrieves the MQTT configuration from the database.
func (s *Store) GetMQTTConfig() (MQTTConfig, error) {
	var cfg MQTTConfig
	err := s.get(mqttKey, &cfg)
	return cfg, err
}

// SaveRun appends report to the run history.
func (s *Store) SaveRun(report *smoke.Report) error {
	value, err := json.Marshal(report)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(runsBucket))
		if err != nil {
			return err
		}
		return b.Put(runKey(report.Started), value)
	})
}

// Runs returns up to limit stored reports, newest first. A limit of zero
// or less returns all of them.
func (s *Store) Runs(limit int) ([]smoke.Report, error) {
	var reports []smoke.Report

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(runsBucket))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(reports) >= limit {
				break
			}
			var r smoke.Report
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode run %s: %v", k, err)
			}
			reports = append(reports, r)
		}
		return nil
	})

	return reports, err
}

// runKey orders runs by start time under a byte-wise cursor.
func runKey(t time.Time) []byte {
	return []byte(t.UTC().Format("20060102T150405.000000000Z"))
}

func (s *Store) put(key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(configBucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %v", key, err)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) get(key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(configBucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", configBucket)
		}

		value := b.Get([]byte(key))
		if value == nil {
			return fmt.Errorf("key %s not found", key)
		}

		return json.Unmarshal(value, v)
	})
}
