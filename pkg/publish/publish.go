// Package publish announces palpation results to an MQTT broker.
//
// Each completed attempt is published as JSON on <prefix>/attempt. The
// session state is kept as a retained message on <prefix>/status, with a
// last will so subscribers see "offline" if the monitor dies.
package publish

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/raghavauppuluri13/robot-palpation/pkg/config"
	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	disconnectMS   = 250
)

// Attempt is the outcome message for one palpation attempt.
type Attempt struct {
	Session   string     `json:"session"`
	AttemptID int64      `json:"attempt_id"`
	Stiffness float64    `json:"stiffness"`
	Probe     [3]float64 `json:"probe_point"`
	Normal    [3]float64 `json:"surface_normal"`
	Time      time.Time  `json:"time"`
}

// Status is the retained session state message.
type Status struct {
	Session string    `json:"session"`
	State   string    `json:"state"`
	Time    time.Time `json:"time"`
}

// Publisher sends palpation results somewhere.
type Publisher interface {
	PublishAttempt(a Attempt) error
	PublishStatus(state string) error
	Close() error
}

// Nop discards everything. It is used when MQTT is disabled.
type Nop struct{}

func (Nop) PublishAttempt(Attempt) error { return nil }
func (Nop) PublishStatus(string) error   { return nil }
func (Nop) Close() error                 { return nil }

// client is the part of mqtt.Client the publisher needs.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes to a broker through paho.
type MQTTPublisher struct {
	client  client
	prefix  string
	qos     byte
	session string
	logger  *log.Logger

	mu        sync.Mutex
	published uint64
	failures  uint64
}

// New returns Nop when MQTT is disabled, and a connected MQTTPublisher
// otherwise.
func New(cfg config.MQTTSettings, session string) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	p, err := Connect(cfg, session)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Connect dials the broker and marks the session online.
func Connect(cfg config.MQTTSettings, session string) (*MQTTPublisher, error) {
	logger := log.GetLogger("mqtt")
	p := &MQTTPublisher{
		prefix:  cfg.TopicPrefix,
		qos:     byte(cfg.QoS),
		session: session,
		logger:  logger,
	}

	will, _ := json.Marshal(Status{Session: session, State: "offline"})
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(p.topic("status"), string(will), p.qos, true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("broker connection lost, reconnecting")
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, perrors.TimeoutError("mqtt connect to "+cfg.Broker, connectTimeout.Seconds())
	}
	if err := token.Error(); err != nil {
		return nil, perrors.Wrap(err, perrors.ErrRuntime, "mqtt connect").
			SetContext("broker", cfg.Broker)
	}
	p.client = c
	if err := p.PublishStatus("online"); err != nil {
		logger.WithError(err).Warn("status publish failed")
	}
	return p, nil
}

func (p *MQTTPublisher) topic(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

func (p *MQTTPublisher) publish(topic string, retained bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	if !p.client.IsConnected() {
		p.fail()
		return fmt.Errorf("publish %s: not connected", topic)
	}
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.fail()
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		p.fail()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.logger.Debug("published %s (%d bytes)", topic, len(payload))
	return nil
}

func (p *MQTTPublisher) fail() {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
}

// PublishAttempt sends one attempt outcome.
func (p *MQTTPublisher) PublishAttempt(a Attempt) error {
	if a.Session == "" {
		a.Session = p.session
	}
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	return p.publish(p.topic("attempt"), false, a)
}

// PublishStatus replaces the retained session state.
func (p *MQTTPublisher) PublishStatus(state string) error {
	return p.publish(p.topic("status"), true, Status{Session: p.session, State: state, Time: time.Now()})
}

// Stats returns the number of successful and failed publishes.
func (p *MQTTPublisher) Stats() (published, failures uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failures
}

// Close marks the session offline and disconnects.
func (p *MQTTPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	if p.client.IsConnected() {
		if err := p.PublishStatus("offline"); err != nil {
			p.logger.WithError(err).Warn("status publish failed")
		}
	}
	p.client.Disconnect(disconnectMS)
	return nil
}
