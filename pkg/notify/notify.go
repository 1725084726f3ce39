// Package notify publishes decision outcomes to an MQTT broker so other
// tools can follow what the operator (or the auto-respond timer) decided.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/zyuc/mockbroker/pkg/decision"
	"github.com/zyuc/mockbroker/pkg/logging"
)

// DefaultTopic is the topic prefix used when none is configured.
const DefaultTopic = "mockbroker/decisions"

// Config configures the MQTT publisher.
type Config struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883. A bare host:port
	// is treated as tcp.
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Message is the JSON payload published for an outcome.
type Message struct {
	RequestID    string    `json:"requestId"`
	Endpoint     string    `json:"endpoint"`
	Project      string    `json:"project"`
	Source       string    `json:"source"`
	Phase        string    `json:"phase"`
	Trigger      string    `json:"trigger,omitempty"`
	Status       string    `json:"status,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
	At           time.Time `json:"at"`
}

// Publisher sends completed and failed decisions to MQTT.
type Publisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	log     *slog.Logger
}

// Connect dials the broker and returns a publisher.
func Connect(cfg Config, log *slog.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if log == nil {
		log = logging.Nop()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mockbroker-" + uuid.New().String()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", cfg.QoS)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	return &Publisher{
		client:  client,
		topic:   strings.TrimSuffix(cfg.Topic, "/"),
		qos:     cfg.QoS,
		timeout: cfg.PublishTimeout,
		log:     log,
	}, nil
}

func brokerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

// Topic returns the topic an outcome in phase is published to.
func (p *Publisher) Topic(phase decision.Phase) string {
	return p.topic + "/" + phase.String()
}

// Observe publishes s when it is a completed or failed outcome. It is meant
// to be registered as a decision.Observer and never blocks on the network.
func (p *Publisher) Observe(s decision.Snapshot) {
	if s.Phase != decision.Completed && s.Phase != decision.Failed {
		return
	}
	msg := Message{
		RequestID:    s.RequestID,
		Endpoint:     s.Endpoint,
		Project:      s.Project,
		Source:       s.Source.String(),
		Phase:        s.Phase.String(),
		Trigger:      string(s.Trigger),
		Status:       s.Trigger.Label(),
		ResponseBody: s.ResponseBody,
		Error:        s.LastError,
		Attempts:     s.Attempts,
		At:           time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to encode notification", "requestId", s.RequestID, "error", err)
		return
	}

	topic := p.Topic(s.Phase)
	token := p.client.Publish(topic, p.qos, false, data)
	go func() {
		if !token.WaitTimeout(p.timeout) {
			p.log.Warn("mqtt publish timed out", "topic", topic, "requestId", s.RequestID)
			return
		}
		if err := token.Error(); err != nil {
			p.log.Warn("mqtt publish failed", "topic", topic, "requestId", s.RequestID, "error", err)
		}
	}()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
