// Package mqttpub publishes unit readings and link state over MQTT.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hartwell/airbridge/unitlink"
)

type Config struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	TopicRoot string
}

// Reading is the JSON document published for every value read from the unit.
type Reading struct {
	Name          string `json:"name"`
	Key           string `json:"key"`
	Value         string `json:"value"`
	Timestamp     string `json:"ts"`
	LastChangedAt string `json:"lc,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
}

// LinkState is the JSON document published when the link goes up or down.
type LinkState struct {
	Connected    bool   `json:"connected"`
	DroppedTasks int    `json:"droppedTasks,omitempty"`
	Timestamp    string `json:"ts"`
}

// Publisher holds a connection to a single MQTT broker.
type Publisher struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	client pahomqtt.Client
}

func New(cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{
		config: cfg,
		logger: logger,
	}
}

// Start connects to the broker. Once connected the client reconnects on its
// own, so a transient broker outage only costs the messages sent during it.
func (p *Publisher) Start() error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.Broker)
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("connect to broker %s: timeout", p.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker %s: %w", p.config.Broker, err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info("Connected to MQTT broker", "broker", p.config.Broker)
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(500)
	}
}

// ReadingTopic returns the topic a variable's readings are published on.
func (p *Publisher) ReadingTopic(name string) string {
	return fmt.Sprintf("%s/values/%s", p.config.TopicRoot, name)
}

// LinkTopic returns the topic link state documents are published on.
func (p *Publisher) LinkTopic() string {
	return p.config.TopicRoot + "/link"
}

// PublishReading publishes one read value, retained so late subscribers see
// the current state immediately.
func (p *Publisher) PublishReading(ev unitlink.GetEvent) {
	p.publish(p.ReadingTopic(ev.Name), buildReading(ev))
}

// PublishLinkState publishes a connectivity transition, retained.
func (p *Publisher) PublishLinkState(connected bool, dropped int) {
	msg := LinkState{
		Connected:    connected,
		DroppedTasks: dropped,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	p.publish(p.LinkTopic(), msg)
}

func buildReading(ev unitlink.GetEvent) Reading {
	msg := Reading{
		Name:      ev.Name,
		Value:     ev.Value,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		RequestID: ev.RequestID,
	}
	if ev.Variable != nil {
		msg.Key = ev.Variable.Key
	}
	if !ev.LastChangedAt.IsZero() {
		msg.LastChangedAt = ev.LastChangedAt.UTC().Format(time.RFC3339)
	}
	return msg
}

func (p *Publisher) publish(topic string, msg interface{}) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal MQTT payload", "error", err, "topic", topic)
		return
	}

	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.logger.Warn("MQTT publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Error("Failed to publish to MQTT", "error", err, "topic", topic)
	}
}
