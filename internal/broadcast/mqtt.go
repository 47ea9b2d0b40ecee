// Package broadcast publishes fused position updates to an MQTT broker.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"crowdbus/internal/domain"
)

// Publisher is the subset of mqtt.Client the broadcaster needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Retain      bool
}

// MQTT publishes each update to <prefix>/bus/<busId>/position.
type MQTT struct {
	client Publisher
	cfg    Config
	queue  chan []domain.PositionUpdate
	logger *slog.Logger
}

// Connect dials the broker with auto-reconnect enabled and returns a
// connected mqtt.Client.
func Connect(cfg Config, logger *slog.Logger) (mqtt.Client, error) {
	logger = logger.With("component", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return client, nil
}

func NewMQTT(client Publisher, cfg Config, logger *slog.Logger) *MQTT {
	return &MQTT{
		client: client,
		cfg:    cfg,
		queue:  make(chan []domain.PositionUpdate, 64),
		logger: logger.With("component", "mqtt"),
	}
}

// Topic returns the position topic for a bus.
func (m *MQTT) Topic(busID string) string {
	return fmt.Sprintf("%s/bus/%s/position", m.cfg.TopicPrefix, busID)
}

// Broadcast queues updates for publishing and never blocks.
func (m *MQTT) Broadcast(updates []domain.PositionUpdate) {
	if len(updates) == 0 {
		return
	}
	select {
	case m.queue <- updates:
	default:
		m.logger.Warn("mqtt queue full, dropping updates", "count", len(updates))
	}
}

// Run publishes queued updates until ctx is done.
func (m *MQTT) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case updates := <-m.queue:
			m.publish(updates)
		}
	}
}

func (m *MQTT) publish(updates []domain.PositionUpdate) {
	for _, u := range updates {
		payload, err := json.Marshal(u)
		if err != nil {
			continue
		}
		token := m.client.Publish(m.Topic(u.BusID), m.cfg.QoS, m.cfg.Retain, payload)
		if !token.WaitTimeout(5 * time.Second) {
			m.logger.Warn("mqtt publish timed out", "bus_id", u.BusID)
			continue
		}
		if err := token.Error(); err != nil {
			m.logger.Warn("mqtt publish failed", "bus_id", u.BusID, "error", err)
		}
	}
}
