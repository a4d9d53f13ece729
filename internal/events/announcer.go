// Package events announces finished loop iterations over MQTT so external
// dashboards and edge agents can follow the orchestrator without polling
// the API. Announcements are best-effort: a dead broker never blocks or
// fails an iteration.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/core"
)

const defaultTopicPrefix = "promethean"

// Announcer publishes run events to an MQTT broker. It implements
// core.Notifier.
type Announcer struct {
	cfg         config.MQTTConfig
	topicPrefix string
	clientID    string
	logger      *slog.Logger
	client      MQTTClient

	// Factory function for creating the MQTT client, injectable in tests.
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewAnnouncer creates an MQTT run announcer.
func NewAnnouncer(cfg config.MQTTConfig, logger *slog.Logger) *Announcer {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &Announcer{
		cfg:         cfg,
		topicPrefix: prefix,
		clientID:    fmt.Sprintf("promethean-%d", time.Now().Unix()),
		logger:      logger.With("component", "events"),
		clientFactory: func(opts *mqtt.ClientOptions) MQTTClient {
			return &DefaultMQTTClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewAnnouncerWithClient creates an announcer with a custom client factory
// (for testing).
func NewAnnouncerWithClient(cfg config.MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *Announcer {
	a := NewAnnouncer(cfg, logger)
	a.clientFactory = factory
	return a
}

// Start connects to the broker.
func (a *Announcer) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", a.cfg.Host, a.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(a.clientID)

	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		a.logger.Warn("mqtt connection lost", "error", err)
	})

	a.client = a.clientFactory(opts)

	a.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := a.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	a.logger.Info("mqtt announcer started")
	return nil
}

// Stop disconnects from the broker.
func (a *Announcer) Stop() {
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
	a.logger.Info("mqtt announcer stopped")
}

// NotifyRun publishes the run event under <prefix>/runs/<module>. Publish
// failures are logged and swallowed; the audit trail in the store is the
// source of truth, the broker only mirrors it. The delivery wait happens
// off the caller's goroutine, keeping the core.Notifier no-block contract
// even against a stalled broker.
func (a *Announcer) NotifyRun(ctx context.Context, ev core.RunEvent) {
	if a.client == nil || !a.client.IsConnected() {
		a.logger.Debug("mqtt not connected, run event skipped")
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("marshal run event", "error", err)
		return
	}

	topic := fmt.Sprintf("%s/runs/%s", a.topicPrefix, ev.Run.TargetModuleID)

	// QoS 1 for at-least-once delivery.
	token := a.client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			a.logger.Warn("run event publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			a.logger.Warn("run event publish failed", "topic", topic, "error", err)
			return
		}
		a.logger.Debug("run event published", "topic", topic, "size", len(payload))
	}()
}
