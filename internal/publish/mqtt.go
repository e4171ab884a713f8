// Package publish pushes fresh snapshots to an MQTT broker as retained
// JSON messages, one topic per group.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/snapshot"
)

const (
	qosAtLeastOnce    = 1
	disconnectQuiesce = 250 // milliseconds
	defaultWait       = 5 * time.Second
)

// Client is the subset of mqtt.Client the publisher needs.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// Message is the payload published for each snapshot.
type Message struct {
	Group  string           `json:"group"`
	Label  string           `json:"label"`
	Values []snapshot.Value `json:"values"`
	Taken  time.Time        `json:"taken"`
}

// Config holds the broker connection settings.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Wait     time.Duration
}

// MQTTPublisher is a sink that publishes every delivered snapshot.
type MQTTPublisher struct {
	client Client
	topic  string
	wait   time.Duration
	logger *zap.Logger
}

// NewMQTT builds a publisher backed by a paho client. The connection is
// opened by Start.
func NewMQTT(cfg Config, logger *zap.Logger) *MQTTPublisher {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(waitOrDefault(cfg.Wait))
	return NewWithClient(mqtt.NewClient(opts), cfg, logger)
}

// NewWithClient builds a publisher on an existing client.
func NewWithClient(client Client, cfg Config, logger *zap.Logger) *MQTTPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTPublisher{
		client: client,
		topic:  cfg.Topic,
		wait:   waitOrDefault(cfg.Wait),
		logger: logger,
	}
}

func waitOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultWait
	}
	return d
}

// Name implements sink.Sink.
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Start connects to the broker.
func (p *MQTTPublisher) Start(context.Context) error {
	if err := p.await(p.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.logger.Info("mqtt connected", zap.String("topic", p.topic))
	return nil
}

// Stop disconnects from the broker.
func (p *MQTTPublisher) Stop() error {
	p.client.Disconnect(disconnectQuiesce)
	return nil
}

// Topic returns the topic a group's snapshots are published on.
func (p *MQTTPublisher) Topic(group string) string {
	return p.topic + "/" + group
}

// Publish sends snap as a retained message on the group's topic.
func (p *MQTTPublisher) Publish(snap *snapshot.Snapshot) error {
	payload, err := json.Marshal(Message{
		Group:  snap.Group,
		Label:  snap.Label(),
		Values: snap.Values,
		Taken:  snap.Taken,
	})
	if err != nil {
		return fmt.Errorf("marshal %q: %w", snap.Group, err)
	}
	if err := p.await(p.client.Publish(p.Topic(snap.Group), qosAtLeastOnce, true, payload)); err != nil {
		return fmt.Errorf("publish %q: %w", snap.Group, err)
	}
	return nil
}

func (p *MQTTPublisher) await(tok mqtt.Token) error {
	if !tok.WaitTimeout(p.wait) {
		return errors.New("timed out waiting for broker")
	}
	return tok.Error()
}

// OnSnapshot implements poller.Consumer.
func (p *MQTTPublisher) OnSnapshot(_ context.Context, snap *snapshot.Snapshot) {
	if err := p.Publish(snap); err != nil {
		p.logger.Warn("mqtt publish failed", zap.String("group", snap.Group), zap.Error(err))
	}
}

// OnNoUpdate implements poller.Consumer. The retained message on the
// broker keeps serving the previous snapshot.
func (p *MQTTPublisher) OnNoUpdate(_ context.Context, group string, _ error) {
	p.logger.Debug("no update to publish", zap.String("group", group))
}
