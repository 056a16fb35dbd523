package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-odometer/internal/models"
)

// ErrDispatchFailure wraps a notifier error for one (vehicle, condition).
var ErrDispatchFailure = errors.New("alert dispatch failed")

// ChannelHint tells the notifier which delivery channel the alert prefers.
type ChannelHint string

const (
	ChannelSMS   ChannelHint = "sms"
	ChannelPush  ChannelHint = "push"
	ChannelEmail ChannelHint = "email"
)

// Message is one alert about one vehicle condition.
type Message struct {
	VehicleID string               `json:"vehicle_id"`
	Condition models.ConditionType `json:"condition"`
	Severity  string               `json:"severity"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	RaisedAt  time.Time            `json:"raised_at"`
}

// Notifier delivers alerts. Implementations own retries; the scheduler calls Send once.
type Notifier interface {
	Send(ctx context.Context, recipients []string, msg Message, hint ChannelHint) error
}

// MQTTConfig configures the broker connection of an MQTTNotifier.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// MQTTNotifier publishes alerts as JSON to <prefix>/<channel> for the
// delivery gateways subscribed there.
type MQTTNotifier struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

type mqttPayload struct {
	Message
	Recipients []string    `json:"recipients"`
	Channel    ChannelHint `json:"channel"`
}

// NewMQTTNotifier connects to the broker.
func NewMQTTNotifier(cfg MQTTConfig) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", cfg.Broker, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return NewMQTTNotifierWithClient(client, cfg.TopicPrefix, cfg.QoS, cfg.Timeout), nil
}

// NewMQTTNotifierWithClient wraps an already configured client.
func NewMQTTNotifierWithClient(client mqtt.Client, prefix string, qos byte, timeout time.Duration) *MQTTNotifier {
	if prefix == "" {
		prefix = "fleet/alerts"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTNotifier{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		timeout: timeout,
	}
}

// Send publishes the alert and waits for the broker to acknowledge it.
func (n *MQTTNotifier) Send(ctx context.Context, recipients []string, msg Message, hint ChannelHint) error {
	if len(recipients) == 0 {
		return errors.New("no recipients")
	}
	payload, err := json.Marshal(mqttPayload{Message: msg, Recipients: recipients, Channel: hint})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	topic := n.prefix + "/" + string(hint)
	token := n.client.Publish(topic, n.qos, false, payload)

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publish to %s: timed out after %s", topic, n.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}

// LogNotifier writes alerts to the log. Used when no broker is configured.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Send(ctx context.Context, recipients []string, msg Message, hint ChannelHint) error {
	logger := n.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"vehicle_id": msg.VehicleID,
		"condition":  msg.Condition,
		"severity":   msg.Severity,
		"recipients": strings.Join(recipients, ","),
		"channel":    hint,
	}).Info(msg.Title)
	return nil
}
