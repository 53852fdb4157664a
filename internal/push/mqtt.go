package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultTopicPrefix = "droidfleet/devices"
	defaultWakeQoS     = byte(1)
	defaultAckTimeout  = 5 * time.Second
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	AckTimeout  time.Duration
}

// publisher is the slice of the paho client the waker needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	IsConnected() bool
}

// MQTTWaker publishes wake hints to <prefix>/<deviceId>/wake.
type MQTTWaker struct {
	client      MQTT.Client
	pub         publisher
	topicPrefix string
	ackTimeout  time.Duration
	logger      *log.Logger
}

// NewMQTTWaker builds a paho client from cfg. Call Connect before Wake.
func NewMQTTWaker(cfg MQTTConfig, logger *log.Logger) (*MQTTWaker, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt waker: broker required")
	}
	if logger == nil {
		logger = log.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("droidfleet_%d", time.Now().Unix())
	}

	opts := MQTT.NewClientOptions().AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		logger.Printf("mqtt connection lost: broker=%s err=%v", cfg.Broker, err)
	})
	opts.SetOnConnectHandler(func(_ MQTT.Client) {
		logger.Printf("mqtt connected: broker=%s client=%s", cfg.Broker, clientID)
	})

	client := MQTT.NewClient(opts)
	waker := newMQTTWaker(client, cfg, logger)
	waker.client = client
	return waker, nil
}

func newMQTTWaker(pub publisher, cfg MQTTConfig, logger *log.Logger) *MQTTWaker {
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	timeout := cfg.AckTimeout
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MQTTWaker{pub: pub, topicPrefix: prefix, ackTimeout: timeout, logger: logger}
}

// Connect dials the broker.
func (w *MQTTWaker) Connect() error {
	if w.client == nil {
		return ErrNotConnected
	}
	if token := w.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt waker: connect: %w", token.Error())
	}
	return nil
}

// Disconnect closes the broker connection.
func (w *MQTTWaker) Disconnect() {
	if w.client != nil {
		w.client.Disconnect(250)
	}
}

// Channel implements Waker.
func (w *MQTTWaker) Channel() string {
	return "mqtt"
}

// Topic returns the wake topic for a device.
func (w *MQTTWaker) Topic(deviceID string) string {
	return w.topicPrefix + "/" + deviceID + "/wake"
}

// Wake publishes msg at QoS 1 and waits for the broker acknowledgement.
func (w *MQTTWaker) Wake(ctx context.Context, msg WakeMessage) error {
	if msg.DeviceID == "" {
		return errors.New("mqtt waker: device id required")
	}
	if !w.pub.IsConnected() {
		return ErrNotConnected
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	token := w.pub.Publish(w.Topic(msg.DeviceID), defaultWakeQoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.ackTimeout):
		return fmt.Errorf("mqtt waker: ack timeout after %s", w.ackTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt waker: publish: %w", err)
	}
	return nil
}
