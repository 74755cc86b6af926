package mqtt

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"spa_engine/internal/config"
	"spa_engine/internal/logger"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 2 * time.Minute
	maxPayloadSize           = 1 << 20
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrNotConnected     = errors.New("mqtt not connected")
	ErrPublishFailed    = errors.New("mqtt publish failed")
	ErrInvalidTopic     = errors.New("mqtt topic is empty")
)

// Client is a paho connection that publishes with the configured QoS.
type Client struct {
	client    pahomqtt.Client
	qos       byte
	topics    Topics
	clientID  string
	connected atomic.Bool
	log       *logger.Logger
}

// Connect dials the broker. The broker publishes a retained offline status on
// <prefix>/status if the process goes away without Close.
func Connect(cfg config.MQTTConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	c := &Client{
		qos:      byte(cfg.QoS),
		topics:   Topics{Prefix: cfg.TopicPrefix},
		clientID: cfg.ClientID,
		log:      log,
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(c.topics.Status(), statusPayload(cfg.ClientID, "offline", "unexpected_disconnect"), 1, true)

	opts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		c.connected.Store(true)
		pc.Publish(c.topics.Status(), c.qos, true, statusPayload(c.clientID, "online", ""))
		c.log.Infow("mqtt_connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.connected.Store(false)
		c.log.Warnw("mqtt_connection_lost", "err", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.connected.Store(true)
	return c, nil
}

// Topics returns the topic layout the client was configured with.
func (c *Client) Topics() Topics { return c.topics }

// Publish sends payload and waits for the broker acknowledgement.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.connected.Load() || !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() {
	if c.client == nil {
		return
	}
	if c.connected.Load() && c.client.IsConnected() {
		token := c.client.Publish(c.topics.Status(), c.qos, true, statusPayload(c.clientID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
}

func statusPayload(clientID, status, reason string) string {
	if reason == "" {
		return fmt.Sprintf(`{"status":%q,"client_id":%q,"timestamp":%q}`,
			status, clientID, time.Now().UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf(`{"status":%q,"client_id":%q,"reason":%q,"timestamp":%q}`,
		status, clientID, reason, time.Now().UTC().Format(time.RFC3339))
}
