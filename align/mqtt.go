package align

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultMQTTPrefix = "cloudreg"

// ResolveMQTTConfig applies the MQTT_* environment overrides to cfg
func ResolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	override := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	override(&cfg.Broker, "MQTT_BROKER")
	override(&cfg.ClientID, "MQTT_CLIENT_ID")
	override(&cfg.Username, "MQTT_USERNAME")
	override(&cfg.Password, "MQTT_PASSWORD")
	override(&cfg.Prefix, "MQTT_PUBLISH_PREFIX")
	if cfg.ClientID == "" {
		cfg.ClientID = "cloudreg"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultMQTTPrefix
	}
	return cfg
}

// MQTTClient owns the broker connection used by the diagnostics publisher
type MQTTClient struct {
	client      mqtt.Client
	config      MQTTConfig
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client for cfg after environment overrides.
// It returns nil when no broker is configured, which disables publishing.
func NewMQTTClient(cfg MQTTConfig) *MQTTClient {
	cfg = ResolveMQTTConfig(cfg)
	if cfg.Broker == "" {
		Logf("[MQTT] disabled: no broker configured")
		return nil
	}

	c := &MQTTClient{config: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c
}

func newMQTTClientWithMock(client mqtt.Client, cfg MQTTConfig) *MQTTClient {
	return &MQTTClient{client: client, config: ResolveMQTTConfig(cfg)}
}

// Connect tries to reach the broker up to attempts times with exponential
// backoff, giving up early when ctx is cancelled.
func (c *MQTTClient) Connect(ctx context.Context, attempts int) error {
	retryDelay := 1 * time.Second
	maxRetryDelay := 30 * time.Second
	var lastErr error

	attempts = max(attempts, 1)
	for i := 0; i < attempts; i++ {
		Logf("[MQTT] connecting to %s...", c.config.Broker)
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.setConnected(true)
				return nil
			}
			lastErr = token.Error()
			Logf("[MQTT] connection failed: %v", lastErr)
		} else {
			lastErr = fmt.Errorf("connection timeout")
			Logf("[MQTT] connection timeout")
		}

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
	return fmt.Errorf("connecting to %s: %w", c.config.Broker, lastErr)
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	Logf("[MQTT] connected to %s", c.config.Broker)
	c.setConnected(true)
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	Logf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	Logf("[MQTT] reconnecting...")
}

// IsConnected reports the last known connection state
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the connection after a short quiesce period
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		Logf("[MQTT] disconnecting")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Config returns the resolved settings
func (c *MQTTClient) Config() MQTTConfig { return c.config }

// Publisher returns a diagnostics publisher on this connection
func (c *MQTTClient) Publisher() *Publisher {
	p := NewPublisher(c.client, c.config.Prefix)
	p.SetQoS(c.config.QoS)
	p.SetRetain(c.config.Retain)
	return p
}
