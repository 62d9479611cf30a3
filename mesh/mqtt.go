package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// RequestHandler is called for every message on the request topic. err is
// set when the payload could not be decoded.
type RequestHandler func(req AlignRequest, err error)

// MQTTClient manages the broker connection and the alignment request
// subscription.
type MQTTClient struct {
	client      mqtt.Client
	config      MQTTConfig
	handler     RequestHandler
	logger      *zap.SugaredLogger
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from config. When no broker is configured
// MQTT is disabled and it returns nil, nil.
func NewMQTTClient(config *Config, handler RequestHandler, logger *zap.SugaredLogger) (*MQTTClient, error) {
	if config == nil {
		return nil, fmt.Errorf("nil config")
	}
	if config.MQTT.Broker == "" {
		logger.Info("MQTT disabled: no broker configured")
		return nil, nil
	}

	c := &MQTTClient{
		config:  config.MQTT,
		handler: handler,
		logger:  logger.Named("mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "gpamesh"
	}
	opts.SetClientID(clientID)

	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Start connects in the background, retrying with exponential backoff until
// it succeeds or ctx is done.
func (c *MQTTClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Infow("connecting to MQTT broker", "broker", c.config.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.Warnw("MQTT connection failed", "error", token.Error())
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		c.logger.Infow("retrying MQTT connection", "delay", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// RequestTopic is the topic alignment requests arrive on.
func (c *MQTTClient) RequestTopic() string {
	return c.config.PublishPrefix + "/align/request"
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	c.logger.Infow("subscribing", "topic", c.RequestTopic())
	if err := c.Subscribe(); err != nil {
		c.logger.Errorw("subscribe failed", "error", err)
	}
}

// Subscribe registers the request handler on RequestTopic. The connect
// handler calls it on every (re)connect.
func (c *MQTTClient) Subscribe() error {
	topic := c.RequestTopic()
	token := c.client.Subscribe(topic, 1, c.createRequestHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	return nil
}

// onConnectionLost is a transient event; auto-reconnect retries.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warnw("MQTT connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("MQTT reconnecting")
}

func (c *MQTTClient) createRequestHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		c.logger.Debugw("received alignment request", "topic", msg.Topic(), "bytes", len(payload))

		var req AlignRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.logger.Warnw("undecodable alignment request", "error", err)
			if c.handler != nil {
				c.handler(AlignRequest{}, fmt.Errorf("decoding request: %w", err))
			}
			return
		}
		if c.handler != nil {
			c.handler(req, nil)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
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

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// NewMQTTClientWith wraps an existing mqtt.Client, typically a MockClient.
func NewMQTTClientWith(client mqtt.Client, config MQTTConfig, handler RequestHandler, logger *zap.SugaredLogger) *MQTTClient {
	return &MQTTClient{
		client:  client,
		config:  config,
		handler: handler,
		logger:  logger,
	}
}
