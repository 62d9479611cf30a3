package mesh

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// doneToken is an mqtt.Token that has already completed.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Published is one message captured by MockClient.
type Published struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client. It records publishes, keeps
// retained payloads per topic and routes Deliver calls to subscribers using
// MQTT wildcard matching.
type MockClient struct {
	mu         sync.RWMutex
	connected  bool
	connectErr error
	publishErr error
	onConnect  mqtt.OnConnectHandler
	routes     map[string]mqtt.MessageHandler
	published  []Published
	retained   map[string][]byte
}

// NewMockClient creates a disconnected mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		routes:   make(map[string]mqtt.MessageHandler),
		retained: make(map[string][]byte),
	}
}

// SetConnected forces the connection state.
func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// SetConnectError makes Connect fail with err.
func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// SetPublishError makes Publish fail with err.
func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// SetOnConnect registers a handler invoked synchronously after Connect.
func (c *MockClient) SetOnConnect(h mqtt.OnConnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = h
}

// Messages returns a copy of everything published so far.
func (c *MockClient) Messages() []Published {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Published(nil), c.published...)
}

// Retained returns the retained payload for topic.
func (c *MockClient) Retained(topic string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.retained[topic]
	return p, ok
}

// Deliver hands payload to every subscriber whose filter matches topic.
func (c *MockClient) Deliver(topic string, payload []byte) {
	c.mu.RLock()
	var handlers []mqtt.MessageHandler
	for filter, h := range c.routes {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(c, &mockMessage{topic: topic, payload: payload})
	}
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectErr
	if err == nil {
		c.connected = true
	}
	onConnect := c.onConnect
	c.mu.Unlock()

	if err == nil && onConnect != nil {
		onConnect(c)
	}
	return doneToken{err: err}
}

func (c *MockClient) Disconnect(uint) {
	c.SetConnected(false)
}

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return doneToken{err: mqtt.ErrNotConnected}
	}
	if c.publishErr != nil {
		return doneToken{err: c.publishErr}
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	c.published = append(c.published, Published{Topic: topic, Payload: data, QoS: qos, Retain: retained})
	if retained {
		c.retained[topic] = data
	}
	return doneToken{}
}

func (c *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return doneToken{err: mqtt.ErrNotConnected}
	}
	for topic := range filters {
		c.routes[topic] = callback
	}
	return doneToken{}
}

func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.routes, topic)
	}
	return doneToken{}
}

func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[topic] = callback
}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// topicMatches implements MQTT filter matching for + and #.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
