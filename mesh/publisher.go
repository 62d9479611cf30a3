package mesh

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrorMessage is published when a request fails.
type ErrorMessage struct {
	RunID     string `json:"runId,omitempty"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher publishes alignment results to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	logger        *zap.SugaredLogger
	lastRunID     string
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher. An empty prefix means
// DefaultPublishPrefix.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.SugaredLogger) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		logger:        logger,
	}
}

// ResultTopic returns the per-run topic.
func (p *Publisher) ResultTopic(runID string) string {
	return fmt.Sprintf("%s/result/%s", p.publishPrefix, runID)
}

// LatestTopic returns the retained topic holding the newest result.
func (p *Publisher) LatestTopic() string {
	return p.publishPrefix + "/result/latest"
}

// ErrorTopic returns the topic failures are reported on.
func (p *Publisher) ErrorTopic() string {
	return p.publishPrefix + "/error"
}

// PublishResult publishes doc to its run topic and, retained, to the latest
// topic.
func (p *Publisher) PublishResult(doc *ResultDocument) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := p.publish(p.ResultTopic(doc.RunID), false, payload); err != nil {
		return err
	}
	if err := p.publish(p.LatestTopic(), true, payload); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastRunID = doc.RunID
	p.mu.Unlock()

	p.logger.Infow("published result", "runId", doc.RunID, "shapes", len(doc.Shapes), "disparity", doc.FinalDisparity)
	return nil
}

// PublishError reports a failed request.
func (p *Publisher) PublishError(runID string, cause error) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(ErrorMessage{
		RunID:     runID,
		Kind:      ErrorKind(cause),
		Error:     cause.Error(),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling error message: %w", err)
	}
	return p.publish(p.ErrorTopic(), false, payload)
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	p.mu.RLock()
	qos := p.qos
	p.mu.RUnlock()

	token := p.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastRunID returns the run ID of the last published result.
func (p *Publisher) LastRunID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRunID
}

// SetQoS sets the QoS level for published messages
func (p *Publisher) SetQoS(qos byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.qos = qos
}
