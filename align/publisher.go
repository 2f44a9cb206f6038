package align

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends registration diagnostics to MQTT. Records go to
// <prefix>/<run>/<sample> and run summaries to <prefix>/summary.
type Publisher struct {
	client    mqtt.Client
	prefix    string
	qos       byte
	retain    bool
	published int
	mu        sync.Mutex
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = defaultMQTTPrefix
	}
	return &Publisher{client: client, prefix: prefix}
}

// SetQoS sets the Quality of Service level (0, 1 or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether the broker retains published messages
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// RecordTopic is where a sample's record is published
func (p *Publisher) RecordTopic(runID, sampleID string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, runID, sampleID)
}

// SummaryTopic is where run summaries are published
func (p *Publisher) SummaryTopic() string {
	return p.prefix + "/summary"
}

// PublishRecord publishes one sample record
func (p *Publisher) PublishRecord(r *Record) error {
	if err := p.publish(p.RecordTopic(r.RunID, r.SampleID), r); err != nil {
		return err
	}
	Logf("[MQTT] published %s/%s (%s)", r.RunID, r.SampleID, r.Status)
	return nil
}

// PublishSummary publishes a run summary
func (p *Publisher) PublishSummary(s Summary) error {
	message := struct {
		Summary
		Timestamp int64 `json:"timestamp"`
	}{s, time.Now().Unix()}
	return p.publish(p.SummaryTopic(), message)
}

// Published returns how many messages were delivered
func (p *Publisher) Published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

func (p *Publisher) publish(topic string, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}
