package align

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes alignment scores to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	scores        map[string]*ScoreReport
	mu            sync.RWMutex
}

// NewPublisherFromConfig creates a publisher with the prefix, QoS and retain
// settings of resolved MQTT settings
func NewPublisherFromConfig(client mqtt.Client, settings MQTTConfig) *Publisher {
	p := NewPublisher(client, settings.PublishPrefix)
	p.SetQoS(settings.PublishQoS)
	if settings.Retain != nil {
		p.SetRetain(*settings.Retain)
	}
	return p
}

// NewPublisher creates a new score publisher. An empty prefix falls back to
// "fragalign". If client is nil, publishing fails with "not connected".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "fragalign"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // Scores are superseded by the next pose
		retain:        true, // Late subscribers see the latest score
		scores:        make(map[string]*ScoreReport),
	}
}

// PublishScore publishes a session's report to {prefix}/{session}/score and
// the set of all known sessions to {prefix}/scores
func (p *Publisher) PublishScore(report ScoreReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if report.Session == "" {
		report.Session = "default"
	}
	if report.Timestamp == 0 {
		report.Timestamp = time.Now().Unix()
	}

	p.mu.Lock()
	stored := report
	p.scores[report.Session] = &stored
	p.mu.Unlock()

	if err := p.publishIndividual(&report); err != nil {
		log.Printf("Error publishing score for %s: %v", report.Session, err)
		return err
	}

	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined scores: %v", err)
		return err
	}

	return nil
}

func (p *Publisher) publishIndividual(report *ScoreReport) error {
	topic := fmt.Sprintf("%s/%s/score", p.publishPrefix, report.Session)

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling score: %w", err)
	}

	if err := p.publish(topic, payload); err != nil {
		return err
	}

	log.Printf("Published score for %s: residual=%.4f (%s, %d samples) display=%.1f",
		report.Session, report.Residual, report.Metric, report.SampleCount, report.DisplayScore)
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	scores := make([]*ScoreReport, 0, len(p.scores))
	for _, s := range p.scores {
		scores = append(scores, s)
	}
	p.mu.RUnlock()

	if len(scores) == 0 {
		return nil
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Session < scores[j].Session })

	message := map[string]interface{}{
		"sessions":  scores,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined scores: %w", err)
	}

	return p.publish(fmt.Sprintf("%s/scores", p.publishPrefix), payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
