package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scatter-server/scatter/internal/payload"
)

// KafkaTarget produces the payload's wire form to a topic. Success is a
// synchronous produce acknowledged by the broker.
type KafkaTarget struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration

	fallbacks []Target
	errMsg    string
}

// NewKafkaTarget builds the producer client. Construction fails on an
// empty broker list or client setup error.
func NewKafkaTarget(brokers []string, topic string, timeout time.Duration, fallbacks []Target) *KafkaTarget {
	t := &KafkaTarget{
		topic:     topic,
		timeout:   timeout,
		fallbacks: fallbacks,
	}
	if timeout <= 0 {
		t.timeout = defaultTargetTimeout
	}
	if len(brokers) == 0 {
		t.errMsg = "kafka target: brokers are required"
		return t
	}
	if topic == "" {
		t.errMsg = "kafka target: topic is required"
		return t
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProduceRequestTimeout(t.timeout),
	)
	if err != nil {
		t.errMsg = fmt.Sprintf("kafka target: client: %v", err)
		return t
	}
	t.client = client
	return t
}

func (t *KafkaTarget) Send(p *payload.Payload) error {
	wire := p.Wire()
	if wire == nil {
		return fmt.Errorf("kafka target: payload failed to serialize")
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	record := &kgo.Record{
		Key:   []byte(p.ID()),
		Value: wire,
	}
	if err := t.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka target: produce: %w", err)
	}
	return nil
}

// Close flushes and releases the client. Called during shutdown.
func (t *KafkaTarget) Close() {
	if t.client != nil {
		t.client.Close()
	}
}

func (t *KafkaTarget) Type() string         { return "kafka" }
func (t *KafkaTarget) IsValid() bool        { return t.errMsg == "" }
func (t *KafkaTarget) ErrorMessage() string { return t.errMsg }
func (t *KafkaTarget) Fallbacks() []Target  { return t.fallbacks }
