// Package mirror republishes the node's fan-out events to a Kafka topic so
// external systems can follow cluster activity. It is strictly best-effort:
// a produce error is logged and the event is dropped, never blocking the
// source bus.
package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/openclaw/clusterhub/internal/bus"
	"github.com/openclaw/clusterhub/internal/store"
)

const (
	defaultTopic   = "clusterhub-events"
	produceTimeout = 10 * time.Second
)

// Envelope is the JSON value written per event.
type Envelope struct {
	Event   string `json:"event"`
	NodeID  string `json:"nodeId"`
	TaskID  string `json:"taskId,omitempty"`
	Payload any    `json:"payload"`
	TS      int64  `json:"ts"`
}

// Publisher writes one keyed message. *KafkaPublisher is the production
// implementation; tests use ChannelPublisher.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// KafkaPublisher produces to one topic with RequireOne acks.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for a comma-separated broker list.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	if strings.TrimSpace(topic) == "" {
		topic = defaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ChannelPublisher is an in-process Publisher for tests.
type ChannelPublisher struct {
	Messages chan PublishedMessage
	Err      error
}

// PublishedMessage is one captured publish call.
type PublishedMessage struct {
	Key   string
	Value []byte
}

// NewChannelPublisher creates a channel-backed publisher.
func NewChannelPublisher() *ChannelPublisher {
	return &ChannelPublisher{Messages: make(chan PublishedMessage, 100)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, key string, value []byte) error {
	if p.Err != nil {
		return p.Err
	}
	select {
	case p.Messages <- PublishedMessage{Key: key, Value: value}:
	default:
	}
	return nil
}

func (p *ChannelPublisher) Close() error { return nil }

// Mirror consumes a bus subscription and republishes each event.
type Mirror struct {
	pub    Publisher
	nodeID string
	logger *slog.Logger
	events <-chan bus.Event
	cancel func()
}

// New subscribes the mirror to the bus. Call Run to start forwarding.
func New(pub Publisher, b *bus.Bus, nodeID string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	events, cancel := b.Subscribe("mirror", 256)
	return &Mirror{pub: pub, nodeID: nodeID, logger: logger, events: events, cancel: cancel}
}

// Run forwards events until the context ends or the bus closes.
func (m *Mirror) Run(ctx context.Context) {
	defer m.cancel()
	defer m.pub.Close()
	m.logger.Info("Event mirror started", "nodeId", m.nodeID)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-m.events:
			if !ok {
				return
			}
			m.forward(ctx, evt)
		}
	}
}

func (m *Mirror) forward(ctx context.Context, evt bus.Event) {
	env := Envelope{
		Event:   evt.Kind,
		NodeID:  m.nodeID,
		TaskID:  taskID(evt.Payload),
		Payload: evt.Payload,
		TS:      evt.Timestamp.UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Debug("mirror envelope not encodable", "event", evt.Kind, "error", err)
		return
	}
	key := env.TaskID
	if key == "" {
		key = m.nodeID
	}
	pctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()
	if err := m.pub.Publish(pctx, key, data); err != nil {
		m.logger.Warn("mirror publish failed, event dropped", "event", evt.Kind, "error", err)
	}
}

// taskID extracts the task id from task-shaped payloads so related events
// land on the same partition.
func taskID(payload any) string {
	switch p := payload.(type) {
	case store.StoredTask:
		return p.TaskID
	case store.ReceivedTask:
		return p.TaskID
	case *store.StoredTask:
		return p.TaskID
	case *store.ReceivedTask:
		return p.TaskID
	default:
		return ""
	}
}
