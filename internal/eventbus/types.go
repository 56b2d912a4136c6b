// Package eventbus provides an abstraction over the event bus (NATS JetStream)
// the bot uses to report health, inbound messages and credential events.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	// ID is unique per event; the NATS bus uses it for publish dedupe.
	ID string `json:"id"`

	// Topic is the event topic (e.g., "auth.backup.written").
	Topic string `json:"topic"`

	// Timestamp when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains key-value metadata.
	Metadata map[string]string `json:"metadata"`

	// Data is the event payload.
	Data json.RawMessage `json:"data"`
}

// EventBus defines the interface for the event bus.
type EventBus interface {
	// Publish sends an event to the bus.
	Publish(ctx context.Context, topic string, event *Event) error

	// Subscribe returns a channel that receives events for the given topic.
	Subscribe(ctx context.Context, topic string) (<-chan *Event, error)

	// Close shuts down the event bus connection.
	Close() error
}

// Topics published by the bot.
const (
	TopicChannelMessageRecv  = "channel.message.received"
	TopicChannelMessageSend  = "channel.message.send"
	TopicChannelHealthUpdate = "channel.health.update"
	TopicAuthBackupWritten   = "auth.backup.written"
	TopicAuthBackupFailed    = "auth.backup.failed"
	TopicAuthRestored        = "auth.restored"
)

// NewEvent creates a new event with the current timestamp.
func NewEvent(topic string, metadata map[string]string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshalling event data: %w", err)
	}
	return &Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now(),
		Metadata:  metadata,
		Data:      raw,
	}, nil
}

const maxRetainedEvents = 256

// MemoryEventBus is an in-process EventBus. It is used when no NATS URL is
// configured; published events are kept for inspection and fanned out to
// subscribers without blocking.
type MemoryEventBus struct {
	mu     sync.Mutex
	events []*Event
	subs   map[string][]chan *Event
}

// NewMemoryEventBus returns an empty in-process bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{subs: map[string][]chan *Event{}}
}

func (m *MemoryEventBus) Publish(_ context.Context, topic string, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if len(m.events) > maxRetainedEvents {
		m.events = m.events[len(m.events)-maxRetainedEvents:]
	}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (m *MemoryEventBus) Subscribe(ctx context.Context, topic string) (<-chan *Event, error) {
	ch := make(chan *Event, 64)
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[topic]
		for i, c := range subs {
			if c == ch {
				m.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Events returns the events published so far, optionally filtered by topic.
func (m *MemoryEventBus) Events(topic string) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if topic == "" || e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryEventBus) Close() error {
	return nil
}
