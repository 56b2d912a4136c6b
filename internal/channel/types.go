// Package channel provides the message, health and credential event types the
// bot exchanges over the event bus, plus BaseChannel for publishing them.
package channel

import (
	"context"

	"github.com/alexsjones/wabot/internal/eventbus"
)

// InboundMessage represents a chat message received by the bot that was not
// handled as a command.
type InboundMessage struct {
	Channel      string            `json:"channel"`
	InstanceName string            `json:"instanceName"`
	SenderID     string            `json:"senderId"`
	SenderName   string            `json:"senderName,omitempty"`
	ChatID       string            `json:"chatId"`
	Text         string            `json:"text"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage asks the bot to send a text message.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

// HealthStatus represents the connection health of the bot.
type HealthStatus struct {
	Channel   string `json:"channel"`
	Connected bool   `json:"connected"`
	Paired    bool   `json:"paired"`
	Message   string `json:"message,omitempty"`
}

// AuthEvent reports a credential backup or restore.
type AuthEvent struct {
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Keys      int    `json:"keys"`
	Forced    bool   `json:"forced,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BaseChannel provides event bus publishing/subscribing for the bot.
type BaseChannel struct {
	ChannelType  string
	InstanceName string
	EventBus     eventbus.EventBus
}

func (bc *BaseChannel) metadata() map[string]string {
	return map[string]string{
		"channel":      bc.ChannelType,
		"instanceName": bc.InstanceName,
	}
}

func (bc *BaseChannel) publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := eventbus.NewEvent(topic, bc.metadata(), payload)
	if err != nil {
		return err
	}
	return bc.EventBus.Publish(ctx, topic, event)
}

// PublishInbound publishes an inbound message to the event bus.
func (bc *BaseChannel) PublishInbound(ctx context.Context, msg InboundMessage) error {
	msg.Channel = bc.ChannelType
	msg.InstanceName = bc.InstanceName
	return bc.publish(ctx, eventbus.TopicChannelMessageRecv, msg)
}

// PublishHealth publishes a health update to the event bus.
func (bc *BaseChannel) PublishHealth(ctx context.Context, status HealthStatus) error {
	status.Channel = bc.ChannelType
	return bc.publish(ctx, eventbus.TopicChannelHealthUpdate, status)
}

// PublishAuth publishes a credential event under topic.
func (bc *BaseChannel) PublishAuth(ctx context.Context, topic string, evt AuthEvent) error {
	return bc.publish(ctx, topic, evt)
}

// SubscribeOutbound subscribes to outbound messages destined for this channel.
func (bc *BaseChannel) SubscribeOutbound(ctx context.Context) (<-chan *eventbus.Event, error) {
	return bc.EventBus.Subscribe(ctx, eventbus.TopicChannelMessageSend)
}
