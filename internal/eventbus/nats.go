package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	subjectRoot = "wabot"

	// MessageStream holds channel traffic: inbound messages, outbound
	// requests and health updates.
	MessageStream = "WABOT_MESSAGES"
	// AuthStream holds the credential backup and restore audit trail.
	AuthStream = "WABOT_AUTH"

	defaultMessageRetention = 24 * time.Hour
	defaultAuthRetention    = 30 * 24 * time.Hour

	streamAttempts   = 10
	streamRetryDelay = 2 * time.Second
)

// NATSConfig configures NewNATSEventBus. Zero retentions pick the defaults.
type NATSConfig struct {
	URL string
	// Instance names the connection as seen by the NATS server.
	Instance string

	MessageRetention time.Duration
	AuthRetention    time.Duration

	Log logr.Logger
}

// streams returns the stream layout. Auth events are rare and worth keeping
// for weeks; message traffic is only useful while it is being handled.
func (c NATSConfig) streams() []jetstream.StreamConfig {
	msgAge := c.MessageRetention
	if msgAge <= 0 {
		msgAge = defaultMessageRetention
	}
	authAge := c.AuthRetention
	if authAge <= 0 {
		authAge = defaultAuthRetention
	}
	return []jetstream.StreamConfig{
		{
			Name:        MessageStream,
			Description: "WhatsApp bot channel traffic",
			Subjects:    []string{subjectRoot + ".channel.>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      msgAge,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Duplicates:  2 * time.Minute,
		},
		{
			Name:              AuthStream,
			Description:       "WhatsApp session credential backup and restore events",
			Subjects:          []string{subjectRoot + ".auth.>"},
			Retention:         jetstream.LimitsPolicy,
			MaxAge:            authAge,
			MaxMsgsPerSubject: 1000,
			Discard:           jetstream.DiscardOld,
			Storage:           jetstream.FileStorage,
			Replicas:          1,
			Duplicates:        10 * time.Minute,
		},
	}
}

// NATSEventBus implements EventBus using NATS JetStream.
type NATSEventBus struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	streams map[string]jetstream.Stream
	log     logr.Logger
}

// NewNATSEventBus connects to cfg.URL and makes sure both streams exist.
func NewNATSEventBus(ctx context.Context, cfg NATSConfig) (*NATSEventBus, error) {
	log := cfg.Log.WithName("nats")
	name := subjectRoot
	if cfg.Instance != "" {
		name += "-" + cfg.Instance
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Info("Disconnected from NATS", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	streams, err := ensureStreams(ctx, js, cfg.streams(), log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSEventBus{conn: nc, js: js, streams: streams, log: log}, nil
}

// ensureStreams creates or updates every stream, retrying while the
// server is still starting up.
func ensureStreams(ctx context.Context, js jetstream.JetStream, configs []jetstream.StreamConfig, log logr.Logger) (map[string]jetstream.Stream, error) {
	streams := make(map[string]jetstream.Stream, len(configs))
	for _, sc := range configs {
		for attempt := 1; ; attempt++ {
			attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			stream, err := js.CreateOrUpdateStream(attemptCtx, sc)
			cancel()
			if err == nil {
				streams[sc.Name] = stream
				break
			}
			if attempt == streamAttempts {
				return nil, fmt.Errorf("creating stream %s after %d attempts: %w", sc.Name, attempt, err)
			}
			log.Info("JetStream not ready", "stream", sc.Name, "attempt", attempt, "error", err.Error())

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(streamRetryDelay):
			}
		}
	}
	return streams, nil
}

// Publish stores the event in the stream owning its topic. The event ID is
// sent as the message ID, so a retried publish is dropped by the server.
func (n *NATSEventBus) Publish(ctx context.Context, topic string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	subject := topicToSubject(topic)
	_, err = n.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(event.ID),
		jetstream.WithExpectStream(streamFor(topic)),
	)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers events published to topic from now on. The consumer
// is ephemeral and goes away when ctx is cancelled.
func (n *NATSEventBus) Subscribe(ctx context.Context, topic string) (<-chan *Event, error) {
	subject := topicToSubject(topic)
	stream, ok := n.streams[streamFor(topic)]
	if !ok {
		return nil, fmt.Errorf("no stream for %s", subject)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for %s: %w", subject, err)
	}

	ch := make(chan *Event, 64)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			n.log.Error(err, "dropping undecodable event", "subject", msg.Subject())
			_ = msg.Term()
			return
		}
		select {
		case ch <- &event:
			_ = msg.Ack()
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consuming %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		<-cc.Closed()
		close(ch)
	}()
	return ch, nil
}

// Close flushes pending publishes and closes the connection.
func (n *NATSEventBus) Close() error {
	return n.conn.Drain()
}

// topicToSubject converts a dotted topic (e.g. "auth.backup.written")
// to a NATS subject under the wabot namespace (e.g. "wabot.auth.backup.written").
func topicToSubject(topic string) string {
	return subjectRoot + "." + topic
}

func streamFor(topic string) string {
	if strings.HasPrefix(topic, "auth.") {
		return AuthStream
	}
	return MessageStream
}
