package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTopicToSubject(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{TopicAuthBackupWritten, "wabot.auth.backup.written"},
		{TopicAuthRestored, "wabot.auth.restored"},
		{TopicChannelMessageRecv, "wabot.channel.message.received"},
	}
	for _, tt := range tests {
		if got := topicToSubject(tt.topic); got != tt.want {
			t.Errorf("topicToSubject(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestEveryTopicHasAStream(t *testing.T) {
	streams := map[string][]string{}
	for _, sc := range (NATSConfig{}).streams() {
		streams[sc.Name] = sc.Subjects
	}

	tests := []struct {
		topic string
		want  string
	}{
		{TopicChannelMessageRecv, MessageStream},
		{TopicChannelMessageSend, MessageStream},
		{TopicChannelHealthUpdate, MessageStream},
		{TopicAuthBackupWritten, AuthStream},
		{TopicAuthBackupFailed, AuthStream},
		{TopicAuthRestored, AuthStream},
	}
	for _, tt := range tests {
		got := streamFor(tt.topic)
		if got != tt.want {
			t.Errorf("streamFor(%q) = %q, want %q", tt.topic, got, tt.want)
			continue
		}
		subjects, ok := streams[got]
		if !ok || len(subjects) != 1 {
			t.Fatalf("stream %s not configured: %v", got, subjects)
		}
		prefix := strings.TrimSuffix(subjects[0], ">")
		if !strings.HasPrefix(topicToSubject(tt.topic), prefix) {
			t.Errorf("%s subject %q not captured by %s (%s)", tt.topic, topicToSubject(tt.topic), got, subjects[0])
		}
	}
}

func TestStreamRetention(t *testing.T) {
	defaults := map[string]time.Duration{}
	for _, sc := range (NATSConfig{}).streams() {
		defaults[sc.Name] = sc.MaxAge
		if sc.Duplicates <= 0 || sc.Duplicates > sc.MaxAge {
			t.Errorf("%s duplicate window %v outside (0, %v]", sc.Name, sc.Duplicates, sc.MaxAge)
		}
	}
	if defaults[AuthStream] <= defaults[MessageStream] {
		t.Errorf("auth retention %v should outlast message retention %v", defaults[AuthStream], defaults[MessageStream])
	}

	cfg := NATSConfig{MessageRetention: time.Hour, AuthRetention: 90 * 24 * time.Hour}
	for _, sc := range cfg.streams() {
		want := cfg.MessageRetention
		if sc.Name == AuthStream {
			want = cfg.AuthRetention
		}
		if sc.MaxAge != want {
			t.Errorf("%s MaxAge = %v, want %v", sc.Name, sc.MaxAge, want)
		}
	}
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(TopicAuthRestored, map[string]string{"channel": "whatsapp"}, map[string]int{"keys": 3})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Topic != TopicAuthRestored {
		t.Errorf("Topic = %q", ev.Topic)
	}
	if string(ev.Data) != `{"keys":3}` {
		t.Errorf("Data = %s", ev.Data)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	other, _ := NewEvent(TopicAuthRestored, nil, nil)
	if ev.ID == "" || ev.ID == other.ID {
		t.Errorf("event IDs not unique: %q, %q", ev.ID, other.ID)
	}

	if _, err := NewEvent("x", nil, make(chan int)); err == nil {
		t.Error("expected marshal error for unsupported payload")
	}
}

func TestMemoryEventBusFanOut(t *testing.T) {
	bus := NewMemoryEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, TopicAuthBackupWritten)
	if err != nil {
		t.Fatal(err)
	}

	written, _ := NewEvent(TopicAuthBackupWritten, nil, json.RawMessage(`{}`))
	other, _ := NewEvent(TopicChannelHealthUpdate, nil, json.RawMessage(`{}`))
	if err := bus.Publish(ctx, TopicChannelHealthUpdate, other); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, TopicAuthBackupWritten, written); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got != written {
			t.Errorf("received %q event, want %q", got.Topic, TopicAuthBackupWritten)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	if n := len(bus.Events("")); n != 2 {
		t.Errorf("Events(\"\") = %d events, want 2", n)
	}
	if n := len(bus.Events(TopicChannelHealthUpdate)); n != 1 {
		t.Errorf("Events(health) = %d events, want 1", n)
	}
}

func TestMemoryEventBusUnsubscribesOnCancel(t *testing.T) {
	bus := NewMemoryEventBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, TopicAuthRestored)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}

	ev, _ := NewEvent(TopicAuthRestored, nil, nil)
	if err := bus.Publish(context.Background(), TopicAuthRestored, ev); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestMemoryEventBusRetention(t *testing.T) {
	bus := NewMemoryEventBus()
	for i := 0; i < maxRetainedEvents+10; i++ {
		ev, _ := NewEvent(fmt.Sprintf("t.%d", i), nil, i)
		_ = bus.Publish(context.Background(), ev.Topic, ev)
	}
	events := bus.Events("")
	if len(events) != maxRetainedEvents {
		t.Fatalf("retained %d events, want %d", len(events), maxRetainedEvents)
	}
	if events[0].Topic != "t.10" {
		t.Errorf("oldest retained = %q, want t.10", events[0].Topic)
	}
}
