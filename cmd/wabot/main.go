// Package main is the entry point for the WhatsApp command bot.
// Uses whatsmeow for the WhatsApp Web multi-device protocol.
// On first run, a QR code is printed to the terminal (and served on /qr);
// scan it with WhatsApp → Linked Devices → Link a Device.
// Session credentials live in an SQLite store in the data directory and are
// mirrored to backup locations so the link survives a lost working directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/mdp/qrterminal/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/alexsjones/wabot/internal/authbackup"
	"github.com/alexsjones/wabot/internal/authstate"
	"github.com/alexsjones/wabot/internal/channel"
	"github.com/alexsjones/wabot/internal/eventbus"
	"github.com/alexsjones/wabot/internal/observability"
	"github.com/alexsjones/wabot/internal/session"
)

// bot ties the whatsmeow client to the command dispatcher, the event bus
// and the credential provider.
type bot struct {
	channel.BaseChannel
	ctx      context.Context
	client   *whatsmeow.Client
	provider *authstate.Provider
	commands *dispatcher
	pairing  *pairingStatus
	obs      *observability.Observability
	log      logr.Logger
	healthy  atomic.Bool
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := zap.New(zap.UseDevMode(false)).WithName("wabot")
	if err := run(cfg, log); err != nil {
		log.Error(err, "bot stopped")
		os.Exit(1)
	}
}

func run(cfg config, log logr.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	obs := observability.Init(ctx, observability.FromEnv(os.Getenv), log)
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = obs.Shutdown(shutdownCtx)
	}()

	bus, err := newEventBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	base := channel.BaseChannel{
		ChannelType:  "whatsapp",
		InstanceName: cfg.instanceName,
		EventBus:     bus,
	}

	backupOpts := authbackup.Options{Log: log}
	verifier := authbackup.NewVerifier(backupOpts)
	loader := session.NewSQLiteLoader(waLog.Stdout("Store", "INFO", true))
	defer loader.Close()

	provider := authstate.NewProvider(authstate.Config{
		Dir:      cfg.dataDir,
		Loader:   loader,
		Writer:   authbackup.NewWriter(backupOpts),
		Restorer: authbackup.NewRestorer(backupOpts),
		Log:      log,
		Events:   &base,
	})
	if _, err := provider.Bootstrap(ctx); err != nil {
		return err
	}

	container, err := loader.Container(ctx, cfg.dataDir)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("getting device from store: %w", err)
	}
	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("WhatsApp", "INFO", true))

	b := &bot{
		BaseChannel: base,
		ctx:         ctx,
		client:      client,
		provider:    provider,
		commands:    newDispatcher(cfg.prefix, cfg.owner, provider, verifier.Verify, obs),
		pairing:     newPairingStatus(),
		obs:         obs,
		log:         log,
	}
	client.AddEventHandler(b.eventHandler)

	watcher, err := authstate.NewWatcher(cfg.dataDir, authstate.DefaultSettle, log)
	if err != nil {
		return fmt.Errorf("watching %s: %w", cfg.dataDir, err)
	}
	go watcher.Run(ctx, func(ctx context.Context) {
		b.saveCredentials(ctx, "watcher")
	})

	if cfg.scheduleEnabled() {
		scheduler, err := newScheduler(cfg.schedule, func() {
			b.obs.RecordBackupTrigger(ctx, "schedule")
			if _, err := provider.Backup(ctx, false); err != nil {
				log.Error(err, "scheduled backup failed")
			}
		})
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	go b.handleOutbound(ctx)

	server := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           b.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := b.connect(ctx); err != nil {
		return err
	}
	log.Info("Bot running", "instance", cfg.instanceName, "addr", cfg.listenAddr,
		"phase", provider.Phase().String(), "prefix", cfg.prefix)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error(err, "health server failed")
	}

	shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	client.Disconnect()
	return server.Shutdown(shutdownCtx)
}

func newEventBus(ctx context.Context, cfg config, log logr.Logger) (eventbus.EventBus, error) {
	if cfg.eventBusURL == "" {
		log.Info("No event bus URL set, keeping events in process")
		return eventbus.NewMemoryEventBus(), nil
	}
	bus, err := eventbus.NewNATSEventBus(ctx, eventbus.NATSConfig{
		URL:      cfg.eventBusURL,
		Instance: cfg.instanceName,
		Log:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to event bus: %w", err)
	}
	return bus, nil
}

func newScheduler(spec string, fn func()) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(scheduleParser))
	if _, err := c.AddFunc(spec, fn); err != nil {
		return nil, fmt.Errorf("invalid backup schedule %q: %w", spec, err)
	}
	return c, nil
}

func (b *bot) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if b.healthy.Load() && b.client.IsConnected() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.Handle("/qr", b.pairing)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// connect logs in with the stored session, or runs the QR pairing flow
// when the device has never been linked.
func (b *bot) connect(ctx context.Context) error {
	if b.client.Store.ID != nil {
		if err := b.client.Connect(); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		b.pairing.set(pairingPaired, "")
		b.log.Info("WhatsApp connected with existing session")
		return nil
	}

	b.log.Info("No WhatsApp session found, scan the QR code below to link this device")
	qrChan, err := b.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("requesting QR channel: %w", err)
	}
	if err := b.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR pairing: %w", err)
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			b.pairing.set(pairingWaiting, evt.Code)
			fmt.Println("\n╔══════════════════════════════════════════╗")
			fmt.Println("║  Scan this QR code in WhatsApp:          ║")
			fmt.Println("║  Settings → Linked Devices → Link Device ║")
			fmt.Println("╚══════════════════════════════════════════╝")
			qrterminal.GenerateWithConfig(evt.Code, qrterminal.Config{
				Level:      qrterminal.L,
				Writer:     os.Stdout,
				HalfBlocks: true,
				QuietZone:  1,
			})
			fmt.Println()
		case "success":
			b.pairing.set(pairingPaired, "")
			b.log.Info("WhatsApp device linked successfully")
		case "timeout":
			b.pairing.set(pairingTimeout, "")
			return errors.New("QR code timed out, restart to try again")
		}
	}
	return nil
}

// eventHandler processes whatsmeow events.
func (b *bot) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		b.handleInboundMessage(v)
	case *events.Connected:
		b.healthy.Store(true)
		_ = b.PublishHealth(b.ctx, channel.HealthStatus{Connected: true, Paired: true})
		go func() {
			b.obs.RecordBackupTrigger(b.ctx, "connected")
			if err := b.provider.OnConnected(b.ctx); err != nil {
				b.log.Error(err, "backup after connect failed")
			}
		}()
	case *events.PairSuccess:
		b.log.Info("Paired", "jid", v.ID.String(), "platform", v.Platform)
		go func() {
			b.obs.RecordBackupTrigger(b.ctx, "pairing")
			if _, err := b.provider.Backup(b.ctx, true); err != nil {
				b.log.Error(err, "backup after pairing failed")
			}
		}()
	case *events.Disconnected:
		b.healthy.Store(false)
		_ = b.PublishHealth(b.ctx, channel.HealthStatus{Connected: false, Paired: true, Message: "disconnected"})
	case *events.LoggedOut:
		b.healthy.Store(false)
		b.pairing.set(pairingUnknown, "")
		b.log.Info("WhatsApp session logged out, restart and scan a new QR code", "reason", v.Reason.String())
		_ = b.PublishHealth(b.ctx, channel.HealthStatus{Connected: false, Message: "logged out"})
	}
}

// handleInboundMessage answers commands and forwards everything else to
// the event bus.
func (b *bot) handleInboundMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	text := extractText(evt.Message)
	if text == "" {
		return
	}
	b.log.V(1).Info("Message", "from", evt.Info.Sender.String(), "chat", evt.Info.Chat.String(),
		"fromMe", evt.Info.IsFromMe, "text", truncateText(text, 50))

	reply, handled := b.commands.Handle(b.ctx, commandRequest{
		SenderUser: evt.Info.Sender.User,
		FromMe:     evt.Info.IsFromMe,
		Text:       text,
	})
	if handled {
		if err := b.sendText(b.ctx, evt.Info.Chat, reply); err != nil {
			b.log.Error(err, "failed to send command reply", "chat", evt.Info.Chat.String())
		}
	} else {
		msg := channel.InboundMessage{
			SenderID:   evt.Info.Sender.User,
			SenderName: evt.Info.PushName,
			ChatID:     evt.Info.Chat.String(),
			Text:       text,
			Metadata: map[string]string{
				"messageId": evt.Info.ID,
				"timestamp": fmt.Sprintf("%d", evt.Info.Timestamp.Unix()),
				"isGroup":   fmt.Sprintf("%t", evt.Info.IsGroup),
			},
		}
		if err := b.PublishInbound(b.ctx, msg); err != nil {
			b.log.Error(err, "failed to publish inbound")
		}
	}

	// Decrypting a message can ratchet session keys.
	b.saveCredentials(b.ctx, "message")
}

func (b *bot) saveCredentials(ctx context.Context, source string) {
	b.obs.RecordBackupTrigger(ctx, source)
	if err := b.provider.Save(ctx); err != nil {
		b.log.Error(err, "failed to save credentials", "source", source)
	}
}

// handleOutbound subscribes to outbound messages and sends via WhatsApp.
func (b *bot) handleOutbound(ctx context.Context) {
	ch, err := b.SubscribeOutbound(ctx)
	if err != nil {
		b.log.Error(err, "failed to subscribe to outbound")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			var msg channel.OutboundMessage
			if err := json.Unmarshal(event.Data, &msg); err != nil {
				continue
			}
			if msg.Channel != "whatsapp" {
				continue
			}
			if err := b.sendMessage(ctx, msg); err != nil {
				b.log.Error(err, "failed to send whatsapp message", "chat", msg.ChatID)
			}
		}
	}
}

// sendMessage sends an outbound message. An empty ChatID means the linked
// device's own chat.
func (b *bot) sendMessage(ctx context.Context, msg channel.OutboundMessage) error {
	var jid types.JID
	if msg.ChatID == "" {
		ownLID := b.client.Store.LID
		if !ownLID.IsEmpty() {
			jid = types.NewJID(ownLID.User, ownLID.Server)
		} else if b.client.Store.ID != nil {
			jid = types.NewJID(b.client.Store.ID.User, types.DefaultUserServer)
		} else {
			return fmt.Errorf("cannot send self-message: device not linked")
		}
	} else {
		jid = resolveJID(msg.ChatID)
	}
	return b.sendText(ctx, jid, msg.Text)
}

func (b *bot) sendText(ctx context.Context, jid types.JID, text string) error {
	_, err := b.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

// resolveJID converts a chat ID string to a WhatsApp JID.
// If the ID already contains an @, assume it's a full JID.
// Otherwise treat it as a phone number (user JID).
func resolveJID(chatID string) types.JID {
	if strings.Contains(chatID, "@") {
		jid, _ := types.ParseJID(chatID)
		return jid
	}
	return types.NewJID(strings.TrimPrefix(chatID, "+"), types.DefaultUserServer)
}

// extractText pulls the text content from a WhatsApp message proto.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return *msg.Conversation
	}
	if msg.ExtendedTextMessage != nil && msg.ExtendedTextMessage.Text != nil {
		return *msg.ExtendedTextMessage.Text
	}
	// Image/video/document captions
	if msg.ImageMessage != nil && msg.ImageMessage.Caption != nil {
		return *msg.ImageMessage.Caption
	}
	if msg.VideoMessage != nil && msg.VideoMessage.Caption != nil {
		return *msg.VideoMessage.Caption
	}
	if msg.DocumentMessage != nil && msg.DocumentMessage.Caption != nil {
		return *msg.DocumentMessage.Caption
	}
	return ""
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
