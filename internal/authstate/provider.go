// Package authstate decides, at startup, where the bot's session credentials
// come from (the working directory, a backup, or a fresh QR login) and
// feeds every later credential change into the backup writer.
package authstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexsjones/wabot/internal/authbackup"
	"github.com/alexsjones/wabot/internal/channel"
	"github.com/alexsjones/wabot/internal/eventbus"
	"github.com/alexsjones/wabot/internal/session"
)

// ErrBootstrap means no auth state could be produced at all. The session
// client cannot be built without one, so callers should exit.
var ErrBootstrap = errors.New("auth state bootstrap failed")

// Phase is the provider's position in the bootstrap state machine.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLocalValid
	PhaseNeedsRestore
	PhaseRestored
	PhaseFreshRequired
)

func (p Phase) String() string {
	switch p {
	case PhaseLocalValid:
		return "local-valid"
	case PhaseNeedsRestore:
		return "needs-restore"
	case PhaseRestored:
		return "restored"
	case PhaseFreshRequired:
		return "fresh-required"
	default:
		return "uninitialized"
	}
}

// Publisher receives credential events. *channel.BaseChannel satisfies it.
type Publisher interface {
	PublishAuth(ctx context.Context, topic string, evt channel.AuthEvent) error
}

// Config wires a Provider.
type Config struct {
	// Dir is the primary working credential directory.
	Dir      string
	Loader   session.Loader
	Writer   *authbackup.Writer
	Restorer *authbackup.Restorer
	Log      logr.Logger
	// Events is optional.
	Events Publisher
}

// Provider orchestrates loading, restoring and backing up auth state.
type Provider struct {
	cfg    Config
	log    logr.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	phase Phase
	state *session.State
}

// NewProvider creates a Provider.
func NewProvider(cfg Config) *Provider {
	return &Provider{
		cfg:    cfg,
		log:    cfg.Log.WithName("auth-state"),
		tracer: otel.Tracer("wabot/authstate"),
	}
}

// Phase returns the current bootstrap phase.
func (p *Provider) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Provider) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
	p.log.Info("Auth state phase", "phase", ph.String())
}

// Bootstrap produces the auth state the session client starts from.
//
// Local credentials win. Without them the newest fresh backup is replayed
// into the working directory and reloaded. If there is no backup, or it
// cannot be written, the empty local state is returned and the client will
// ask for a new QR login. When anything unexpected fails the bare loader
// is tried once more; if that fails too, ErrBootstrap is returned.
func (p *Provider) Bootstrap(ctx context.Context) (*session.State, error) {
	ctx, span := p.tracer.Start(ctx, "wabot.auth.bootstrap", trace.WithAttributes(
		attribute.String("dir", p.cfg.Dir),
	))
	defer span.End()

	state, err := p.bootstrap(ctx)
	if err != nil {
		p.log.Error(err, "auth bootstrap failed, retrying plain load")
		state, err = p.cfg.Loader.Load(ctx, p.cfg.Dir)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
		}
		if state.HasCreds() {
			p.setPhase(PhaseLocalValid)
		} else {
			p.setPhase(PhaseFreshRequired)
		}
	}
	span.SetAttributes(attribute.String("phase", p.Phase().String()))

	if state.Save != nil {
		state.Save = p.saveHook(state, state.Save)
	}
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	return state, nil
}

func (p *Provider) bootstrap(ctx context.Context) (*session.State, error) {
	if err := os.MkdirAll(p.cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", p.cfg.Dir, err)
	}

	local, err := p.cfg.Loader.Load(ctx, p.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("loading local credentials: %w", err)
	}
	if local.HasCreds() {
		p.setPhase(PhaseLocalValid)
		return local, nil
	}

	p.setPhase(PhaseNeedsRestore)
	snap, err := p.cfg.Restorer.Restore(ctx)
	if errors.Is(err, authbackup.ErrNotFound) {
		p.setPhase(PhaseFreshRequired)
		return local, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restoring credentials: %w", err)
	}

	if err := p.writeRestored(ctx, snap); err != nil {
		p.log.Error(err, "failed to write restored credentials", "location", snap.Location)
		p.setPhase(PhaseFreshRequired)
		return local, nil
	}

	restored, err := p.cfg.Loader.Load(ctx, p.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("reloading restored credentials: %w", err)
	}
	p.setPhase(PhaseRestored)
	p.publish(ctx, eventbus.TopicAuthRestored, channel.AuthEvent{
		Phase:     PhaseRestored.String(),
		Location:  snap.Location,
		Keys:      len(snap.Keys),
		Timestamp: snap.Timestamp,
	})
	return restored, nil
}

// writeRestored replays the snapshot into the working directory: creds
// first, then every key record on its own.
func (p *Provider) writeRestored(ctx context.Context, snap *authbackup.Snapshot) error {
	if err := p.cfg.Loader.WriteCreds(ctx, p.cfg.Dir, snap.Creds); err != nil {
		return fmt.Errorf("writing creds: %w", err)
	}
	for name, value := range snap.Keys {
		if err := p.cfg.Loader.WriteKey(ctx, p.cfg.Dir, name, value); err != nil {
			return fmt.Errorf("writing key %s: %w", name, err)
		}
	}
	p.log.Info("Restored credentials into working directory", "dir", p.cfg.Dir, "keys", len(snap.Keys))
	return nil
}

// saveHook wraps the session layer's own save so that every credential
// mutation also reaches the (throttled) backup writer.
func (p *Provider) saveHook(state *session.State, save func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := save(ctx); err != nil {
			return err
		}
		_, err := p.write(ctx, bundleOf(state), false)
		if err != nil {
			p.log.Error(err, "credential backup after save failed")
		}
		return nil
	}
}

// Save is the credentials-changed hook. It flushes the bootstrapped state
// through the loader when the loader needs that, then runs a throttled
// backup. Backup failures are logged and published, not returned.
func (p *Provider) Save(ctx context.Context) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != nil && state.Save != nil {
		return state.Save(ctx)
	}
	if _, err := p.Backup(ctx, false); err != nil {
		p.log.Error(err, "credential backup after change failed")
	}
	return nil
}

// Backup exports the current working credentials and hands them to the
// writer. Non-forced calls are subject to the writer's cooldown, and
// inside it the working credentials are not read at all.
func (p *Provider) Backup(ctx context.Context, forced bool) (authbackup.WriteOutcome, error) {
	if !p.cfg.Writer.Due(forced) {
		return authbackup.WriteOutcome{Skipped: true, Reason: authbackup.SkipThrottled}, nil
	}
	state, err := p.cfg.Loader.Load(ctx, p.cfg.Dir)
	if err != nil {
		return authbackup.WriteOutcome{}, fmt.Errorf("reading working credentials: %w", err)
	}
	return p.write(ctx, bundleOf(state), forced)
}

// OnConnected runs a forced backup with bounded retry. Call it once the
// session reports a successful connection.
func (p *Provider) OnConnected(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "wabot.auth.backup", trace.WithAttributes(
		attribute.Bool("forced", true),
		attribute.Bool("retry", true),
	))
	defer span.End()

	state, err := p.cfg.Loader.Load(ctx, p.cfg.Dir)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reading working credentials: %w", err)
	}
	b := bundleOf(state)
	out, err := p.cfg.Writer.WriteWithRetry(ctx, b)
	p.report(ctx, b, out, true, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *Provider) write(ctx context.Context, b authbackup.Bundle, forced bool) (authbackup.WriteOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "wabot.auth.backup", trace.WithAttributes(
		attribute.Bool("forced", forced),
	))
	defer span.End()

	out, err := p.cfg.Writer.Write(ctx, b, forced)
	p.report(ctx, b, out, forced, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("skipped", out.Skipped), attribute.String("location", out.Location))
	return out, err
}

func (p *Provider) report(ctx context.Context, b authbackup.Bundle, out authbackup.WriteOutcome, forced bool, err error) {
	if err != nil {
		p.publish(ctx, eventbus.TopicAuthBackupFailed, channel.AuthEvent{
			Keys:   len(b.Keys),
			Forced: forced,
			Error:  err.Error(),
		})
		return
	}
	if out.Skipped {
		return
	}
	p.publish(ctx, eventbus.TopicAuthBackupWritten, channel.AuthEvent{
		Location:  out.Location,
		Keys:      len(b.Keys),
		Forced:    forced,
		Timestamp: out.Timestamp,
	})
}

func (p *Provider) publish(ctx context.Context, topic string, evt channel.AuthEvent) {
	if p.cfg.Events == nil {
		return
	}
	if err := p.cfg.Events.PublishAuth(ctx, topic, evt); err != nil {
		p.log.Error(err, "failed to publish auth event", "topic", topic)
	}
}

func bundleOf(s *session.State) authbackup.Bundle {
	if s == nil {
		return authbackup.Bundle{}
	}
	return authbackup.Bundle{Creds: s.Creds, Keys: s.Keys}
}
