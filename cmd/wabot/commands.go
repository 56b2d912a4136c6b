package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alexsjones/wabot/internal/authbackup"
	"github.com/alexsjones/wabot/internal/authstate"
	"github.com/alexsjones/wabot/internal/observability"
)

// authService is the part of *authstate.Provider the commands use.
type authService interface {
	Backup(ctx context.Context, forced bool) (authbackup.WriteOutcome, error)
	Phase() authstate.Phase
}

// commandRequest is a chat message stripped down to what commands need.
type commandRequest struct {
	SenderUser string
	FromMe     bool
	Text       string
}

type command struct {
	help      string
	ownerOnly bool
	run       func(ctx context.Context, args []string) (string, error)
}

// dispatcher routes prefixed chat messages to commands.
type dispatcher struct {
	prefix   string
	owner    string
	auth     authService
	verify   func(ctx context.Context) authbackup.Report
	obs      *observability.Observability
	started  time.Time
	now      func() time.Time
	commands map[string]command
}

func newDispatcher(prefix, owner string, auth authService, verify func(context.Context) authbackup.Report, obs *observability.Observability) *dispatcher {
	d := &dispatcher{
		prefix:  prefix,
		owner:   strings.TrimPrefix(owner, "+"),
		auth:    auth,
		verify:  verify,
		obs:     obs,
		started: time.Now(),
		now:     time.Now,
	}
	d.commands = map[string]command{
		"ping":         {help: "check the bot is alive", run: d.ping},
		"help":         {help: "list commands", run: d.help},
		"backupstatus": {help: "show every credential backup location", ownerOnly: true, run: d.backupStatus},
		"backup":       {help: "back up credentials now", ownerOnly: true, run: d.backup},
		"restore":      {help: "show which backup a restart would restore", ownerOnly: true, run: d.restore},
	}
	return d
}

// Handle runs the command in req, if any. handled is false for messages
// that are not commands.
func (d *dispatcher) Handle(ctx context.Context, req commandRequest) (reply string, handled bool) {
	text := strings.TrimSpace(req.Text)
	if d.prefix == "" || !strings.HasPrefix(text, d.prefix) {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(text, d.prefix))
	if len(fields) == 0 {
		return "", false
	}
	name := strings.ToLower(fields[0])

	cmd, ok := d.commands[name]
	if !ok {
		d.obs.RecordCommand(ctx, "unknown", "unknown", 0)
		return fmt.Sprintf("Unknown command %s%s. Try %shelp", d.prefix, name, d.prefix), true
	}
	if cmd.ownerOnly && !d.isOwner(req) {
		d.obs.RecordCommand(ctx, name, "denied", 0)
		return "⛔ That command is only available to the bot owner.", true
	}

	start := time.Now()
	reply, err := cmd.run(ctx, fields[1:])
	status := "ok"
	if err != nil {
		status = "error"
		reply = "❌ " + err.Error()
	}
	d.obs.RecordCommand(ctx, name, status, time.Since(start))
	return reply, true
}

func (d *dispatcher) isOwner(req commandRequest) bool {
	return req.FromMe || (d.owner != "" && req.SenderUser == d.owner)
}

func (d *dispatcher) ping(context.Context, []string) (string, error) {
	return fmt.Sprintf("pong (up %s)", d.now().Sub(d.started).Round(time.Second)), nil
}

func (d *dispatcher) help(context.Context, []string) (string, error) {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands:")
	for _, name := range names {
		cmd := d.commands[name]
		fmt.Fprintf(&b, "\n%s%s - %s", d.prefix, name, cmd.help)
		if cmd.ownerOnly {
			b.WriteString(" (owner)")
		}
	}
	return b.String(), nil
}

func (d *dispatcher) backupStatus(ctx context.Context, _ []string) (string, error) {
	report := d.verify(ctx)
	return "🔐 Credential backups\n" + report.Text(), nil
}

func (d *dispatcher) backup(ctx context.Context, _ []string) (string, error) {
	out, err := d.auth.Backup(ctx, true)
	if err != nil {
		if errors.Is(err, authbackup.ErrAllMethodsFailed) {
			return "", errors.New("backup failed: no location accepted the credentials")
		}
		return "", fmt.Errorf("backup failed: %w", err)
	}
	switch {
	case out.Skipped:
		return "Nothing to back up yet, the device is not paired.", nil
	case out.EnvOnly():
		return "⚠️ Backup kept in environment variables only. It will not survive a restart.", nil
	default:
		return fmt.Sprintf("✅ Credentials backed up to %s", out.Location), nil
	}
}

func (d *dispatcher) restore(ctx context.Context, _ []string) (string, error) {
	report := d.verify(ctx)
	phase := d.auth.Phase()
	c, ok := report.Candidate()
	if !ok {
		return fmt.Sprintf("Session: %s\nNo usable backup. A restart without local credentials would need a new QR login.", phase), nil
	}
	return fmt.Sprintf("Session: %s\nA restart without local credentials would restore from %s (%s old, %d keys).",
		phase, c.Location, c.Age.Round(time.Minute), c.Keys), nil
}
