package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alexsjones/wabot/internal/authbackup"
	"github.com/alexsjones/wabot/internal/authstate"
)

type fakeAuth struct {
	out    authbackup.WriteOutcome
	err    error
	phase  authstate.Phase
	forced []bool
}

func (f *fakeAuth) Backup(_ context.Context, forced bool) (authbackup.WriteOutcome, error) {
	f.forced = append(f.forced, forced)
	return f.out, f.err
}

func (f *fakeAuth) Phase() authstate.Phase { return f.phase }

func newTestDispatcher(auth *fakeAuth, report authbackup.Report) *dispatcher {
	d := newDispatcher("!", "+15550001111", auth, func(context.Context) authbackup.Report { return report }, nil)
	d.started = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return d.started.Add(90 * time.Minute) }
	return d
}

func TestDispatcherIgnoresNonCommands(t *testing.T) {
	d := newTestDispatcher(&fakeAuth{}, authbackup.Report{})
	for _, text := range []string{"hello", "", "   ", "!", "ping!"} {
		if _, handled := d.Handle(context.Background(), commandRequest{Text: text}); handled {
			t.Errorf("Handle(%q) handled, want ignored", text)
		}
	}
}

func TestDispatcherPublicCommands(t *testing.T) {
	d := newTestDispatcher(&fakeAuth{}, authbackup.Report{})
	ctx := context.Background()

	reply, handled := d.Handle(ctx, commandRequest{SenderUser: "someone", Text: "  !PING "})
	if !handled || reply != "pong (up 1h30m0s)" {
		t.Errorf("ping = %q (%v)", reply, handled)
	}

	reply, _ = d.Handle(ctx, commandRequest{SenderUser: "someone", Text: "!help"})
	for _, want := range []string{"!backup - ", "!backupstatus - ", "!ping - ", "!restore - ", "(owner)"} {
		if !strings.Contains(reply, want) {
			t.Errorf("help missing %q:\n%s", want, reply)
		}
	}

	reply, handled = d.Handle(ctx, commandRequest{Text: "!frobnicate now"})
	if !handled || !strings.Contains(reply, "Unknown command !frobnicate") {
		t.Errorf("unknown = %q (%v)", reply, handled)
	}
}

func TestDispatcherOwnerOnly(t *testing.T) {
	auth := &fakeAuth{out: authbackup.WriteOutcome{Location: "auth_backup"}}
	d := newTestDispatcher(auth, authbackup.Report{})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     commandRequest
		allowed bool
	}{
		{"stranger", commandRequest{SenderUser: "15559999999", Text: "!backup"}, false},
		{"configured owner", commandRequest{SenderUser: "15550001111", Text: "!backup"}, true},
		{"linked device", commandRequest{SenderUser: "15558888888", FromMe: true, Text: "!backup"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth.forced = nil
			reply, handled := d.Handle(ctx, tt.req)
			if !handled {
				t.Fatal("not handled")
			}
			denied := strings.Contains(reply, "only available to the bot owner")
			if denied == tt.allowed {
				t.Errorf("reply = %q, allowed = %v", reply, tt.allowed)
			}
			if tt.allowed && (len(auth.forced) != 1 || !auth.forced[0]) {
				t.Errorf("backup calls = %v, want one forced call", auth.forced)
			}
		})
	}
}

func TestDispatcherBackupReplies(t *testing.T) {
	tests := []struct {
		name string
		auth fakeAuth
		want string
	}{
		{"directory", fakeAuth{out: authbackup.WriteOutcome{Location: "/tmp/whatsapp-auth-backup"}}, "backed up to /tmp/whatsapp-auth-backup"},
		{"env only", fakeAuth{out: authbackup.WriteOutcome{Location: authbackup.EnvLocation, EnvMirrored: true}}, "environment variables only"},
		{"empty", fakeAuth{out: authbackup.WriteOutcome{Skipped: true, Reason: authbackup.SkipEmpty}}, "not paired"},
		{"all failed", fakeAuth{err: fmt.Errorf("%w: boom", authbackup.ErrAllMethodsFailed)}, "no location accepted"},
		{"other error", fakeAuth{err: errors.New("store closed")}, "store closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := tt.auth
			d := newTestDispatcher(&auth, authbackup.Report{})
			reply, _ := d.Handle(context.Background(), commandRequest{FromMe: true, Text: "!backup"})
			if !strings.Contains(reply, tt.want) {
				t.Errorf("reply = %q, want it to contain %q", reply, tt.want)
			}
		})
	}
}

func TestDispatcherBackupStatusAndRestore(t *testing.T) {
	report := authbackup.Report{
		Tiers: []authbackup.TierStatus{
			{Location: "auth_backup", Status: authbackup.StatusExpired, Age: 8 * 24 * time.Hour},
			{Location: "/tmp/whatsapp-auth-backup", Status: authbackup.StatusValid, Age: 3 * time.Hour, Keys: 40},
		},
		ValidCount: 1,
	}
	d := newTestDispatcher(&fakeAuth{phase: authstate.PhaseLocalValid}, report)
	ctx := context.Background()

	reply, _ := d.Handle(ctx, commandRequest{FromMe: true, Text: "!backupstatus"})
	if !strings.Contains(reply, "Valid backups: 1/2") {
		t.Errorf("backupstatus = %q", reply)
	}

	reply, _ = d.Handle(ctx, commandRequest{FromMe: true, Text: "!restore"})
	for _, want := range []string{"Session: local-valid", "restore from /tmp/whatsapp-auth-backup", "3h0m0s old", "40 keys"} {
		if !strings.Contains(reply, want) {
			t.Errorf("restore reply missing %q:\n%s", want, reply)
		}
	}

	d = newTestDispatcher(&fakeAuth{phase: authstate.PhaseFreshRequired}, authbackup.Report{Tiers: report.Tiers[:1]})
	reply, _ = d.Handle(ctx, commandRequest{FromMe: true, Text: "!restore"})
	if !strings.Contains(reply, "new QR login") {
		t.Errorf("restore without backup = %q", reply)
	}
}
