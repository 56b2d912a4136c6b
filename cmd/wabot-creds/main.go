// Package main provides wabot-creds, a CLI for inspecting and repairing the
// bot's session credentials and their backups without starting the bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	waLog "go.mau.fi/whatsmeow/util/log"

	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/alexsjones/wabot/internal/authbackup"
	"github.com/alexsjones/wabot/internal/authstate"
	"github.com/alexsjones/wabot/internal/session"
)

const (
	storeSQLite = "sqlite"
	storeFile   = "file"
)

type options struct {
	dataDir    string
	store      string
	backupDirs []string
	noEnv      bool
	verbose    bool

	log    logr.Logger
	stdout io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, log: logr.Discard()}

	rootCmd := &cobra.Command{
		Use:   "wabot-creds",
		Short: "wabot-creds - inspect and restore WhatsApp session credential backups",
		Long: `wabot-creds checks every backup location the bot writes to, takes a
backup of the working credentials on demand, and restores the newest fresh
backup into an empty working directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.store != storeSQLite && opts.store != storeFile {
				return fmt.Errorf("unknown store %q (want %s or %s)", opts.store, storeSQLite, storeFile)
			}
			if opts.verbose {
				opts.log = zap.New(zap.UseDevMode(true)).WithName("wabot-creds")
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.dataDir, "dir", "d", envOrDefault("WHATSAPP_DATA_DIR", "auth_info"), "Working credential directory")
	rootCmd.PersistentFlags().StringVar(&opts.store, "store", envOrDefault("SESSION_STORE", storeSQLite), "Working directory layout: sqlite or file")
	rootCmd.PersistentFlags().StringSliceVar(&opts.backupDirs, "backup-dir", nil, "Backup directory in priority order (repeatable; default: the bot's standard locations)")
	rootCmd.PersistentFlags().BoolVar(&opts.noEnv, "no-env", false, "Ignore the environment variable backup")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log what is happening")

	rootCmd.AddCommand(
		newVerifyCmd(opts),
		newBackupCmd(opts),
		newRestoreCmd(opts),
	)
	return rootCmd
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		Aliases: []string{"status"},
		Short:   "Report the state of every backup location",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := authbackup.NewVerifier(opts.backupOptions(!opts.noEnv)).Verify(cmd.Context())
			renderReport(opts.stdout, report)
			return nil
		},
	}
}

func newBackupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Back up the working credentials now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loader, closeLoader := opts.loader()
			defer closeLoader()

			state, err := loader.Load(ctx, opts.dataDir)
			if err != nil {
				return fmt.Errorf("reading %s: %w", opts.dataDir, err)
			}
			// The environment of a CLI process dies with it, so only
			// directories are written here.
			w := authbackup.NewWriter(opts.backupOptions(false))
			out, err := w.Write(ctx, authbackup.Bundle{Creds: state.Creds, Keys: state.Keys}, true)
			if err != nil {
				fmt.Fprintln(opts.stdout, failStyle.Render("✗ "+err.Error()))
				return err
			}
			if out.Skipped {
				fmt.Fprintln(opts.stdout, dimStyle.Render("Nothing to back up: "+opts.dataDir+" holds no credentials"))
				return nil
			}
			fmt.Fprintln(opts.stdout, okStyle.Render(fmt.Sprintf("✓ Backed up %d keys to %s", len(state.Keys), out.Location)))
			return nil
		},
	}
}

func newRestoreCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the newest fresh backup into the working directory",
		Long: `Restore loads the working directory and, only if it holds no credentials,
replays the first fresh backup into it. Expired backups found on the way are
deleted. With --dry-run nothing is changed and the backup that would be used
is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backupOpts := opts.backupOptions(!opts.noEnv)

			if dryRun {
				report := authbackup.NewVerifier(backupOpts).Verify(ctx)
				c, ok := report.Candidate()
				if !ok {
					fmt.Fprintln(opts.stdout, warnStyle.Render("No usable backup; a new QR login would be needed"))
					return nil
				}
				fmt.Fprintf(opts.stdout, "Would restore from %s (%s, %d keys)\n", c.Location, c, c.Keys)
				return nil
			}

			loader, closeLoader := opts.loader()
			defer closeLoader()
			provider := authstate.NewProvider(authstate.Config{
				Dir:      opts.dataDir,
				Loader:   loader,
				Writer:   authbackup.NewWriter(backupOpts),
				Restorer: authbackup.NewRestorer(backupOpts),
				Log:      opts.log,
			})
			state, err := provider.Bootstrap(ctx)
			if err != nil {
				fmt.Fprintln(opts.stdout, failStyle.Render("✗ "+err.Error()))
				return err
			}
			return printPhase(opts.stdout, provider.Phase(), opts.dataDir, len(state.Keys))
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only show which backup would be restored")
	return cmd
}

func printPhase(w io.Writer, phase authstate.Phase, dir string, keys int) error {
	switch phase {
	case authstate.PhaseLocalValid:
		fmt.Fprintln(w, dimStyle.Render(dir+" already holds credentials; nothing restored"))
	case authstate.PhaseRestored:
		fmt.Fprintln(w, okStyle.Render(fmt.Sprintf("✓ Restored %d keys into %s", keys, dir)))
	case authstate.PhaseFreshRequired:
		fmt.Fprintln(w, warnStyle.Render("No usable backup; the bot will ask for a new QR login"))
	default:
		return errors.New("restore ended in phase " + phase.String())
	}
	return nil
}

func (o *options) backupOptions(withEnv bool) authbackup.Options {
	dirs := o.backupDirs
	if len(dirs) == 0 {
		dirs = authbackup.Locations(os.Getenv)
	}
	var env authbackup.Environ
	if withEnv {
		env = authbackup.OSEnviron{}
	}
	return authbackup.Options{
		Tiers: authbackup.NewTiers(dirs, env),
		Log:   o.log,
	}
}

func (o *options) loader() (session.Loader, func()) {
	if o.store == storeFile {
		return session.FileLoader{}, func() {}
	}
	l := session.NewSQLiteLoader(waLog.Noop)
	return l, func() { _ = l.Close() }
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
