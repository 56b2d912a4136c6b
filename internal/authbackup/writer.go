package authbackup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Reasons reported in WriteOutcome.Reason when a write is skipped.
const (
	SkipThrottled = "throttled"
	SkipEmpty     = "empty"
)

// Options configures the Writer, Restorer and Verifier. Zero values pick
// the production defaults.
type Options struct {
	// Tiers in priority order. Defaults to DefaultTiers(OSEnviron{}).
	Tiers []Tier
	Log   logr.Logger
	// Now is the clock used for timestamps, throttling and staleness.
	Now func() time.Time

	// RetryAttempts and RetryDelay bound WriteWithRetry. Attempt n waits
	// n*RetryDelay before attempt n+1.
	RetryAttempts int
	RetryDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tiers == nil {
		o.Tiers = DefaultTiers(OSEnviron{})
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// WriteOutcome describes what a Write call did.
type WriteOutcome struct {
	Skipped bool
	Reason  string

	// Location is the directory that accepted the snapshot, or
	// EnvLocation when the environment was the only tier that did.
	Location string
	// EnvMirrored is true when the environment tier received a copy.
	EnvMirrored bool
	Timestamp   int64
}

// EnvOnly reports whether the environment was the sole successful tier.
func (o WriteOutcome) EnvOnly() bool {
	return !o.Skipped && o.Location == EnvLocation
}

// Writer persists credential bundles across the configured tiers. It owns
// the throttle state, so one Writer should be shared per process.
type Writer struct {
	opts Options
	log  logr.Logger

	mu        sync.Mutex
	lastWrite time.Time
}

// NewWriter creates a Writer.
func NewWriter(opts Options) *Writer {
	opts = opts.withDefaults()
	return &Writer{
		opts: opts,
		log:  opts.Log.WithName("backup-writer"),
	}
}

// LastWrite returns the time of the last successful write, or the zero
// time if there has been none.
func (w *Writer) LastWrite() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWrite
}

// Due reports whether a write made now would get past the throttle.
// Callers use it to avoid exporting a bundle that Write would discard.
func (w *Writer) Due(forced bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.due(w.opts.Now(), forced)
}

func (w *Writer) due(now time.Time, forced bool) bool {
	return forced || w.lastWrite.IsZero() || now.Sub(w.lastWrite) >= Cooldown
}

// Write persists b. Unless forced, calls within Cooldown of the previous
// successful write are skipped. Directory tiers are tried in order and the
// first one that accepts the snapshot wins; the environment tier always
// receives a mirror copy. An error is returned only when every tier failed.
func (w *Writer) Write(ctx context.Context, b Bundle, forced bool) (WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return WriteOutcome{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.opts.Now()
	if !w.due(now, forced) {
		return WriteOutcome{Skipped: true, Reason: SkipThrottled}, nil
	}
	if b.Empty() {
		w.log.V(1).Info("Nothing to back up, bundle is empty")
		return WriteOutcome{Skipped: true, Reason: SkipEmpty}, nil
	}

	snap := &Snapshot{
		Bundle:    b,
		Timestamp: now.UnixMilli(),
		Version:   FormatVersion,
	}
	out := WriteOutcome{Timestamp: snap.Timestamp}

	var dirErrs []error
	for _, t := range w.opts.Tiers {
		if t.Kind() != TierDirectory {
			continue
		}
		if err := t.Store(snap); err != nil {
			w.log.Info("Backup location failed", "location", t.Name(), "error", err.Error())
			backupWrites.WithLabelValues(t.Name(), "error").Inc()
			dirErrs = append(dirErrs, err)
			continue
		}
		w.log.Info("Credentials backed up", "location", t.Name(), "keys", len(b.Keys))
		backupWrites.WithLabelValues(t.Name(), "ok").Inc()
		out.Location = t.Name()
		break
	}

	envErr := w.mirrorToEnv(snap)
	out.EnvMirrored = envErr == nil

	if out.Location == "" {
		if !out.EnvMirrored {
			return WriteOutcome{}, fmt.Errorf("%w: directories: %w; environment: %w",
				ErrAllMethodsFailed, errors.Join(dirErrs...), envErr)
		}
		w.log.Info("All backup directories failed, credentials kept in environment only")
		out.Location = EnvLocation
	}

	w.lastWrite = now
	lastBackup.Set(float64(now.Unix()))
	return out, nil
}

func (w *Writer) mirrorToEnv(snap *Snapshot) error {
	var errs []error
	found := false
	for _, t := range w.opts.Tiers {
		if t.Kind() != TierEnvironment {
			continue
		}
		found = true
		if err := t.Store(snap); err != nil {
			w.log.Info("Environment backup failed", "error", err.Error())
			backupWrites.WithLabelValues(t.Name(), "error").Inc()
			errs = append(errs, err)
			continue
		}
		backupWrites.WithLabelValues(t.Name(), "ok").Inc()
		return nil
	}
	if !found {
		return errors.New("no environment tier configured")
	}
	return errors.Join(errs...)
}

// WriteWithRetry performs a forced write, retrying with linearly
// increasing delay up to Options.RetryAttempts times.
func (w *Writer) WriteWithRetry(ctx context.Context, b Bundle) (WriteOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= w.opts.RetryAttempts; attempt++ {
		out, err := w.Write(ctx, b, true)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return WriteOutcome{}, ctxErr
		}
		lastErr = err
		w.log.Info("Forced backup attempt failed", "attempt", attempt, "error", err.Error())
		if attempt == w.opts.RetryAttempts {
			break
		}

		timer := time.NewTimer(time.Duration(attempt) * w.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return WriteOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}
	return WriteOutcome{}, fmt.Errorf("forced backup failed after %d attempts: %w", w.opts.RetryAttempts, lastErr)
}
