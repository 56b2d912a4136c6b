package authbackup

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Restorer recovers the first usable snapshot from the tiers.
type Restorer struct {
	opts Options
	log  logr.Logger
}

// NewRestorer creates a Restorer.
func NewRestorer(opts Options) *Restorer {
	opts = opts.withDefaults()
	return &Restorer{
		opts: opts,
		log:  opts.Log.WithName("backup-restorer"),
	}
}

// Restore walks the tiers in priority order and returns the first snapshot
// that has creds and is younger than MaxAge. Expired snapshots are purged
// from their tier on the way; corrupted or unreadable tiers are skipped.
// ErrNotFound is returned when nothing usable is left.
func (r *Restorer) Restore(ctx context.Context) (*Snapshot, error) {
	now := r.opts.Now()
	for _, t := range r.opts.Tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := t.Load()
		switch res.Kind {
		case ResultOK:
			snap := res.Snapshot
			age := snap.Age(now)
			if !snap.Expired(now) {
				r.log.Info("Restoring credentials from backup",
					"location", t.Name(), "age", age.Round(time.Second).String(), "keys", len(snap.Keys), "partial", snap.Partial)
				restores.WithLabelValues(t.Name()).Inc()
				return snap, nil
			}
			r.log.Info("Backup expired, removing", "location", t.Name(), "age", age.Round(time.Second).String())
			if err := t.Purge(); err != nil {
				r.log.Error(err, "failed to remove expired backup", "location", t.Name())
			}
		case ResultCorrupted:
			r.log.Error(res.Err, "backup corrupted, skipping", "location", t.Name())
		case ResultIOError:
			r.log.Info("Backup location unreadable, skipping", "location", t.Name(), "error", res.Err.Error())
		}
	}

	r.log.Info("No valid credential backup found")
	return nil, ErrNotFound
}
