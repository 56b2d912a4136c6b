package authbackup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// Status is the verdict for one tier.
type Status int

const (
	StatusNotFound Status = iota
	StatusValid
	StatusValidPartial
	StatusExpired
	StatusCorrupted
	StatusUnreadable
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "Valid"
	case StatusValidPartial:
		return "Valid (partial)"
	case StatusExpired:
		return "Expired"
	case StatusCorrupted:
		return "Corrupted"
	case StatusUnreadable:
		return "Unreadable"
	default:
		return "Not found"
	}
}

// IsValid is true for every Valid variant.
func (s Status) IsValid() bool {
	return s == StatusValid || s == StatusValidPartial
}

// TierStatus is the verdict for one tier.
type TierStatus struct {
	Location string
	Kind     TierKind
	Status   Status
	// Age is set when a snapshot was found.
	Age  time.Duration
	Keys int
	Err  error
}

func (s TierStatus) String() string {
	switch s.Status {
	case StatusValid, StatusValidPartial, StatusExpired:
		return fmt.Sprintf("%s (%s old)", s.Status, formatAge(s.Age))
	case StatusCorrupted, StatusUnreadable:
		if s.Err != nil {
			return fmt.Sprintf("%s: %v", s.Status, s.Err)
		}
	}
	return s.Status.String()
}

// Report is the result of a verification sweep.
type Report struct {
	Tiers      []TierStatus
	ValidCount int
	CheckedAt  time.Time
}

// Lookup returns the status recorded for location.
func (r Report) Lookup(location string) (TierStatus, bool) {
	for _, s := range r.Tiers {
		if s.Location == location {
			return s, true
		}
	}
	return TierStatus{}, false
}

// Candidate returns the tier a restore would use right now: the first
// valid one in priority order.
func (r Report) Candidate() (TierStatus, bool) {
	for _, s := range r.Tiers {
		if s.Status.IsValid() {
			return s, true
		}
	}
	return TierStatus{}, false
}

// Text renders the report one tier per line, suitable for a chat reply.
func (r Report) Text() string {
	var b strings.Builder
	for _, s := range r.Tiers {
		fmt.Fprintf(&b, "%s %s: %s\n", statusMark(s.Status), s.Location, s)
	}
	fmt.Fprintf(&b, "Valid backups: %d/%d", r.ValidCount, len(r.Tiers))
	return b.String()
}

func statusMark(s Status) string {
	switch s {
	case StatusValid, StatusValidPartial:
		return "✅"
	case StatusExpired:
		return "⏰"
	case StatusCorrupted, StatusUnreadable:
		return "❌"
	default:
		return "➖"
	}
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < 48*time.Hour {
		return d.Round(time.Minute).String()
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// Verifier inspects every tier without changing anything.
type Verifier struct {
	opts Options
	log  logr.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(opts Options) *Verifier {
	opts = opts.withDefaults()
	return &Verifier{
		opts: opts,
		log:  opts.Log.WithName("backup-verifier"),
	}
}

// Verify reports the state of each tier using the same staleness rule as
// the Restorer. Nothing is deleted.
func (v *Verifier) Verify(ctx context.Context) Report {
	now := v.opts.Now()
	report := Report{CheckedAt: now}

	for _, t := range v.opts.Tiers {
		if ctx.Err() != nil {
			break
		}
		st := TierStatus{Location: t.Name(), Kind: t.Kind()}

		res := t.Load()
		switch res.Kind {
		case ResultOK:
			snap := res.Snapshot
			st.Age = snap.Age(now)
			st.Keys = len(snap.Keys)
			switch {
			case snap.Expired(now):
				st.Status = StatusExpired
			case snap.Partial:
				st.Status = StatusValidPartial
			default:
				st.Status = StatusValid
			}
		case ResultCorrupted:
			if t.Kind() == TierEnvironment {
				// Environment values that do not decode hold no backup.
				v.log.V(1).Info("Ignoring undecodable environment backup", "error", res.Err.Error())
				st.Status = StatusNotFound
				break
			}
			st.Status = StatusCorrupted
			st.Err = res.Err
		case ResultIOError:
			st.Status = StatusUnreadable
			st.Err = res.Err
		default:
			st.Status = StatusNotFound
		}

		if st.Status.IsValid() {
			report.ValidCount++
		}
		report.Tiers = append(report.Tiers, st)
	}

	v.log.V(1).Info("Backup verification complete", "valid", report.ValidCount, "tiers", len(report.Tiers))
	return report
}
