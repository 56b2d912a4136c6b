// Package authbackup keeps WhatsApp session credentials alive across
// redeploys on hosts whose filesystem may be wiped at any time.
//
// Credentials are written redundantly to an ordered list of storage tiers
// (local directory, temp directory, home directory, process environment)
// and restored from the first tier holding a fresh snapshot.
package authbackup

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Artifact file names inside each backup directory.
const (
	CompleteFile = "auth-complete-backup.json"
	CredsFile    = "creds-backup.json"
	KeysFile     = "keys-backup.json"
	InfoFile     = "backup-info.json"

	probeFile = ".write-test"
)

// Environment variables used by the environment tier.
const (
	EnvCreds     = "CREDS_BACKUP"
	EnvKeys      = "KEYS_BACKUP"
	EnvTimestamp = "BACKUP_TIMESTAMP"
)

const (
	// FormatVersion tags every snapshot written by this package.
	FormatVersion = "2.0"

	// MaxAge is the staleness threshold. Snapshots at least this old are
	// never restored.
	MaxAge = 7 * 24 * time.Hour

	// Cooldown is the minimum spacing between non-forced writes.
	Cooldown = 30 * time.Second

	// EnvLocation is the location name reported for the environment tier.
	EnvLocation = "environment-variables"
)

var (
	// ErrNotFound is returned by Restore when no tier holds a fresh snapshot.
	ErrNotFound = errors.New("no valid credential backup found")

	// ErrAllMethodsFailed is returned by Write when neither a directory nor
	// the environment accepted the bundle.
	ErrAllMethodsFailed = errors.New("all backup methods failed")
)

// Bundle is the credential material needed to resume a session without a
// new QR login. Creds and each key record are opaque JSON.
type Bundle struct {
	Creds json.RawMessage            `json:"creds"`
	Keys  map[string]json.RawMessage `json:"keys"`
}

// HasCreds reports whether the bundle carries a non-null creds record.
func (b Bundle) HasCreds() bool {
	return isPresent(b.Creds)
}

// Empty reports whether there is nothing worth persisting.
func (b Bundle) Empty() bool {
	return !b.HasCreds() && len(b.Keys) == 0
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Snapshot is a bundle plus its provenance.
type Snapshot struct {
	Bundle
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
	Version   string `json:"version"`

	// Location is the tier the snapshot was read from. Diagnostic only.
	Location string `json:"-"`
	// Partial is set when the snapshot was assembled from the component
	// files because the combined file was missing.
	Partial bool `json:"-"`
}

// Age returns how old the snapshot is relative to now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.Timestamp))
}

// Expired reports whether the snapshot has reached MaxAge.
func (s *Snapshot) Expired(now time.Time) bool {
	return s.Age(now) >= MaxAge
}

// backupInfo is the content of InfoFile.
type backupInfo struct {
	Timestamp int64  `json:"timestamp"`
	Location  string `json:"location"`
	HasKeys   bool   `json:"hasKeys"`
	HasCreds  bool   `json:"hasCreds"`
	Version   string `json:"version"`
}
