// Package session loads and stores the WhatsApp session credentials kept in
// the bot's working directory.
//
// Two on-disk layouts are supported: the whatsmeow SQLite store used by the
// running bot, and a plain multi-file JSON layout (one creds file plus one
// file per key record).
package session

import (
	"bytes"
	"context"
	"encoding/json"
)

// State is the credential material held in a working directory.
type State struct {
	// Creds is the identity record. Nil when the device has never paired.
	Creds json.RawMessage
	// Keys maps a key name to its record.
	Keys map[string]json.RawMessage
	// Save flushes in-memory creds through the loader's own format. Nil
	// when the backing store persists every change by itself.
	Save func(ctx context.Context) error
}

// HasCreds reports whether the state holds a usable identity.
func (s *State) HasCreds() bool {
	if s == nil {
		return false
	}
	trimmed := bytes.TrimSpace(s.Creds)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) &&
		!bytes.Equal(trimmed, []byte("{}")) && !bytes.Equal(trimmed, []byte("[]"))
}

// Loader reads and writes session state in a working directory.
//
// WriteCreds and WriteKey take records exactly as Load produced them, so a
// state loaded from one directory can be replayed into another record by
// record.
type Loader interface {
	Load(ctx context.Context, dir string) (*State, error)
	WriteCreds(ctx context.Context, dir string, creds json.RawMessage) error
	WriteKey(ctx context.Context, dir, name string, value json.RawMessage) error
}
