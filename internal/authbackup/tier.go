package authbackup

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// ResultKind tags the outcome of loading a single tier.
type ResultKind int

const (
	ResultNotFound ResultKind = iota
	ResultOK
	ResultCorrupted
	ResultIOError
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultCorrupted:
		return "corrupted"
	case ResultIOError:
		return "io-error"
	default:
		return "not-found"
	}
}

// Result is what a tier yields on load. Snapshot is set only for
// ResultOK; Err only for ResultCorrupted and ResultIOError.
type Result struct {
	Kind     ResultKind
	Snapshot *Snapshot
	Err      error
}

func okResult(s *Snapshot) Result { return Result{Kind: ResultOK, Snapshot: s} }
func notFound() Result { return Result{Kind: ResultNotFound} }
func corrupted(err error) Result { return Result{Kind: ResultCorrupted, Err: err} }
func ioFailure(err error) Result { return Result{Kind: ResultIOError, Err: err} }
func readFailure(path string, err error) Result {
	return ioFailure(fmt.Errorf("reading %s: %w", path, err))
}

// TierKind distinguishes filesystem tiers from the environment tier.
type TierKind int

const (
	TierDirectory TierKind = iota
	TierEnvironment
)

// Tier is one candidate persistence location.
type Tier interface {
	// Name identifies the tier in logs and reports.
	Name() string
	Kind() TierKind
	// Load reads the tier without mutating it.
	Load() Result
	// Store persists the snapshot.
	Store(s *Snapshot) error
	// Purge removes every artifact the tier holds.
	Purge() error
}

// Environ is the process environment as seen by the environment tier.
type Environ interface {
	Getenv(key string) string
	Setenv(key, value string) error
	Unsetenv(key string) error
}

// OSEnviron reads and writes the real process environment.
type OSEnviron struct{}

func (OSEnviron) Getenv(key string) string { return os.Getenv(key) }
func (OSEnviron) Setenv(key, value string) error { return os.Setenv(key, value) }
func (OSEnviron) Unsetenv(key string) error { return os.Unsetenv(key) }

// DefaultTiers builds the standard tier list: every directory returned by
// Locations followed by the environment tier.
func DefaultTiers(env Environ) []Tier {
	return NewTiers(Locations(env.Getenv), env)
}

// NewTiers builds a directory tier per dir, in order, followed by the
// environment tier when env is non-nil.
func NewTiers(dirs []string, env Environ) []Tier {
	tiers := make([]Tier, 0, len(dirs)+1)
	for _, d := range dirs {
		tiers = append(tiers, NewDirTier(d))
	}
	if env != nil {
		tiers = append(tiers, NewEnvTier(env))
	}
	return tiers
}

// DirTier stores snapshots as JSON files in a single directory.
type DirTier struct {
	dir string
}

// NewDirTier returns a tier rooted at dir.
func NewDirTier(dir string) *DirTier {
	return &DirTier{dir: dir}
}

func (t *DirTier) Name() string { return t.dir }
func (t *DirTier) Kind() TierKind { return TierDirectory }

func (t *DirTier) path(name string) string {
	return filepath.Join(t.dir, name)
}

// Load prefers the combined snapshot and falls back to the component files.
func (t *DirTier) Load() Result {
	completePath := t.path(CompleteFile)
	data, err := os.ReadFile(completePath)
	switch {
	case err == nil:
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return corrupted(fmt.Errorf("parsing %s: %w", completePath, err))
		}
		if snap.HasCreds() {
			snap.Location = t.dir
			return okResult(&snap)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return readFailure(completePath, err)
	}
	return t.loadComponents()
}

func (t *DirTier) loadComponents() Result {
	credsPath := t.path(CredsFile)
	creds, err := os.ReadFile(credsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound()
	}
	if err != nil {
		return readFailure(credsPath, err)
	}
	if !json.Valid(creds) {
		return corrupted(fmt.Errorf("parsing %s: invalid JSON", credsPath))
	}

	snap := &Snapshot{
		Bundle:   Bundle{Creds: json.RawMessage(creds)},
		Version:  FormatVersion,
		Location: t.dir,
		Partial:  true,
	}
	if !snap.HasCreds() {
		return notFound()
	}

	keysPath := t.path(KeysFile)
	keys, err := os.ReadFile(keysPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(keys, &snap.Keys); err != nil {
			return corrupted(fmt.Errorf("parsing %s: %w", keysPath, err))
		}
	case !errors.Is(err, fs.ErrNotExist):
		return readFailure(keysPath, err)
	}

	if info, ok := t.readInfo(); ok && info.Timestamp > 0 {
		snap.Timestamp = info.Timestamp
		if info.Version != "" {
			snap.Version = info.Version
		}
		return okResult(snap)
	}

	st, err := os.Stat(credsPath)
	if err != nil {
		return readFailure(credsPath, err)
	}
	snap.Timestamp = st.ModTime().UnixMilli()
	return okResult(snap)
}

func (t *DirTier) readInfo() (backupInfo, bool) {
	var info backupInfo
	data, err := os.ReadFile(t.path(InfoFile))
	if err != nil {
		return info, false
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, false
	}
	return info, true
}

// Store creates the directory if needed, probes it for writability, then
// writes the combined snapshot, the component files and the info file.
func (t *DirTier) Store(s *Snapshot) error {
	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", t.dir, err)
	}

	probe := t.path(probeFile)
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory %s not writable: %w", t.dir, err)
	}
	_ = os.Remove(probe)

	if err := writeJSONFile(t.path(CompleteFile), s); err != nil {
		return err
	}
	if s.HasCreds() {
		if err := writeJSONFile(t.path(CredsFile), s.Creds); err != nil {
			return err
		}
	} else if err := os.Remove(t.path(CredsFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale %s: %w", CredsFile, err)
	}
	if len(s.Keys) > 0 {
		if err := writeJSONFile(t.path(KeysFile), s.Keys); err != nil {
			return err
		}
	} else if err := os.Remove(t.path(KeysFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale %s: %w", KeysFile, err)
	}

	return writeJSONFile(t.path(InfoFile), backupInfo{
		Timestamp: s.Timestamp,
		Location:  t.dir,
		HasKeys:   len(s.Keys) > 0,
		HasCreds:  s.HasCreds(),
		Version:   s.Version,
	})
}

// Purge removes every backup artifact in the directory. Missing files are
// not an error.
func (t *DirTier) Purge() error {
	var errs []error
	for _, name := range []string{CompleteFile, CredsFile, KeysFile, InfoFile} {
		if err := os.Remove(t.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// EnvTier stores snapshots base64-encoded in environment variables. On
// hosts with ephemeral disks but persistent environment configuration it
// is the last line of defence.
type EnvTier struct {
	env Environ
}

// NewEnvTier returns a tier backed by env.
func NewEnvTier(env Environ) *EnvTier {
	return &EnvTier{env: env}
}

func (t *EnvTier) Name() string { return EnvLocation }
func (t *EnvTier) Kind() TierKind { return TierEnvironment }

func (t *EnvTier) Load() Result {
	encodedCreds := t.env.Getenv(EnvCreds)
	if encodedCreds == "" {
		return notFound()
	}

	creds, err := decodeEnvJSON(EnvCreds, encodedCreds)
	if err != nil {
		return corrupted(err)
	}
	snap := &Snapshot{
		Bundle:   Bundle{Creds: creds},
		Version:  FormatVersion,
		Location: EnvLocation,
	}
	if !snap.HasCreds() {
		return notFound()
	}

	if encodedKeys := t.env.Getenv(EnvKeys); encodedKeys != "" {
		keys, err := decodeEnvJSON(EnvKeys, encodedKeys)
		if err != nil {
			return corrupted(err)
		}
		if err := json.Unmarshal(keys, &snap.Keys); err != nil {
			return corrupted(fmt.Errorf("parsing %s: %w", EnvKeys, err))
		}
	}

	// A missing or malformed timestamp counts as epoch zero, which is
	// always expired.
	snap.Timestamp, _ = strconv.ParseInt(t.env.Getenv(EnvTimestamp), 10, 64)
	return okResult(snap)
}

func decodeEnvJSON(key, value string) (json.RawMessage, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("parsing %s: invalid JSON", key)
	}
	return json.RawMessage(data), nil
}

func (t *EnvTier) Store(s *Snapshot) error {
	keys := s.Keys
	if keys == nil {
		keys = map[string]json.RawMessage{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshalling keys: %w", err)
	}
	creds := s.Creds
	if !s.HasCreds() {
		creds = json.RawMessage("null")
	}

	vars := []struct{ key, value string }{
		{EnvCreds, base64.StdEncoding.EncodeToString(creds)},
		{EnvKeys, base64.StdEncoding.EncodeToString(keysJSON)},
		{EnvTimestamp, strconv.FormatInt(s.Timestamp, 10)},
	}
	for _, v := range vars {
		if err := t.env.Setenv(v.key, v.value); err != nil {
			return fmt.Errorf("setting %s: %w", v.key, err)
		}
	}
	return nil
}

func (t *EnvTier) Purge() error {
	var errs []error
	for _, key := range []string{EnvCreds, EnvKeys, EnvTimestamp} {
		if err := t.env.Unsetenv(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
