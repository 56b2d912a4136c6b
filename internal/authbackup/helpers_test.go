package authbackup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

// mapEnv is an in-memory Environ.
type mapEnv struct {
	vars   map[string]string
	writes int
	failOn string
}

func newMapEnv() *mapEnv {
	return &mapEnv{vars: map[string]string{}}
}

func (e *mapEnv) Getenv(key string) string { return e.vars[key] }

func (e *mapEnv) Setenv(key, value string) error {
	if e.failOn != "" && key == e.failOn {
		return os.ErrPermission
	}
	e.writes++
	e.vars[key] = value
	return nil
}

func (e *mapEnv) Unsetenv(key string) error {
	e.writes++
	delete(e.vars, key)
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

// blockedDir returns a path that can never be created because one of its
// parents is a regular file. Works even when tests run as root.
func blockedDir(t *testing.T) string {
	t.Helper()
	parent := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(parent, []byte("x"), 0o600); err != nil {
		t.Fatalf("creating blocker file: %v", err)
	}
	return filepath.Join(parent, "backup")
}

func testOptions(dirs []string, env *mapEnv, clock *fakeClock) Options {
	var environ Environ
	if env != nil {
		environ = env
	}
	return Options{
		Tiers:         NewTiers(dirs, environ),
		Log:           logr.Discard(),
		Now:           clock.Now,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
}

func sampleBundle() Bundle {
	return Bundle{
		Creds: json.RawMessage(`{"noiseKey":{"private":"AAE=","public":"AAI="},"registrationId":4242,"me":{"id":"15550001111:7@s.whatsapp.net"}}`),
		Keys: map[string]json.RawMessage{
			"pre-key-1":                 json.RawMessage(`{"private":"cHJpdg==","public":"cHVi"}`),
			"session-15550002222.0":     json.RawMessage(`{"_sessions":{}}`),
			"app-state-sync-key-AAAAAE": json.RawMessage(`{"keyData":"a2V5"}`),
		},
	}
}

// jsonEqual compares two JSON documents semantically.
func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatalf("unmarshal %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return reflect.DeepEqual(va, vb)
}

func assertBundleEqual(t *testing.T, got, want Bundle) {
	t.Helper()
	if !jsonEqual(t, got.Creds, want.Creds) {
		t.Errorf("creds = %s, want %s", got.Creds, want.Creds)
	}
	if len(got.Keys) != len(want.Keys) {
		t.Fatalf("keys = %d entries, want %d", len(got.Keys), len(want.Keys))
	}
	for name, w := range want.Keys {
		g, ok := got.Keys[name]
		if !ok {
			t.Errorf("key %q missing", name)
			continue
		}
		if !jsonEqual(t, g, w) {
			t.Errorf("key %q = %s, want %s", name, g, w)
		}
	}
}

// writeSnapshotAt places a combined snapshot in dir with the given timestamp.
func writeSnapshotAt(t *testing.T, dir string, b Bundle, ts time.Time) {
	t.Helper()
	snap := &Snapshot{Bundle: b, Timestamp: ts.UnixMilli(), Version: FormatVersion}
	if err := NewDirTier(dir).Store(snap); err != nil {
		t.Fatalf("storing snapshot in %s: %v", dir, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
