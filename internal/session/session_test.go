package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestHasCreds(t *testing.T) {
	tests := []struct {
		name  string
		state *State
		want  bool
	}{
		{"nil state", nil, false},
		{"no creds", &State{}, false},
		{"null creds", &State{Creds: json.RawMessage("null")}, false},
		{"empty object", &State{Creds: json.RawMessage(" {} ")}, false},
		{"empty device list", &State{Creds: json.RawMessage("[]")}, false},
		{"populated", &State{Creds: json.RawMessage(`{"registrationId":1}`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.HasCreds(); got != tt.want {
				t.Errorf("HasCreds() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyFileName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"pre-key-1", "pre-key-1.json"},
		{"session-123:4@s.whatsapp.net", "session-123-4@s.whatsapp.net.json"},
		{"sender-key/group", "sender-key__group.json"},
	}
	for _, tt := range tests {
		if got := KeyFileName(tt.name); got != tt.want {
			t.Errorf("KeyFileName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestFileLoaderRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "auth")
	var l FileLoader

	if err := l.WriteCreds(ctx, src, json.RawMessage(`{"registrationId":7}`)); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteKey(ctx, src, "pre-key-1", json.RawMessage(`{"public":"AQ=="}`)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "garbage.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	state, err := l.Load(ctx, src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !state.HasCreds() {
		t.Fatal("expected creds")
	}
	if len(state.Keys) != 1 {
		t.Fatalf("keys = %v, want only pre-key-1", state.Keys)
	}

	if err := l.WriteCreds(ctx, dst, state.Creds); err != nil {
		t.Fatal(err)
	}
	for name, v := range state.Keys {
		if err := l.WriteKey(ctx, dst, name, v); err != nil {
			t.Fatal(err)
		}
	}
	copied, err := l.Load(ctx, dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(copied.Creds) != string(state.Creds) {
		t.Errorf("creds = %s, want %s", copied.Creds, state.Creds)
	}
	if !reflect.DeepEqual(copied.Keys, state.Keys) {
		t.Errorf("keys = %v, want %v", copied.Keys, state.Keys)
	}
}

func TestFileLoaderSave(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var l FileLoader

	state, err := l.Load(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if state.HasCreds() {
		t.Fatal("fresh directory should have no creds")
	}

	state.Creds = json.RawMessage(`{"me":{"id":"1@s.whatsapp.net"}}`)
	if err := state.Save(ctx); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, CredsFileName))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(state.Creds) {
		t.Errorf("saved creds = %s", data)
	}
}

func TestFileLoaderRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var l FileLoader

	if err := l.WriteKey(ctx, dir, "", json.RawMessage("{}")); err == nil {
		t.Error("expected error for empty key name")
	}
	if err := l.WriteKey(ctx, dir, "creds", json.RawMessage("{}")); err == nil {
		t.Error("expected error for key colliding with creds")
	}
	if err := l.WriteCreds(ctx, dir, json.RawMessage("{")); err == nil {
		t.Error("expected error for invalid creds JSON")
	}

	if err := os.WriteFile(filepath.Join(dir, CredsFileName), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load(ctx, dir); err == nil {
		t.Error("expected error for corrupted creds file")
	}
}

const testSchema = `
CREATE TABLE whatsmeow_version (version INTEGER);
CREATE TABLE whatsmeow_device (
	jid TEXT PRIMARY KEY,
	registration_id BIGINT NOT NULL,
	noise_key BLOB NOT NULL,
	push_name TEXT NOT NULL DEFAULT '',
	adv_details BLOB
);
CREATE TABLE whatsmeow_pre_keys (
	jid TEXT REFERENCES whatsmeow_device(jid) ON DELETE CASCADE,
	key_id INTEGER,
	key BLOB,
	uploaded BOOLEAN NOT NULL,
	PRIMARY KEY (jid, key_id)
);
`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(driverName, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db
}

func TestDumpAndReplaySQLiteStore(t *testing.T) {
	ctx := context.Background()
	src := openTestDB(t)

	if _, err := src.Exec(`INSERT INTO whatsmeow_device (jid, registration_id, noise_key, push_name, adv_details)
		VALUES ('15550001111.0:7@s.whatsapp.net', 4242, x'00ff10', 'bot', NULL)`); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Exec(`INSERT INTO whatsmeow_pre_keys (jid, key_id, key, uploaded) VALUES
		('15550001111.0:7@s.whatsapp.net', 1, x'0102', 1),
		('15550001111.0:7@s.whatsapp.net', 2, x'', 0)`); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Exec(`INSERT INTO whatsmeow_version (version) VALUES (8)`); err != nil {
		t.Fatal(err)
	}

	state, err := dumpState(ctx, src)
	if err != nil {
		t.Fatalf("dumpState: %v", err)
	}
	if !state.HasCreds() {
		t.Fatal("expected device rows as creds")
	}
	if len(state.Keys) != 2 {
		t.Fatalf("keys = %d, want 2 (version table excluded)", len(state.Keys))
	}
	if _, ok := state.Keys["whatsmeow_pre_keys.0"]; !ok {
		t.Errorf("missing whatsmeow_pre_keys.0 in %v", state.Keys)
	}

	dst := openTestDB(t)
	var devices []row
	if err := json.Unmarshal(state.Creds, &devices); err != nil {
		t.Fatal(err)
	}
	for _, r := range devices {
		if err := insertRow(ctx, dst, deviceTable, r); err != nil {
			t.Fatal(err)
		}
	}
	for name, v := range state.Keys {
		var r row
		if err := json.Unmarshal(v, &r); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if err := insertRow(ctx, dst, "whatsmeow_pre_keys", r); err != nil {
			t.Fatal(err)
		}
	}

	var noiseKey []byte
	var adv []byte
	if err := dst.QueryRow(`SELECT noise_key, adv_details FROM whatsmeow_device`).Scan(&noiseKey, &adv); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(noiseKey, []byte{0x00, 0xff, 0x10}) {
		t.Errorf("noise_key = %x", noiseKey)
	}
	if adv != nil {
		t.Errorf("adv_details = %x, want NULL", adv)
	}

	replayed, err := dumpState(ctx, dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(replayed.Creds) != string(state.Creds) {
		t.Errorf("creds = %s, want %s", replayed.Creds, state.Creds)
	}
	if len(replayed.Keys) != len(state.Keys) {
		t.Errorf("replayed %d keys, want %d", len(replayed.Keys), len(state.Keys))
	}
}

func TestInsertRowRejectsBadIdentifiers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	text := "x"

	if err := insertRow(ctx, db, `whatsmeow_device"; DROP TABLE x; --`, row{"jid": {Text: &text}}); err == nil {
		t.Error("expected error for bad table name")
	}
	if err := insertRow(ctx, db, deviceTable, row{`jid" --`: {Text: &text}}); err == nil {
		t.Error("expected error for bad column name")
	}
}

func TestSQLiteLoaderWriteKeyValidation(t *testing.T) {
	l := NewSQLiteLoader(nil)
	defer l.Close()
	ctx := context.Background()

	for _, name := range []string{"pre-key-1", "whatsmeow_device.0", "other_table.1"} {
		if err := l.WriteKey(ctx, t.TempDir(), name, json.RawMessage("{}")); err == nil {
			t.Errorf("WriteKey(%q) should fail", name)
		}
	}
}

func TestSQLiteLoaderFreshStore(t *testing.T) {
	l := NewSQLiteLoader(nil)
	defer l.Close()
	dir := t.TempDir()

	state, err := l.Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.HasCreds() {
		t.Error("fresh store should have no device")
	}
	if len(state.Keys) != 0 {
		t.Errorf("fresh store exported %d keys", len(state.Keys))
	}
	if _, err := os.Stat(filepath.Join(dir, DatabaseFile)); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestSQLiteLoaderContainerSharesStore(t *testing.T) {
	l := NewSQLiteLoader(nil)
	defer l.Close()
	ctx := context.Background()
	dir := t.TempDir()

	container, err := l.Container(ctx, dir)
	if err != nil {
		t.Fatalf("Container: %v", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		t.Fatalf("GetFirstDevice: %v", err)
	}
	if device.ID != nil {
		t.Errorf("fresh store has device %v", device.ID)
	}

	again, err := l.Container(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil {
		t.Fatal("nil container on second call")
	}
	if len(l.dbs) != 1 {
		t.Errorf("loader opened %d databases, want 1", len(l.dbs))
	}
}
