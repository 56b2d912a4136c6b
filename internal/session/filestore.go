package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CredsFileName is the identity file of the multi-file layout.
const CredsFileName = "creds.json"

var fileNameReplacer = strings.NewReplacer("/", "__", ":", "-")

// KeyFileName maps a key name to its file name in the multi-file layout.
func KeyFileName(name string) string {
	return fileNameReplacer.Replace(name) + ".json"
}

// FileLoader implements Loader over a directory of JSON files: CredsFileName
// plus one file per key record.
type FileLoader struct{}

var _ Loader = FileLoader{}

// Load reads every JSON file in dir. Key files that are not valid JSON are
// ignored; an unreadable or invalid creds file is an error.
func (l FileLoader) Load(ctx context.Context, dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing session directory: %w", err)
	}

	state := &State{Keys: map[string]json.RawMessage{}}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		if e.Name() == CredsFileName {
			if !json.Valid(data) {
				return nil, fmt.Errorf("parsing %s: invalid JSON", CredsFileName)
			}
			state.Creds = data
			continue
		}
		if !json.Valid(data) {
			continue
		}
		state.Keys[strings.TrimSuffix(e.Name(), ".json")] = data
	}

	state.Save = func(ctx context.Context) error {
		return l.WriteCreds(ctx, dir, state.Creds)
	}
	return state, nil
}

func (FileLoader) WriteCreds(_ context.Context, dir string, creds json.RawMessage) error {
	return writeRecord(filepath.Join(dir, CredsFileName), creds)
}

func (FileLoader) WriteKey(_ context.Context, dir, name string, value json.RawMessage) error {
	if name == "" {
		return errors.New("empty key name")
	}
	fileName := KeyFileName(name)
	if fileName == CredsFileName {
		return fmt.Errorf("key name %q collides with the creds file", name)
	}
	return writeRecord(filepath.Join(dir, fileName), value)
}

func writeRecord(path string, data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("refusing to write invalid JSON to %s", filepath.Base(path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
