package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO
)

const (
	// DatabaseFile is the whatsmeow store inside the working directory.
	DatabaseFile = "whatsapp.db"

	driverName  = "sqlite"
	deviceTable = "whatsmeow_device"
	tablePrefix = "whatsmeow_"
)

var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// DSN returns the SQLite connection string for the store in dir.
func DSN(dir string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		filepath.Join(dir, DatabaseFile))
}

// SQLiteLoader implements Loader over the whatsmeow SQLite store.
//
// Creds are the rows of the device table. Every row of every other
// whatsmeow table becomes one key record named "<table>.<n>". Restoring
// replays the device rows first and then each key row, so the schema of
// the store being restored into must match the one that was exported;
// both are brought to the current whatsmeow version on open.
type SQLiteLoader struct {
	log waLog.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

var _ Loader = (*SQLiteLoader)(nil)

// NewSQLiteLoader returns a loader that logs store migrations to log.
func NewSQLiteLoader(log waLog.Logger) *SQLiteLoader {
	if log == nil {
		log = waLog.Noop
	}
	return &SQLiteLoader{log: log, dbs: map[string]*sql.DB{}}
}

// Close releases every database the loader opened.
func (l *SQLiteLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for dir, db := range l.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.dbs, dir)
	}
	return firstErr
}

// db opens (once per directory) the store in dir and upgrades its schema.
func (l *SQLiteLoader) db(ctx context.Context, dir string) (*sql.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if db, ok := l.dbs[dir]; ok {
		return db, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	db, err := sql.Open(driverName, DSN(dir))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	container := sqlstore.NewWithDB(db, driverName, l.log)
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrading session store: %w", err)
	}
	l.dbs[dir] = db
	return db, nil
}

// Container returns a whatsmeow store container over the database the
// loader uses for dir, so the live client sees restored rows.
func (l *SQLiteLoader) Container(ctx context.Context, dir string) (*sqlstore.Container, error) {
	db, err := l.db(ctx, dir)
	if err != nil {
		return nil, err
	}
	return sqlstore.NewWithDB(db, driverName, l.log), nil
}

func (l *SQLiteLoader) Load(ctx context.Context, dir string) (*State, error) {
	db, err := l.db(ctx, dir)
	if err != nil {
		return nil, err
	}
	return dumpState(ctx, db)
}

func (l *SQLiteLoader) WriteCreds(ctx context.Context, dir string, creds json.RawMessage) error {
	var rows []row
	if err := json.Unmarshal(creds, &rows); err != nil {
		return fmt.Errorf("parsing device rows: %w", err)
	}
	db, err := l.db(ctx, dir)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := insertRow(ctx, db, deviceTable, r); err != nil {
			return err
		}
	}
	return nil
}

func (l *SQLiteLoader) WriteKey(ctx context.Context, dir, name string, value json.RawMessage) error {
	table, _, ok := strings.Cut(name, ".")
	if !ok || !strings.HasPrefix(table, tablePrefix) || table == deviceTable {
		return fmt.Errorf("key %q does not name a store table", name)
	}
	var r row
	if err := json.Unmarshal(value, &r); err != nil {
		return fmt.Errorf("parsing key %s: %w", name, err)
	}
	db, err := l.db(ctx, dir)
	if err != nil {
		return err
	}
	return insertRow(ctx, db, table, r)
}

// cell is one column value with its SQLite storage class preserved, so
// blobs and integers survive the trip through JSON.
type cell struct {
	Int   *int64   `json:"i,omitempty"`
	Float *float64 `json:"f,omitempty"`
	Text  *string  `json:"s,omitempty"`
	Blob  []byte   `json:"b,omitempty"`
}

// row maps column names to values; a nil cell is SQL NULL.
type row map[string]*cell

func toCell(v any) *cell {
	switch t := v.(type) {
	case nil:
		return nil
	case int64:
		return &cell{Int: &t}
	case float64:
		return &cell{Float: &t}
	case bool:
		var i int64
		if t {
			i = 1
		}
		return &cell{Int: &i}
	case string:
		return &cell{Text: &t}
	case []byte:
		b := make([]byte, len(t))
		copy(b, t)
		return &cell{Blob: b}
	case time.Time:
		s := t.Format(time.RFC3339Nano)
		return &cell{Text: &s}
	default:
		s := fmt.Sprint(t)
		return &cell{Text: &s}
	}
}

func (c *cell) value() any {
	switch {
	case c == nil:
		return nil
	case c.Int != nil:
		return *c.Int
	case c.Float != nil:
		return *c.Float
	case c.Text != nil:
		return *c.Text
	case c.Blob != nil:
		return c.Blob
	default:
		return []byte{}
	}
}

func storeTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'whatsmeow\_%' ESCAPE '\' AND name <> 'whatsmeow_version' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing store tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func dumpTable(ctx context.Context, db *sql.DB, table string) ([]row, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM "%s"`, table))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading %s columns: %w", table, err)
	}

	var out []row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		r := make(row, len(cols))
		for i, col := range cols {
			r[col] = toCell(vals[i])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// dumpState exports every store table as session state.
func dumpState(ctx context.Context, db *sql.DB) (*State, error) {
	tables, err := storeTables(ctx, db)
	if err != nil {
		return nil, err
	}

	state := &State{Keys: map[string]json.RawMessage{}}
	for _, table := range tables {
		rows, err := dumpTable(ctx, db, table)
		if err != nil {
			return nil, err
		}
		if table == deviceTable {
			if len(rows) > 0 {
				if state.Creds, err = json.Marshal(rows); err != nil {
					return nil, fmt.Errorf("encoding device rows: %w", err)
				}
			}
			continue
		}
		for i, r := range rows {
			data, err := json.Marshal(r)
			if err != nil {
				return nil, fmt.Errorf("encoding %s row: %w", table, err)
			}
			state.Keys[fmt.Sprintf("%s.%d", table, i)] = data
		}
	}
	return state, nil
}

func insertRow(ctx context.Context, db *sql.DB, table string, r row) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	if len(r) == 0 {
		return nil
	}

	cols := make([]string, 0, len(r))
	for col := range r {
		if !identRe.MatchString(col) {
			return fmt.Errorf("invalid column name %q in %s", col, table)
		}
		cols = append(cols, col)
	}

	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = `"` + col + `"`
		args[i] = r[col].value()
	}
	query := fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("restoring %s row: %w", table, err)
	}
	return nil
}
