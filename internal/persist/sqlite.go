package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/essaydesk/deskstore/internal/store"
)

const metaSavedAt = "saved_at"

// SQLiteBackend persists the state in an embedded SQLite database.
//
// Layout:
//   - collections: one row per collection, so empty collections survive
//   - records: one row per record, fields stored as a JSON object
//   - state_meta: saved_at marks that a state has been persisted
//
// Save replaces all three tables in one transaction.
type SQLiteBackend struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and initializes the
// schema.
//
// The caller MUST call Close() when done.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	b := &SQLiteBackend{conn: conn, path: path}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := b.InitSchema(context.Background()); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Path returns the database path.
func (b *SQLiteBackend) Path() string {
	return b.path
}

// Close checkpoints the WAL and closes the connection.
func (b *SQLiteBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	b.conn = nil
	return nil
}

// InitSchema creates the tables if they do not exist. It is idempotent.
func (b *SQLiteBackend) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		created_at TEXT,
		updated_at TEXT,
		fields TEXT NOT NULL,  -- JSON object
		PRIMARY KEY (collection, id),
		FOREIGN KEY (collection) REFERENCES collections(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS state_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_position ON records(collection, position);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(collection, updated_at);
	`
	if _, err := b.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Save implements store.Port.
func (b *SQLiteBackend) Save(ctx context.Context, state store.State) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collections"); err != nil {
		return fmt.Errorf("failed to clear collections: %w", err)
	}

	insertRecord, err := tx.PrepareContext(ctx, `
	INSERT INTO records (collection, position, id, created_at, updated_at, fields)
	VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer insertRecord.Close()

	for _, name := range state.Names() {
		if _, err := tx.ExecContext(ctx, "INSERT INTO collections (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to insert collection %s: %w", name, err)
		}
		for i, rec := range state[name] {
			fields := rec.Fields
			if fields == nil {
				fields = store.Fields{}
			}
			fieldsJSON, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("failed to marshal fields of %s/%s: %w", name, rec.ID, err)
			}
			if _, err := insertRecord.ExecContext(ctx,
				name,
				i,
				rec.ID,
				timeToNullString(rec.CreatedAt),
				timeToNullString(rec.UpdatedAt),
				string(fieldsJSON),
			); err != nil {
				return fmt.Errorf("failed to insert record %s/%s: %w", name, rec.ID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO state_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaSavedAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to record save time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load implements store.Port.
func (b *SQLiteBackend) Load(ctx context.Context) (store.State, bool, error) {
	if _, ok, err := b.SavedAt(ctx); err != nil || !ok {
		return nil, false, err
	}

	state := store.State{}

	names, err := b.conn.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, false, fmt.Errorf("failed to query collections: %w", err)
	}
	for names.Next() {
		var name string
		if err := names.Scan(&name); err != nil {
			_ = names.Close()
			return nil, false, fmt.Errorf("failed to scan collection: %w", err)
		}
		state[name] = []store.Record{}
	}
	if err := names.Err(); err != nil {
		_ = names.Close()
		return nil, false, fmt.Errorf("error iterating collections: %w", err)
	}
	_ = names.Close()

	rows, err := b.conn.QueryContext(ctx, `
	SELECT collection, id, created_at, updated_at, fields
	FROM records
	ORDER BY collection, position
	`)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, id, fieldsJSON string
		var createdAt, updatedAt sql.NullString
		if err := rows.Scan(&name, &id, &createdAt, &updatedAt, &fieldsJSON); err != nil {
			return nil, false, fmt.Errorf("failed to scan record: %w", err)
		}

		rec := store.Record{ID: id}
		if rec.CreatedAt, err = nullStringToTime(createdAt); err != nil {
			return nil, false, fmt.Errorf("record %s/%s: invalid created_at: %w", name, id, err)
		}
		if rec.UpdatedAt, err = nullStringToTime(updatedAt); err != nil {
			return nil, false, fmt.Errorf("record %s/%s: invalid updated_at: %w", name, id, err)
		}
		if rec.Fields, err = store.DecodeFields([]byte(fieldsJSON)); err != nil {
			return nil, false, fmt.Errorf("record %s/%s: failed to unmarshal fields: %w", name, id, err)
		}
		if rec.Fields == nil {
			rec.Fields = store.Fields{}
		}
		state[name] = append(state[name], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating records: %w", err)
	}

	return state, true, nil
}

// Clear implements store.Port.
func (b *SQLiteBackend) Clear(ctx context.Context) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"records", "collections", "state_meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SavedAt returns when the state was last saved, and false if it never was.
func (b *SQLiteBackend) SavedAt(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := b.conn.QueryRowContext(ctx, "SELECT value FROM state_meta WHERE key = ?", metaSavedAt).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read state metadata: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s: %w", metaSavedAt, err)
	}
	return t, true, nil
}

// CountByCollection returns the number of persisted records per collection.
func (b *SQLiteBackend) CountByCollection(ctx context.Context) (map[string]int, error) {
	rows, err := b.conn.QueryContext(ctx, `
	SELECT c.name, COUNT(r.id)
	FROM collections c
	LEFT JOIN records r ON r.collection = c.name
	GROUP BY c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// timeToNullString converts a time to a nullable string for SQL.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time.
func nullStringToTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, ns.String)
}
