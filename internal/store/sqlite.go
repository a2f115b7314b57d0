package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"golang.org/x/sync/singleflight"

	"github.com/olympus-os/olympus/internal/schema"
)

// Gateway is the structured store: one SQLite table per object store, with
// secondary indices over the JSON document. The database is opened lazily
// by the first operation (or an explicit Init).
type Gateway struct {
	dsn    string
	schema schema.Schema

	initGroup singleflight.Group
	mu        sync.RWMutex
	db        *sql.DB
}

func NewGateway(dsn string, s schema.Schema) *Gateway {
	return &Gateway{dsn: dsn, schema: s}
}

func (g *Gateway) Schema() schema.Schema { return g.schema }

// Init opens and upgrades the database. It is idempotent, and concurrent
// callers share a single in-flight initialization. A failed attempt is not
// remembered, so the next call tries again.
func (g *Gateway) Init(ctx context.Context) error {
	if g.handle() != nil {
		return nil
	}
	_, err, _ := g.initGroup.Do("init", func() (interface{}, error) {
		if g.handle() != nil {
			return nil, nil
		}
		db, err := g.open(ctx)
		if err != nil {
			return nil, &InitializationError{Name: g.schema.Name, Err: err}
		}
		g.mu.Lock()
		g.db = db
		g.mu.Unlock()
		return nil, nil
	})
	return err
}

func (g *Gateway) handle() *sql.DB {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.db
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (g *Gateway) open(ctx context.Context) (*sql.DB, error) {
	if err := g.schema.Validate(); err != nil {
		return nil, err
	}
	if isFilePath(g.dsn) {
		if err := os.MkdirAll(filepath.Dir(g.dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", withPragmas(g.dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := g.upgrade(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func isFilePath(dsn string) bool {
	return dsn != "" && !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:")
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// upgrade brings the on-disk layout to the schema version. Every missing
// table and index is created in one transaction; existing data is kept.
func (g *Gateway) upgrade(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read database version: %w", err)
	}
	if current > g.schema.Version {
		return fmt.Errorf("%w: stored %d, schema %d", ErrVersionDowngrade, current, g.schema.Version)
	}
	if current == g.schema.Version {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upgrade: %w", err)
	}
	defer tx.Rollback()

	for _, st := range g.schema.Stores {
		table := quoteIdent(st.Name)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (pk PRIMARY KEY NOT NULL, data TEXT NOT NULL)`, table)); err != nil {
			return fmt.Errorf("failed to create store %s: %w", st.Name, err)
		}
		for _, idx := range st.Indices {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			stmt := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)`,
				unique, quoteIdent("idx_"+st.Name+"_"+idx.Name), table, jsonExtract(idx.KeyPath))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index %s.%s: %w", st.Name, idx.Name, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", g.schema.Version)); err != nil {
		return fmt.Errorf("failed to set database version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upgrade: %w", err)
	}
	slog.Info("Structured store upgraded", "name", g.schema.Name, "from", current, "to", g.schema.Version)
	return nil
}

func (g *Gateway) prepare(ctx context.Context, storeName string) (*sql.DB, schema.StoreDef, error) {
	def, ok := g.schema.Store(storeName)
	if !ok {
		return nil, schema.StoreDef{}, fmt.Errorf("%w: %s", ErrUnknownStore, storeName)
	}
	if err := g.Init(ctx); err != nil {
		return nil, schema.StoreDef{}, err
	}
	db := g.handle()
	if db == nil {
		return nil, schema.StoreDef{}, &InitializationError{Name: g.schema.Name, Err: sql.ErrConnDone}
	}
	return db, def, nil
}

// Add inserts a record. It fails with *ConstraintError if the key already exists.
func (g *Gateway) Add(ctx context.Context, storeName string, record interface{}) error {
	db, def, err := g.prepare(ctx, storeName)
	if err != nil {
		return err
	}
	key, data, err := encodeRecord(def, record)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (pk, data) VALUES (?, ?)`, quoteIdent(def.Name)), key, data)
	if err != nil {
		return wrapWriteError(def.Name, "add", err)
	}
	return nil
}

// Update writes a record, replacing any record with the same key.
func (g *Gateway) Update(ctx context.Context, storeName string, record interface{}) error {
	db, def, err := g.prepare(ctx, storeName)
	if err != nil {
		return err
	}
	key, data, err := encodeRecord(def, record)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (pk, data) VALUES (?, ?) ON CONFLICT(pk) DO UPDATE SET data = excluded.data`,
		quoteIdent(def.Name)), key, data)
	if err != nil {
		return wrapWriteError(def.Name, "update", err)
	}
	return nil
}

// GetByID returns the stored JSON document, or nil if there is none.
func (g *Gateway) GetByID(ctx context.Context, storeName string, id interface{}) (json.RawMessage, error) {
	db, def, err := g.prepare(ctx, storeName)
	if err != nil {
		return nil, err
	}
	key, err := normalizeKey(id)
	if err != nil {
		return nil, err
	}
	var data string
	err = db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE pk = ?`, quoteIdent(def.Name)), key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record from %s: %w", def.Name, err)
	}
	return json.RawMessage(data), nil
}

// GetAll returns every record of a store in key order.
func (g *Gateway) GetAll(ctx context.Context, storeName string) ([]json.RawMessage, error) {
	db, def, err := g.prepare(ctx, storeName)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, db, def.Name,
		fmt.Sprintf(`SELECT data FROM %s ORDER BY pk`, quoteIdent(def.Name)))
}

// QueryByIndex returns records whose indexed value equals value.
func (g *Gateway) QueryByIndex(ctx context.Context, storeName, indexName string, value interface{}) ([]json.RawMessage, error) {
	db, def, err := g.prepare(ctx, storeName)
	if err != nil {
		return nil, err
	}
	idx, ok := def.Index(indexName)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, def.Name, indexName)
	}
	arg, err := indexArg(value)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, db, def.Name,
		fmt.Sprintf(`SELECT data FROM %s WHERE %s = ? ORDER BY pk`, quoteIdent(def.Name), jsonExtract(idx.KeyPath)), arg)
}

// QueryWithFilter loads the whole store and keeps the records accepted by
// keep. Cost is proportional to the store size on every call.
func (g *Gateway) QueryWithFilter(ctx context.Context, storeName string, keep func(json.RawMessage) bool) ([]json.RawMessage, error) {
	all, err := g.GetAll(ctx, storeName)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(all))
	for _, rec := range all {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (g *Gateway) Delete(ctx context.Context, storeName string, id interface{}) error {
	db, def, err := g.prepare(ctx, storeName)
	if err != nil {
		return err
	}
	key, err := normalizeKey(id)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, quoteIdent(def.Name)), key); err != nil {
		return fmt.Errorf("failed to delete record from %s: %w", def.Name, err)
	}
	return nil
}

func (g *Gateway) ClearStore(ctx context.Context, storeName string) error {
	db, def, err := g.prepare(ctx, storeName)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, quoteIdent(def.Name))); err != nil {
		return fmt.Errorf("failed to clear %s: %w", def.Name, err)
	}
	return nil
}

func (g *Gateway) Count(ctx context.Context, storeName string) (int, error) {
	db, def, err := g.prepare(ctx, storeName)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(def.Name))).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", def.Name, err)
	}
	return n, nil
}

func queryRecords(ctx context.Context, db *sql.DB, storeName, query string, args ...interface{}) ([]json.RawMessage, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", storeName, err)
	}
	defer rows.Close()

	records := []json.RawMessage{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", storeName, err)
		}
		records = append(records, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", storeName, err)
	}
	return records, nil
}

// encodeRecord marshals record and extracts its primary key.
func encodeRecord(def schema.StoreDef, record interface{}) (interface{}, string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal %s record: %w", def.Name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, "", fmt.Errorf("%s record must be a JSON object: %w", def.Name, err)
	}
	raw, ok := lookupPath(doc, def.KeyPath)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s has no %q", ErrInvalidKey, def.Name, def.KeyPath)
	}
	key, err := normalizeKey(raw)
	if err != nil {
		return nil, "", err
	}
	return key, string(data), nil
}

func lookupPath(doc map[string]interface{}, keyPath string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(keyPath, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// normalizeKey maps a key onto int64, float64 or string. Integral numbers
// become int64 so 1, 1.0 and json.Number("1") address the same record.
func normalizeKey(v interface{}) (interface{}, error) {
	switch k := v.(type) {
	case string:
		if k == "" {
			return nil, ErrInvalidKey
		}
		return k, nil
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return i, nil
		}
		f, err := k.Float64()
		if err != nil {
			return nil, ErrInvalidKey
		}
		return normalizeFloat(f)
	case int:
		return int64(k), nil
	case int8:
		return int64(k), nil
	case int16:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case int64:
		return k, nil
	case uint:
		return unsignedKey(uint64(k))
	case uint8:
		return int64(k), nil
	case uint16:
		return int64(k), nil
	case uint32:
		return int64(k), nil
	case uint64:
		return unsignedKey(k)
	case float32:
		return normalizeFloat(float64(k))
	case float64:
		return normalizeFloat(k)
	default:
		return nil, ErrInvalidKey
	}
}

// unsignedKey rejects values that SQLite's signed 64-bit integers cannot hold.
func unsignedKey(u uint64) (interface{}, error) {
	if u > math.MaxInt64 {
		return nil, ErrInvalidKey
	}
	return int64(u), nil
}

func normalizeFloat(f float64) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrInvalidKey
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

// indexArg converts a lookup value into what json_extract yields for it.
func indexArg(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case nil:
		return nil, fmt.Errorf("%w: nil index value", ErrInvalidKey)
	default:
		return normalizeKey(val)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func jsonExtract(keyPath string) string {
	return fmt.Sprintf(`json_extract(data, '$.%s')`, strings.ReplaceAll(keyPath, "'", "''"))
}
