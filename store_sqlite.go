package refulearn

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SchemaVersion is stored in PRAGMA user_version. Bumping it forces every
// existing local database to be rebuilt on the next open.
const SchemaVersion = 3

// SQLiteOptions configures OpenSQLiteStore.
type SQLiteOptions struct {
	Logger  *zap.Logger
	Metrics *Metrics
}

// SQLiteStore persists collections in SQLite, one kv_<collection> table each.
type SQLiteStore struct {
	sqlDB   *sql.DB
	logger  *zap.Logger
	rebuilt bool
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func tableName(collection string) string {
	return `"kv_` + collection + `"`
}

// OpenSQLiteStore opens (or creates) the database at path and makes sure the
// schema matches SchemaVersion. A database from another version, or one with
// a table missing, is dropped and recreated; Rebuilt then reports true.
func OpenSQLiteStore(path string, opts *SQLiteOptions) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	logger := zap.NewNop()
	var metrics *Metrics
	if opts != nil {
		if opts.Logger != nil {
			logger = opts.Logger
		}
		metrics = opts.Metrics
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteStore{sqlDB: sqlDB, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if s.rebuilt {
		metrics.rebuilt()
	}
	return s, nil
}

// Rebuilt reports whether opening the store discarded an incompatible schema.
func (s *SQLiteStore) Rebuilt() bool {
	if s == nil {
		return false
	}
	return s.rebuilt
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	var version int
	if err := s.sqlDB.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	existing, err := s.tables(ctx)
	if err != nil {
		return err
	}

	missing := 0
	for _, c := range Collections {
		if !existing["kv_"+c] {
			missing++
		}
	}
	switch {
	case version == SchemaVersion && missing == 0:
		return nil
	case version == 0 && len(existing) == 0:
		// fresh database
	default:
		s.logger.Warn("local store schema mismatch, rebuilding",
			zap.Int("foundVersion", version),
			zap.Int("wantVersion", SchemaVersion),
			zap.Int("missingTables", missing),
		)
		for name := range existing {
			if _, err := s.sqlDB.ExecContext(ctx, `DROP TABLE IF EXISTS "`+name+`"`); err != nil {
				return fmt.Errorf("drop %s: %w", name, err)
			}
		}
		s.rebuilt = true
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, c := range Collections {
		ddl := `CREATE TABLE IF NOT EXISTS ` + tableName(c) + ` (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", c, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) tables(ctx context.Context) (map[string]bool, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'kv\_%' ESCAPE '\'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ready(ctx context.Context, collection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return checkCollection(collection)
}

func (s *SQLiteStore) Put(ctx context.Context, collection, key string, value any) error {
	if err := s.ready(ctx, collection); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO `+tableName(collection)+` (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, b, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string, dest any) (bool, error) {
	if err := s.ready(ctx, collection); err != nil {
		return false, err
	}
	var b []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM `+tableName(collection)+` WHERE key = ?`, key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	if dest == nil {
		return true, nil
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return true, nil
}

func (s *SQLiteStore) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	if err := s.ready(ctx, collection); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT value FROM `+tableName(collection)+` ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()
	var out []json.RawMessage
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		out = append(out, json.RawMessage(b))
	}
	return out, rows.Err()
}

// UpdatedAt returns when the record was last written.
func (s *SQLiteStore) UpdatedAt(ctx context.Context, collection, key string) (time.Time, error) {
	if err := s.ready(ctx, collection); err != nil {
		return time.Time{}, err
	}
	var ms int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT updated_at FROM `+tableName(collection)+` WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return fromMillis(ms), nil
}

func (s *SQLiteStore) Remove(ctx context.Context, collection, key string) error {
	if err := s.ready(ctx, collection); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM `+tableName(collection)+` WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, collections ...Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range collections {
		if err := checkCollection(c); err != nil {
			return err
		}
	}
	if len(collections) == 0 {
		collections = Collections
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, c := range collections {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+tableName(c)); err != nil {
			return fmt.Errorf("clear %s: %w", c, err)
		}
	}
	return tx.Commit()
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
