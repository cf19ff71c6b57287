package requestlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DBFile is the request log database inside the data directory
const DBFile = "request_logs.db"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repo stores proxied request logs in SQLite
type Repo struct {
	db *sql.DB
}

// OpenRepo opens (or creates) the request log database in dir and applies
// pending migrations
func OpenRepo(dir string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("requestlog mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, DBFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	// Single writer
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func migrateDB(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// Close closes the database
func (r *Repo) Close() error {
	return r.db.Close()
}

// InsertBatch inserts entries in one transaction and returns how many were written
func (r *Repo) InsertBatch(ctx context.Context, entries []*types.RequestLog) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("requestlog begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO request_logs (
		id, ts_ns, service_name, port, method, path, target, status_code, duration_ns,
		req_headers_json, req_body, resp_headers_json, resp_body, error
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("requestlog prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		reqHeaders, _ := json.Marshal(nonNil(e.RequestHeaders))
		respHeaders, _ := json.Marshal(nonNil(e.ResponseHeaders))
		res, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UnixNano(), e.ServiceName, e.Port, e.Method, e.Path, e.Target,
			e.StatusCode, int64(e.Duration), string(reqHeaders), e.RequestBody,
			string(respHeaders), e.ResponseBody, e.Error,
		)
		if err != nil {
			return 0, fmt.Errorf("requestlog insert %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("requestlog commit: %w", err)
	}
	return inserted, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// List returns the newest limit entries of serviceName, newest first
func (r *Repo) List(ctx context.Context, serviceName string, limit int) ([]*types.RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT
		id, ts_ns, service_name, port, method, path, target, status_code, duration_ns,
		req_headers_json, req_body, resp_headers_json, resp_body, error
	FROM request_logs WHERE service_name = ? ORDER BY ts_ns DESC, id DESC LIMIT ?`, serviceName, limit)
	if err != nil {
		return nil, fmt.Errorf("requestlog list: %w", err)
	}
	defer rows.Close()

	var result []*types.RequestLog
	for rows.Next() {
		var (
			e                       types.RequestLog
			tsNs, durNs             int64
			reqHeaders, respHeaders string
		)
		if err := rows.Scan(&e.ID, &tsNs, &e.ServiceName, &e.Port, &e.Method, &e.Path, &e.Target,
			&e.StatusCode, &durNs, &reqHeaders, &e.RequestBody, &respHeaders, &e.ResponseBody, &e.Error); err != nil {
			return nil, fmt.Errorf("requestlog scan: %w", err)
		}
		e.Timestamp = time.Unix(0, tsNs)
		e.Duration = time.Duration(durNs)
		_ = json.Unmarshal([]byte(reqHeaders), &e.RequestHeaders)
		_ = json.Unmarshal([]byte(respHeaders), &e.ResponseHeaders)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// Count returns the number of stored entries of serviceName
func (r *Repo) Count(ctx context.Context, serviceName string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs WHERE service_name = ?`, serviceName).Scan(&n)
	return n, err
}

// DeleteService removes every entry of serviceName
func (r *Repo) DeleteService(ctx context.Context, serviceName string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM request_logs WHERE service_name = ?`, serviceName)
	if err != nil {
		return 0, fmt.Errorf("requestlog delete %s: %w", serviceName, err)
	}
	return res.RowsAffected()
}

// Prune keeps the newest keepPerService entries of every service
func (r *Repo) Prune(ctx context.Context, keepPerService int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM request_logs WHERE id IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY service_name ORDER BY ts_ns DESC, id DESC) AS rn
			FROM request_logs
		) WHERE rn > ?
	)`, keepPerService)
	if err != nil {
		return 0, fmt.Errorf("requestlog prune: %w", err)
	}
	return res.RowsAffected()
}
