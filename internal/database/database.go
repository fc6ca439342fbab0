package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cad-orchestrator/internal/models"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store runs queries against either the pool or an open transaction
type Store struct {
	q      querier
	driver string
}

// DB wraps the SQL database with helper methods
type DB struct {
	*Store
	sqlDB *sql.DB
}

// New creates a new database connection
func New(driver, dataSourceName string) (*DB, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; one connection also keeps
		// shared in-memory databases alive and consistent.
		db.SetMaxOpenConns(1)
	}
	return &DB{Store: &Store{q: db, driver: driver}, sqlDB: db}, nil
}

// Close closes the underlying pool
func (db *DB) Close() error {
	return db.sqlDB.Close()
}

// Ping verifies the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.sqlDB.PingContext(ctx)
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := sqliteSchema
	if db.driver == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.sqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction, committing when fn returns nil
func (db *DB) InTx(ctx context.Context, fn func(tx *Store) error) error {
	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Store{q: tx, driver: db.driver}); err != nil {
		return err
	}
	return tx.Commit()
}

// PurgeJob removes a job and everything it owns in one transaction
func (db *DB) PurgeJob(ctx context.Context, jobID string) error {
	return db.InTx(ctx, func(tx *Store) error {
		for _, table := range []string{"checkpoints", "events", "memories"} {
			if _, err := tx.exec(ctx, "DELETE FROM "+table+" WHERE job_id = ?", jobID); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		res, err := tx.exec(ctx, "DELETE FROM jobs WHERE id = ?", jobID)
		if err != nil {
			return fmt.Errorf("purge job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetMetrics retrieves system metrics
func (s *Store) GetMetrics(ctx context.Context) (*models.Metrics, error) {
	metrics := &models.Metrics{JobsByStatus: map[models.JobStatus]int64{}}

	rows, err := s.query(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		metrics.JobsByStatus[models.JobStatus(status)] = count
		metrics.TotalJobs += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := []struct {
		table string
		dst   *int64
	}{
		{"checkpoints", &metrics.Checkpoints},
		{"events", &metrics.Events},
		{"memories", &metrics.Memories},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// rebind rewrites ? placeholders to $n for postgres
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON(s sql.NullString, dst interface{}) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func now() time.Time {
	return time.Now().UTC()
}

// NewInMemory opens a named, schema-initialized in-memory SQLite database.
// Connections opened with the same name share state.
func NewInMemory(ctx context.Context, name string) (*DB, error) {
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)
	db, err := New(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
