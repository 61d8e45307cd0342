// Package logstore persists log entries durably in SQLite with an FTS5
// index mirroring the message column, batching writes for throughput.
package logstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banksean/tenement/logbuffer"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	batchMaxEntries = 1000
	batchInterval   = 250 * time.Millisecond
	channelDepth    = 10_000
)

// Entry is the durable record shape; timestamps are stored as RFC3339 UTC
// and converted to epoch milliseconds on read.
type Entry struct {
	Timestamp  time.Time
	Level      logbuffer.Level
	Service    string
	InstanceID string
	Message    string
}

// Query filters a durable read; Search, when non-empty, is matched against
// the FTS index as a phrase.
type Query struct {
	Service    string
	InstanceID string
	Level      logbuffer.Level
	Search     string
	Limit      int
}

// Store owns the SQLite connection and the background batching writer.
type Store struct {
	db *sql.DB

	incoming chan Entry
	done     chan struct{}
}

// Open opens (creating if necessary) the SQLite database at path, applies
// migrations, and starts the background batch writer. Callers must call
// Close to flush pending writes and release the channel.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc sqlite: serialize writers through one conn

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:       db,
		incoming: make(chan Entry, channelDepth),
		done:     make(chan struct{}),
	}
	go s.writeLoop(ctx)
	return s, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Push enqueues an entry for durable storage. If the channel is full, the
// entry is dropped and logged: telemetry loss must never stall the caller.
func (s *Store) Push(e Entry) {
	select {
	case s.incoming <- e:
	default:
		slog.Error("logstore: write channel full, dropping entry", "service", e.Service, "instance", e.InstanceID)
	}
}

func (s *Store) writeLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchMaxEntries)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			slog.Error("logstore: batch flush failed", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case e, ok := <-s.incoming:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchMaxEntries {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Store) flushBatch(batch []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO logs (timestamp, level, process, instance_id, message) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, e := range batch {
		if _, err := stmt.Exec(e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Level), e.Service, e.InstanceID, e.Message); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close stops the writer after flushing anything already enqueued.
func (s *Store) Close() error {
	close(s.incoming)
	<-s.done
	return s.db.Close()
}

// Query runs a non-search or FTS-joined search read, filtered and ordered
// by timestamp descending, honoring Limit.
func (s *Store) Query(ctx context.Context, q Query) ([]Entry, error) {
	var sb strings.Builder
	var args []any

	if q.Search != "" {
		sb.WriteString(`SELECT l.timestamp, l.level, l.process, l.instance_id, l.message
			FROM logs_fts f JOIN logs l ON l.id = f.rowid
			WHERE logs_fts MATCH ?`)
		args = append(args, fmt.Sprintf("%q", q.Search))
	} else {
		sb.WriteString(`SELECT timestamp, level, process, instance_id, message FROM logs WHERE 1=1`)
	}

	if q.Service != "" {
		sb.WriteString(" AND " + col(q.Search, "process") + " = ?")
		args = append(args, q.Service)
	}
	if q.InstanceID != "" {
		sb.WriteString(" AND " + col(q.Search, "instance_id") + " = ?")
		args = append(args, q.InstanceID)
	}
	if q.Level != "" {
		sb.WriteString(" AND " + col(q.Search, "level") + " = ?")
		args = append(args, string(q.Level))
	}

	sb.WriteString(" ORDER BY " + col(q.Search, "timestamp") + " DESC")
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var ts, level, process, instanceID, message string
		if err := rows.Scan(&ts, &level, &process, &instanceID, &message); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, ts)
			if err != nil {
				continue
			}
		}
		out = append(out, Entry{
			Timestamp:  parsed,
			Level:      logbuffer.Level(level),
			Service:    process,
			InstanceID: instanceID,
			Message:    message,
		})
	}
	return out, rows.Err()
}

// col prefixes a bare column with "l." when the query is joined against
// logs_fts under the alias "l".
func col(search, name string) string {
	if search != "" {
		return "l." + name
	}
	return name
}

// Rotate deletes entries older than cutoff.
func (s *Store) Rotate(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE timestamp < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the total row count in the durable log table.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n)
	return n, err
}

// SetConfig / GetConfig back the auth token store and any other small
// durable key/value state (the config table from the original schema).
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	return err
}
